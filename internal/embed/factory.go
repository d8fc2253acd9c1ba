package embed

import (
	"fmt"
)

// Options selects and tunes the embedding pipeline.
type Options struct {
	Provider  string // "openai", "ollama", or "local"
	Model     string
	APIKey    string
	BaseURL   string
	Dimension int

	BatchSize         int
	MaxBatchTokens    int
	Concurrency       int
	RequestsPerMinute int
	MaxRetries        int
	CacheSize         int
}

// Build assembles the provider with its decorator stack: base provider,
// retries, shared rate limiter, batching, then content cache outermost so
// cache hits skip the whole pipeline.
func Build(opts Options) (Provider, error) {
	var base Provider
	switch opts.Provider {
	case "openai":
		base = NewOpenAI(opts.APIKey, opts.Model, opts.Dimension)
	case "ollama":
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		base = NewOllama(baseURL, opts.Model, opts.Dimension)
	case "local", "hashed":
		base = NewHashed(opts.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}

	retryCfg := DefaultRetryConfig()
	if opts.MaxRetries > 0 {
		retryCfg.MaxRetries = opts.MaxRetries
	}
	var p Provider = WithRetry(base, retryCfg)

	p = WithLimits(p, LimiterConfig{
		Concurrency:       opts.Concurrency,
		RequestsPerMinute: opts.RequestsPerMinute,
	})

	p = NewBatcher(p, BatchConfig{
		MaxTexts:  opts.BatchSize,
		MaxTokens: opts.MaxBatchTokens,
	})

	cached, err := WithCache(p, opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return cached, nil
}
