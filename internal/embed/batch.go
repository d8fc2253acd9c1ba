package embed

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// BatchConfig bounds a single provider request.
type BatchConfig struct {
	// MaxTexts caps the number of inputs per request (<=0 means 64).
	MaxTexts int
	// MaxTokens caps the summed token count per request (<=0 means 60000).
	MaxTokens int
}

// Batcher splits arbitrarily large input slices into requests the provider
// will accept, preserving input order one-to-one in the combined result.
type Batcher struct {
	provider Provider
	cfg      BatchConfig
	encoder  *tiktoken.Tiktoken
}

// NewBatcher wraps a provider with request splitting. Token counting uses
// the cl100k_base encoding; when the encoder is unavailable a bytes/4
// estimate stands in.
func NewBatcher(provider Provider, cfg BatchConfig) *Batcher {
	if cfg.MaxTexts <= 0 {
		cfg.MaxTexts = 64
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 60000
	}
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		encoder = nil
	}
	return &Batcher{provider: provider, cfg: cfg, encoder: encoder}
}

func (b *Batcher) Model() string  { return b.provider.Model() }
func (b *Batcher) Dimension() int { return b.provider.Dimension() }

// Embed splits texts into budget-respecting batches and concatenates the
// results. A text that alone exceeds the token budget still goes out as a
// singleton batch; the provider decides whether to truncate or reject it.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}

	vectors := make([][]float32, 0, len(texts))
	start := 0
	tokens := 0

	flush := func(end int) error {
		if end <= start {
			return nil
		}
		batch, err := b.provider.Embed(ctx, texts[start:end])
		if err != nil {
			return err
		}
		vectors = append(vectors, batch...)
		start = end
		tokens = 0
		return nil
	}

	for i, text := range texts {
		n := b.countTokens(text)
		full := i-start >= b.cfg.MaxTexts || (i > start && tokens+n > b.cfg.MaxTokens)
		if full {
			if err := flush(i); err != nil {
				return nil, err
			}
		}
		tokens += n
	}
	if err := flush(len(texts)); err != nil {
		return nil, err
	}

	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCountMismatch, len(vectors), len(texts))
	}
	return vectors, nil
}

func (b *Batcher) countTokens(text string) int {
	if b.encoder == nil {
		return len(text)/4 + 1
	}
	return len(b.encoder.Encode(text, nil, nil))
}

var _ Provider = (*Batcher)(nil)
