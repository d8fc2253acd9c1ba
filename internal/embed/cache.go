package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedProvider memoizes embeddings keyed by model and content digest, so
// an unchanged chunk re-seen across reconciles never costs a second API call.
type CachedProvider struct {
	inner Provider
	cache *lru.Cache[string, []float32]
}

// WithCache wraps a provider with an LRU of the given capacity.
func WithCache(inner Provider, capacity int) (*CachedProvider, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	cache, err := lru.New[string, []float32](capacity)
	if err != nil {
		return nil, err
	}
	return &CachedProvider{inner: inner, cache: cache}, nil
}

func (c *CachedProvider) Model() string  { return c.inner.Model() }
func (c *CachedProvider) Dimension() int { return c.inner.Dimension() }

// Embed serves hits from the cache and forwards only the misses, preserving
// input order in the result.
func (c *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}

	vectors := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	keys := make([]string, len(texts))

	for i, text := range texts {
		keys[i] = c.key(text)
		if vec, ok := c.cache.Get(keys[i]); ok {
			vectors[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		fresh, err := c.inner.Embed(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range missIdx {
			vectors[idx] = fresh[j]
			c.cache.Add(keys[idx], fresh[j])
		}
	}
	return vectors, nil
}

func (c *CachedProvider) key(text string) string {
	digest := sha256.Sum256([]byte(text))
	return c.inner.Model() + ":" + hex.EncodeToString(digest[:])
}

var _ Provider = (*CachedProvider)(nil)
