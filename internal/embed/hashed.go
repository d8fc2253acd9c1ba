package embed

import (
	"context"
	"crypto/sha256"
	"math"
)

// HashedProvider derives vectors deterministically from content hashes. It
// needs no network or credentials: similarity is only meaningful for exact
// duplicates, which is enough for offline smoke runs and tests.
type HashedProvider struct {
	dimension int
}

// NewHashed creates a deterministic offline provider.
func NewHashed(dimension int) *HashedProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashedProvider{dimension: dimension}
}

func (p *HashedProvider) Model() string  { return "hashed-local" }
func (p *HashedProvider) Dimension() int { return p.dimension }

// Embed maps each text onto a unit vector seeded by its sha256 digest.
func (p *HashedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = p.vector(text)
	}
	return vectors, nil
}

func (p *HashedProvider) vector(text string) []float32 {
	digest := sha256.Sum256([]byte(text))
	vec := make([]float32, p.dimension)

	// Stretch the 32-byte digest across the whole dimension by chained
	// re-hashing, then normalize to unit length.
	var sum float64
	buf := digest
	for i := 0; i < p.dimension; i++ {
		if i > 0 && i%len(buf) == 0 {
			buf = sha256.Sum256(buf[:])
		}
		v := float32(buf[i%len(buf)])/255.0 - 0.5
		vec[i] = v
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

var _ Provider = (*HashedProvider)(nil)
