// Package embed defines the embedding capability and its backends. A
// Provider turns a batch of texts into fixed-dimension vectors, one per
// input, in input order. Decorators add retry, rate limiting, and caching
// without the callers knowing which backend is underneath.
package embed

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrEmptyBatch    = errors.New("embed: empty batch")
	ErrBatchTooLarge = errors.New("embed: batch exceeds provider limit")
	ErrCountMismatch = errors.New("embed: provider returned wrong vector count")
)

// Provider converts chunk texts into embedding vectors.
//
// Embed must return exactly one vector per input, in the same order, or fail
// the whole batch. The model identifier travels with every stored vector so
// a provider or model change is detected instead of silently mixing vector
// spaces.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model returns the embedding-model identifier (e.g. "text-embedding-3-small").
	Model() string
	// Dimension returns the vector width this provider produces.
	Dimension() int
}
