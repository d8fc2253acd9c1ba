package embed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider records calls and returns index-stamped vectors.
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	batches [][]string
	err     error
	errN    int // fail the first errN calls
}

func (f *fakeProvider) Model() string  { return "fake-model" }
func (f *fakeProvider) Dimension() int { return 3 }

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, append([]string(nil), texts...))
	if f.err != nil && (f.errN == 0 || f.calls <= f.errN) {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), float32(i), 1}
	}
	return out, nil
}

func TestHashedDeterministicUnitVectors(t *testing.T) {
	p := NewHashed(64)
	a, err := p.Embed(context.Background(), []string{"func main() {}", "func main() {}"})
	require.NoError(t, err)
	assert.Equal(t, a[0], a[1])

	b, err := p.Embed(context.Background(), []string{"func main() {}"})
	require.NoError(t, err)
	assert.Equal(t, a[0], b[0])

	var norm float64
	for _, v := range a[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	c, err := p.Embed(context.Background(), []string{"different"})
	require.NoError(t, err)
	assert.NotEqual(t, a[0], c[0])
}

func TestHashedEmptyBatch(t *testing.T) {
	p := NewHashed(16)
	_, err := p.Embed(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestBatcherSplitsByCount(t *testing.T) {
	fake := &fakeProvider{}
	b := NewBatcher(fake, BatchConfig{MaxTexts: 2, MaxTokens: 1 << 20})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := b.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 5)

	assert.Equal(t, 3, fake.calls)
	assert.Equal(t, []string{"a", "bb"}, fake.batches[0])
	assert.Equal(t, []string{"ccc", "dddd"}, fake.batches[1])
	assert.Equal(t, []string{"eeeee"}, fake.batches[2])

	// Vector order follows input order across batch boundaries.
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(5), vectors[4][0])
}

func TestBatcherSplitsByTokenBudget(t *testing.T) {
	fake := &fakeProvider{}
	b := NewBatcher(fake, BatchConfig{MaxTexts: 100, MaxTokens: 10})

	// Each word is at least one token; ten long texts cannot share a batch.
	long := "one two three four five six seven eight nine ten"
	_, err := b.Embed(context.Background(), []string{long, long, long})
	require.NoError(t, err)
	assert.Greater(t, fake.calls, 1)
}

func TestBatcherOversizedSingletonStillSent(t *testing.T) {
	fake := &fakeProvider{}
	b := NewBatcher(fake, BatchConfig{MaxTexts: 10, MaxTokens: 1})

	vectors, err := b.Embed(context.Background(), []string{"this text alone exceeds the budget"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 1, fake.calls)
}

func TestCacheAvoidsRepeatCalls(t *testing.T) {
	fake := &fakeProvider{}
	c, err := WithCache(fake, 10)
	require.NoError(t, err)

	first, err := c.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls)

	second, err := c.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls, "full hit should not reach the provider")
	assert.Equal(t, first, second)

	// Partial miss forwards only the new text.
	_, err = c.Embed(context.Background(), []string{"alpha", "gamma"})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.calls)
	assert.Equal(t, []string{"gamma"}, fake.batches[1])
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	fake := &fakeProvider{err: fmt.Errorf("server returned 503"), errN: 2}
	r := WithRetry(fake, RetryConfig{MaxRetries: 3, BaseDelay: 1, MaxDelay: 1})

	vectors, err := r.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 3, fake.calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	fake := &fakeProvider{err: fmt.Errorf("unauthorized: 401")}
	r := WithRetry(fake, RetryConfig{MaxRetries: 5, BaseDelay: 1, MaxDelay: 1})

	_, err := r.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, 1, fake.calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	fake := &fakeProvider{err: errors.New("connection reset: 503")}
	r := WithRetry(fake, RetryConfig{MaxRetries: 2, BaseDelay: 1, MaxDelay: 1})

	_, err := r.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, 3, fake.calls)
}

func TestLimiterPassesThrough(t *testing.T) {
	fake := &fakeProvider{}
	l := WithLimits(fake, LimiterConfig{Concurrency: 2})

	vectors, err := l.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, "fake-model", l.Model())
	assert.Equal(t, 3, l.Dimension())
}

func TestBuildUnknownProvider(t *testing.T) {
	_, err := Build(Options{Provider: "carrier-pigeon"})
	require.Error(t, err)
}

func TestBuildHashedPipeline(t *testing.T) {
	p, err := Build(Options{Provider: "hashed", Dimension: 32})
	require.NoError(t, err)
	assert.Equal(t, "hashed-local", p.Model())
	assert.Equal(t, 32, p.Dimension())

	vectors, err := p.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Len(t, vectors[0], 32)
}
