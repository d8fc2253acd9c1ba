package embed

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// LimiterConfig throttles calls to a shared provider. The remote provider's
// rate limit is the scarce resource, not local CPU, so one limiter instance
// is shared by every in-flight file.
type LimiterConfig struct {
	// Concurrency caps simultaneous in-flight calls (<=0 means 4).
	Concurrency int
	// RequestsPerMinute spaces calls out over time (0 = unlimited).
	RequestsPerMinute int
}

// LimitedProvider wraps a Provider with a global concurrency cap and an
// optional request-rate floor.
type LimitedProvider struct {
	inner Provider
	sem   *semaphore.Weighted

	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// WithLimits wraps a provider with rate limiting.
func WithLimits(inner Provider, cfg LimiterConfig) *LimitedProvider {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	var interval time.Duration
	if cfg.RequestsPerMinute > 0 {
		interval = time.Minute / time.Duration(cfg.RequestsPerMinute)
	}
	return &LimitedProvider{
		inner:    inner,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		interval: interval,
	}
}

func (l *LimitedProvider) Model() string  { return l.inner.Model() }
func (l *LimitedProvider) Dimension() int { return l.inner.Dimension() }

// Embed waits for capacity, then delegates.
func (l *LimitedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)

	if err := l.waitTurn(ctx); err != nil {
		return nil, err
	}
	return l.inner.Embed(ctx, texts)
}

// waitTurn enforces the minimum spacing between requests.
func (l *LimitedProvider) waitTurn(ctx context.Context) error {
	if l.interval == 0 {
		return nil
	}
	l.mu.Lock()
	now := time.Now()
	wait := l.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	l.next = now.Add(wait + l.interval)
	l.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

var _ Provider = (*LimitedProvider)(nil)
