package embed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// RetryConfig configures exponential backoff for provider calls.
type RetryConfig struct {
	MaxRetries int           // retry attempts after the first call (0 = no retries)
	BaseDelay  time.Duration // initial delay between retries
	MaxDelay   time.Duration // cap on the backoff delay
}

// DefaultRetryConfig returns sensible defaults for remote APIs.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// RetryProvider wraps a Provider with bounded exponential-backoff retries.
// After the attempts are exhausted the batch fails; the caller decides what
// to requeue, never more than the failing batch.
type RetryProvider struct {
	inner Provider
	cfg   RetryConfig
}

// WithRetry wraps a provider with retry logic.
func WithRetry(inner Provider, cfg RetryConfig) *RetryProvider {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &RetryProvider{inner: inner, cfg: cfg}
}

func (r *RetryProvider) Model() string  { return r.inner.Model() }
func (r *RetryProvider) Dimension() int { return r.inner.Dimension() }

// Embed delegates with retries on transient failures.
func (r *RetryProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := r.cfg.BaseDelay

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > r.cfg.MaxDelay {
				delay = r.cfg.MaxDelay
			}
		}

		vectors, err := r.inner.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if !retryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("embed: %d attempts exhausted: %w", r.cfg.MaxRetries+1, lastErr)
}

// retryable classifies provider errors. Malformed batches and cancellation
// are final; rate limits, timeouts, and server errors are worth retrying.
func retryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrEmptyBatch),
		errors.Is(err, ErrBatchTooLarge),
		errors.Is(err, ErrCountMismatch):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests") {
		return true
	}
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	if strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "404") {
		return false
	}
	return true
}

var _ Provider = (*RetryProvider)(nil)
