package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/arturoeanton/go-asset-reconciler/internal/metrics"
	"github.com/arturoeanton/go-asset-reconciler/internal/port"
)

// RetryPolicy is an exponential backoff for retryable embedding failures.
// The delay starts at BaseDelay, doubles per attempt and is capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Interactive row processing gives up quickly; batch backfill can afford to wait.
var (
	DefaultJobRetryPolicy      = RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	DefaultBackfillRetryPolicy = RetryPolicy{MaxRetries: 6, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}
)

// Delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// withRetry runs fn, retrying retryable provider errors according to p.
// Once retries are exhausted the last error is returned as fatal.
func withRetry[T any](ctx context.Context, p RetryPolicy, caller string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		metrics.EmbeddingCalls.WithLabelValues(caller).Inc()
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !port.IsRetryable(err) {
			return zero, err
		}
		if attempt >= p.MaxRetries {
			slog.Error("embedding retries exhausted", "caller", caller, "attempts", attempt+1, "error", err)
			return zero, &port.ProviderError{Retryable: false, Err: err}
		}

		delay := p.Delay(attempt)
		metrics.EmbeddingRetries.WithLabelValues(caller).Inc()
		slog.Warn("retrying embedding call", "caller", caller, "attempt", attempt+1, "max", p.MaxRetries, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
