package infra

import (
	"context"
	"sync/atomic"
)

// Resilience combines the retry policy and circuit breaker into one
// wrapper for provider calls. The breaker counts each overall operation
// (after retries), not individual attempts.
type Resilience struct {
	retry   RetryConfig
	breaker *CircuitBreaker

	calls         atomic.Int64
	failures      atomic.Int64
	shortCircuits atomic.Int64
}

// NewResilience creates a combined retry and breaker wrapper.
func NewResilience(retry RetryConfig, breaker CircuitBreakerConfig) *Resilience {
	return &Resilience{
		retry:   retry,
		breaker: NewCircuitBreaker(breaker),
	}
}

// Call runs fn through the breaker with retries inside.
func Call[T any](r *Resilience, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	r.calls.Add(1)

	val, err := ExecuteWithResult(r.breaker, ctx, func(ctx context.Context) (T, error) {
		return Retry(ctx, r.retry, fn)
	})
	if err != nil {
		if err == ErrCircuitOpen {
			r.shortCircuits.Add(1)
		} else {
			r.failures.Add(1)
		}
	}
	return val, err
}

// Breaker exposes the underlying circuit breaker.
func (r *Resilience) Breaker() *CircuitBreaker {
	return r.breaker
}

// ResilienceStats is a snapshot of the wrapper's counters.
type ResilienceStats struct {
	Calls         int64
	Failures      int64
	ShortCircuits int64
	Breaker       CircuitBreakerStats
}

// Stats returns combined counters.
func (r *Resilience) Stats() ResilienceStats {
	return ResilienceStats{
		Calls:         r.calls.Load(),
		Failures:      r.failures.Load(),
		ShortCircuits: r.shortCircuits.Load(),
		Breaker:       r.breaker.Stats(),
	}
}
