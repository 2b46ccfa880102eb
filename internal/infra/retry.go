// Package infra provides resilience primitives for upstream API calls.
package infra

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Subsequent retries
	// back off exponentially up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// JitterFraction adds randomness to delays (0.0-1.0). 0.1 means up to
	// 10% variance in either direction.
	JitterFraction float64
}

// DefaultRetryConfig returns sensible defaults for provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.1,
	}
}

func (c *RetryConfig) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
}

// retryableStatuses are HTTP status codes worth retrying. 529 is the
// Anthropic overloaded status.
var retryableStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	529: true,
}

// retryableMessages are transient network failure substrings.
var retryableMessages = []string{
	"ECONNRESET",
	"ETIMEDOUT",
	"ECONNREFUSED",
	"socket hang up",
	"fetch failed",
}

// APIError carries an upstream HTTP status and optional Retry-After hint
// through the retry classifier.
type APIError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "api error"
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// PermanentError marks an error that must never be retried, regardless of
// how it classifies.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// AsPermanent wraps an error to suppress retries.
func AsPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable classifies an error as transient. Retryable means the
// upstream status is in the retryable set, or the message contains a known
// transient network failure substring.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return retryableStatuses[apiErr.StatusCode]
	}

	msg := err.Error()
	for _, needle := range retryableMessages {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// RetryAfterHint extracts an upstream Retry-After duration, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// Retry executes fn, retrying transient failures with capped exponential
// backoff. An upstream Retry-After hint overrides the computed delay.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg.normalize()

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(cfg, attempt)
		if hint, ok := RetryAfterHint(err); ok {
			// The upstream hint is a floor, not subject to MaxDelay.
			// Jitter only stretches it so concurrent retries spread out.
			delay = hint + time.Duration(rand.Float64()*cfg.JitterFraction*float64(hint))
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}

// backoffDelay computes min(base * 2^attempt, max) with jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	return addJitter(delay, cfg.JitterFraction)
}

// addJitter adds random variance to a duration.
func addJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	jitter := float64(d) * fraction
	delta := (rand.Float64()*2 - 1) * jitter
	result := time.Duration(float64(d) + delta)
	if result < 0 {
		result = 0
	}
	return result
}
