package infra

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = &APIError{StatusCode: 503, Err: errors.New("upstream failed")}

func failingCall(ctx context.Context) error { return errUpstream }
func okCall(ctx context.Context) error      { return nil }

func TestCircuitOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, failingCall); !errors.Is(err, errUpstream) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	if cb.State() != CircuitOpen {
		t.Errorf("state = %s, want open", cb.State())
	}

	// Open circuit rejects without invoking the call.
	invoked := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Error("call must not be invoked while circuit is open")
	}
}

func TestCircuitHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
	})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	time.Sleep(15 * time.Millisecond)

	// First probe allowed; success moves toward closing.
	if err := cb.Execute(ctx, okCall); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Errorf("state = %s, want half-open after one success", cb.State())
	}
	if err := cb.Execute(ctx, okCall); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state = %s, want closed after success threshold", cb.State())
	}
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
	})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	time.Sleep(15 * time.Millisecond)

	cb.Execute(ctx, failingCall)
	if cb.State() != CircuitOpen {
		t.Errorf("state = %s, want open after failed probe", cb.State())
	}
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, okCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)

	if cb.State() != CircuitClosed {
		t.Errorf("state = %s, want closed; success should reset the streak", cb.State())
	}
}

func TestCircuitStats(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "anthropic", FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, okCall) // rejected

	stats := cb.Stats()
	if stats.Name != "anthropic" {
		t.Errorf("name = %q", stats.Name)
	}
	if stats.Opens != 1 {
		t.Errorf("opens = %d, want 1", stats.Opens)
	}
	if stats.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", stats.Rejected)
	}
}

func TestResilienceRetriesInsideBreaker(t *testing.T) {
	r := NewResilience(fastRetry(3), CircuitBreakerConfig{FailureThreshold: 2})
	attempts := 0

	val, err := Call(r, context.Background(), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", &APIError{StatusCode: 500, Err: errors.New("flaky")}
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if val != "done" {
		t.Errorf("val = %q", val)
	}
	// Retries happen inside one breaker-counted operation.
	if state := r.Breaker().State(); state != CircuitClosed {
		t.Errorf("breaker state = %s, want closed", state)
	}
}

func TestResilienceShortCircuits(t *testing.T) {
	r := NewResilience(fastRetry(1), CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	_, _ = Call(r, ctx, func(ctx context.Context) (int, error) {
		return 0, &APIError{StatusCode: 529, Err: errors.New("overloaded")}
	})
	_, err := Call(r, ctx, func(ctx context.Context) (int, error) {
		t.Fatal("must not run while open")
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}

	stats := r.Stats()
	if stats.Calls != 2 || stats.Failures != 1 || stats.ShortCircuits != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCircuitIgnoresNonRetryableErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()
	badRequest := &APIError{StatusCode: 400, Err: errors.New("invalid request")}

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func(ctx context.Context) error { return badRequest }); !errors.Is(err, badRequest) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s, want closed after non-retryable errors", cb.State())
	}

	invoked := false
	if err := cb.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatalf("call after non-retryable errors: %v", err)
	}
	if !invoked {
		t.Error("breaker must keep invoking after non-retryable errors")
	}

	// Transient failures still trip it.
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)
	if cb.State() != CircuitOpen {
		t.Errorf("state = %s, want open after transient failures", cb.State())
	}
}

func TestCircuitHalfOpenIgnoresNonRetryable(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
	})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	time.Sleep(15 * time.Millisecond)

	badRequest := &APIError{StatusCode: 404, Err: errors.New("not found")}
	cb.Execute(ctx, func(ctx context.Context) error { return badRequest })
	if cb.State() != CircuitHalfOpen {
		t.Errorf("state = %s, want half-open kept after non-retryable probe error", cb.State())
	}
}

func TestCircuitManualReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	ctx := context.Background()

	if err := cb.Execute(ctx, failingCall); !errors.Is(err, errUpstream) {
		t.Fatalf("err = %v", err)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Errorf("state after reset = %s, want closed", cb.State())
	}
	if err := cb.Execute(ctx, okCall); err != nil {
		t.Errorf("call after reset: %v", err)
	}
}
