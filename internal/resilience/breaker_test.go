package resilience

import (
	"testing"
	"time"
)

func TestBreakerOpensOnFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute, nil)

	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("closed breaker must allow operations")
	}

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	if cb.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker must block operations")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second, nil)

	clock := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	// Before the reset timeout the circuit stays open.
	if cb.Allow() {
		t.Fatal("breaker must stay open before the reset timeout")
	}

	clock = clock.Add(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("breaker must allow a probe after the reset timeout")
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	for i := 0; i < halfOpenSuccesses; i++ {
		cb.RecordSuccess()
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after recovery, got %s", cb.State())
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Second, nil)

	clock := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return clock }

	cb.RecordFailure()
	cb.RecordFailure()
	clock = clock.Add(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected probe allowed")
	}

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("expected reopen after half-open failure, got %s", cb.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute, nil)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != BreakerClosed {
		t.Fatalf("interleaved successes must keep the breaker closed, got %s", cb.State())
	}
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour, nil)

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	cb.Reset()
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after reset, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("reset breaker must allow operations")
	}
}
