package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	perrors "github.com/modelpulse/modelpulse/internal/errors"
)

func newTestPolicy(maxAttempts int, multiplier float64) (*RetryPolicy, *[]time.Duration) {
	p := NewRetryPolicy(maxAttempts, 10*time.Millisecond, 5*time.Second, multiplier, nil)
	delays := &[]time.Duration{}
	p.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return p, delays
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	policy, _ := newTestPolicy(5, 2.0)

	calls := 0
	err := policy.Execute(context.Background(), "write", func() error {
		calls++
		if calls < 3 {
			return perrors.NewTransientStorageError("temporary failure", nil)
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryExhaustion(t *testing.T) {
	policy, _ := newTestPolicy(3, 2.0)

	calls := 0
	retries := 0
	err := policy.Execute(context.Background(), "write", func() error {
		calls++
		return perrors.NewTransientStorageError("always fails", nil)
	}, func(attempt int, err error) {
		retries++
	})

	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if retries != 2 {
		t.Fatalf("expected 2 retry callbacks, got %d", retries)
	}
	if perrors.GetCode(err) != perrors.CodeWriteExhausted {
		t.Fatalf("expected WRITE_EXHAUSTED, got %s", perrors.GetCode(err))
	}
	if perrors.IsRetryable(err) {
		t.Fatal("exhaustion error must not be retryable")
	}
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	policy, _ := newTestPolicy(5, 2.0)

	calls := 0
	wantErr := perrors.NewValidationError(perrors.CodeInvalidField, "bad payload")
	err := policy.Execute(context.Background(), "write", func() error {
		calls++
		return wantErr
	}, nil)

	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the validation error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable error should stop after 1 attempt, got %d", calls)
	}
}

func TestRetryBackoffGrowsAndCaps(t *testing.T) {
	policy := NewRetryPolicy(6, 10*time.Millisecond, 50*time.Millisecond, 2.0, nil)
	delays := []time.Duration{}
	policy.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_ = policy.Execute(context.Background(), "write", func() error {
		return perrors.NewTransientStorageError("fail", nil)
	}, nil)

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}
	if len(delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %d", len(want), len(delays))
	}
	for i, d := range delays {
		if d != want[i] {
			t.Fatalf("sleep %d: expected %v, got %v", i, want[i], d)
		}
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	policy := NewRetryPolicy(5, 10*time.Millisecond, time.Second, 2.0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := policy.Execute(ctx, "write", func() error {
		calls++
		return perrors.NewTransientStorageError("fail", nil)
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt before cancellation, got %d", calls)
	}
}
