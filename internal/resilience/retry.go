// Package resilience provides retry and circuit breaker primitives used by
// the storage writer and the archival uploader.
package resilience

import (
	"context"
	"log/slog"
	"time"

	perrors "github.com/modelpulse/modelpulse/internal/errors"
)

// RetryPolicy executes operations with bounded exponential backoff.
// Only retryable failures are retried; a non-retryable error returns
// immediately regardless of remaining attempts.
type RetryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	logger       *slog.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a policy. Attempts below 1 are clamped to 1.
func NewRetryPolicy(maxAttempts int, initialDelay, maxDelay time.Duration, multiplier float64, logger *slog.Logger) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if initialDelay <= 0 {
		initialDelay = 100 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if multiplier < 1 {
		multiplier = 2.0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPolicy{
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		logger:       logger,
		sleep:        sleepCtx,
	}
}

// MaxAttempts returns the attempt bound.
func (p *RetryPolicy) MaxAttempts() int { return p.maxAttempts }

// Execute runs operation until it succeeds, returns a non-retryable error,
// exhausts the attempt budget, or the context is canceled. onRetry, when
// non-nil, is invoked before each re-attempt sleep.
func (p *RetryPolicy) Execute(ctx context.Context, name string, operation func() error, onRetry func(attempt int, err error)) error {
	delay := p.initialDelay

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			if attempt > 1 {
				p.logger.Debug("operation succeeded after retries", "op", name, "attempts", attempt)
			}
			return nil
		}

		if !perrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.maxAttempts {
			break
		}

		p.logger.Warn("operation failed, retrying",
			"op", name, "attempt", attempt, "max_attempts", p.maxAttempts,
			"delay", delay, "error", lastErr)
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}

		delay = time.Duration(float64(delay) * p.multiplier)
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}

	p.logger.Warn("operation failed after all attempts", "op", name, "attempts", p.maxAttempts, "error", lastErr)
	return perrors.NewStorageExhaustedError(name, lastErr).
		WithDetails(map[string]interface{}{"attempts": p.maxAttempts})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
