package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed allows all operations.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks operations until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen allows probe operations to test recovery.
	BreakerHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// halfOpenSuccesses is the number of consecutive successes in half-open
// state required to close the circuit.
const halfOpenSuccesses = 3

// CircuitBreaker guards a downstream dependency. Consecutive failures past
// the threshold open the circuit; after the reset timeout a half-open probe
// phase decides whether to close it again.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failureCount     int
	successCount     int
	lastFailure      time.Time
	failureThreshold int
	resetTimeout     time.Duration
	logger           *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, logger *slog.Logger) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		logger:           logger,
		now:              time.Now,
	}
}

// Allow reports whether an operation may proceed. An open circuit whose
// reset timeout has elapsed transitions to half-open and allows the call.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) > b.resetTimeout {
			b.logger.Info("circuit breaker transitioning to half-open")
			b.state = BreakerHalfOpen
			b.failureCount = 0
			b.successCount = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful operation.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= halfOpenSuccesses {
			b.logger.Info("circuit breaker closing after recovery")
			b.state = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
			b.lastFailure = time.Time{}
		}
	case BreakerClosed:
		b.failureCount = 0
	}
}

// RecordFailure notes a failed operation.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	switch b.state {
	case BreakerClosed:
		if b.failureCount >= b.failureThreshold {
			b.logger.Warn("circuit breaker opening", "failures", b.failureCount)
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.logger.Warn("circuit breaker reopening after half-open failure")
		b.state = BreakerOpen
		b.successCount = 0
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.successCount = 0
	b.lastFailure = time.Time{}
}
