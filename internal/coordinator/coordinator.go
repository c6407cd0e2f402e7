// Package coordinator implements the ingestion admission state machine and
// the dead-letter routing path.
package coordinator

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	perrors "github.com/modelpulse/modelpulse/internal/errors"
	"github.com/modelpulse/modelpulse/internal/metrics"
	"github.com/modelpulse/modelpulse/pkg/types"
)

// State is the coordinator admission state.
type State int

const (
	// StateAccepting admits new events.
	StateAccepting State = iota
	// StateThrottling rejects new events with an explicit retry-later
	// signal until in-flight load falls below the low-water mark.
	StateThrottling
	// StateDraining rejects all new events while shutdown completes
	// in-flight work.
	StateDraining
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateThrottling:
		return "throttling"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// DeadLetterSink receives dead letters routed by the coordinator.
type DeadLetterSink interface {
	EnqueueDeadLetter(d types.DeadLetter) error
}

// Coordinator is the central backpressure authority. Every admitted event
// holds an in-flight slot until the aggregator folds it; crossing the
// high-water mark flips admission to Throttling, and dropping below the
// low-water mark flips it back.
type Coordinator struct {
	highWater int64
	lowWater  int64
	sink      DeadLetterSink
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	inFlight int64

	ids *types.ULIDGenerator
	now func() time.Time
}

// New creates a coordinator in the Accepting state.
func New(highWater, lowWater int64, sink DeadLetterSink, logger *slog.Logger) *Coordinator {
	if highWater <= 0 {
		highWater = 50000
	}
	if lowWater <= 0 || lowWater >= highWater {
		lowWater = highWater / 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		highWater: highWater,
		lowWater:  lowWater,
		sink:      sink,
		logger:    logger,
		state:     StateAccepting,
		ids:       types.NewULIDGenerator(),
		now:       time.Now,
	}
}

// Admit requests an in-flight slot for one event. On success the caller
// must pair it with exactly one Release. Rejections carry a CAPACITY error
// that distinguishes throttling (retry later) from draining (shutting
// down).
func (c *Coordinator) Admit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDraining:
		return perrors.New(perrors.ErrCategoryCapacity, perrors.CodeDraining, "ingestion is draining for shutdown")
	case StateThrottling:
		return perrors.NewCapacityExceededError("ingestion throttled, retry later")
	}

	if c.inFlight >= c.highWater {
		c.state = StateThrottling
		metrics.ObserveThrottleTransition()
		c.logger.Warn("ingestion throttling", "in_flight", c.inFlight, "high_water", c.highWater)
		return perrors.NewCapacityExceededError("ingestion throttled, retry later")
	}

	c.inFlight++
	return nil
}

// Release returns an in-flight slot, re-opening admission once load falls
// below the low-water mark.
func (c *Coordinator) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight > 0 {
		c.inFlight--
	}
	if c.state == StateThrottling && c.inFlight <= c.lowWater {
		c.state = StateAccepting
		metrics.ObserveThrottleTransition()
		c.logger.Info("ingestion accepting again", "in_flight", c.inFlight, "low_water", c.lowWater)
	}
}

// BeginDrain moves to Draining. New events are rejected; in-flight events
// continue to completion.
func (c *Coordinator) BeginDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDraining {
		c.state = StateDraining
		c.logger.Info("ingestion draining", "in_flight", c.inFlight)
	}
}

// State returns the current admission state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFlight returns the number of admitted events not yet folded.
func (c *Coordinator) InFlight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// DeadLetterRaw routes a rejected raw payload to the dead-letter sink with
// its failure reason, preserving the original bytes for replay.
func (c *Coordinator) DeadLetterRaw(eventID string, payload []byte, cause error) {
	if c.sink == nil {
		return
	}

	id, err := c.ids.Generate()
	if err != nil {
		c.logger.Error("failed to generate dead letter id", "error", err)
		return
	}

	d := types.DeadLetter{
		ID:              id.String(),
		EventID:         eventID,
		OriginalPayload: payload,
		Reason:          cause.Error(),
		Category:        string(perrors.GetCategory(cause)),
		FailedAt:        c.now().UTC(),
	}
	if err := c.sink.EnqueueDeadLetter(d); err != nil {
		c.logger.Error("failed to route dead letter", "event_id", eventID, "error", err)
	}
}

// DeadLetterEvent routes a validated event that could not be processed,
// serializing it back to JSON as the preserved payload.
func (c *Coordinator) DeadLetterEvent(event types.Event, cause error) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to serialize dead letter event", "event_id", event.ID, "error", err)
		return
	}
	c.DeadLetterRaw(event.ID, payload, cause)
}
