package coordinator

import (
	"errors"
	"sync"
	"testing"

	perrors "github.com/modelpulse/modelpulse/internal/errors"
	"github.com/modelpulse/modelpulse/pkg/types"
)

type captureSink struct {
	mu      sync.Mutex
	letters []types.DeadLetter
	fail    bool
}

func (s *captureSink) EnqueueDeadLetter(d types.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.letters = append(s.letters, d)
	return nil
}

func (s *captureSink) snapshot() []types.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out
}

func TestAdmitRejectsWithCapacityExceededAboveHighWater(t *testing.T) {
	c := New(5, 2, nil, nil)

	for i := 0; i < 5; i++ {
		if err := c.Admit(); err != nil {
			t.Fatalf("admit %d: unexpected error: %v", i, err)
		}
	}

	err := c.Admit()
	if err == nil {
		t.Fatal("expected rejection above high-water mark")
	}

	var pe *perrors.PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PipelineError, got %T", err)
	}
	if pe.Category != perrors.ErrCategoryCapacity {
		t.Fatalf("category = %s, want CAPACITY", pe.Category)
	}
	if pe.Code != perrors.CodeThrottling {
		t.Fatalf("code = %s, want THROTTLING", pe.Code)
	}
	if !perrors.IsRetryable(err) {
		t.Fatal("throttling rejection should be retryable")
	}
	if got := c.State(); got != StateThrottling {
		t.Fatalf("state = %s, want throttling", got)
	}
}

func TestThrottlingClearsOnlyBelowLowWater(t *testing.T) {
	c := New(5, 2, nil, nil)

	for i := 0; i < 5; i++ {
		if err := c.Admit(); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	if err := c.Admit(); err == nil {
		t.Fatal("expected throttling")
	}

	// Dropping to 3 is still above the low-water mark of 2.
	c.Release()
	c.Release()
	if err := c.Admit(); err == nil {
		t.Fatal("expected continued throttling between marks")
	}

	// At 2 in-flight the coordinator re-opens.
	c.Release()
	if got := c.State(); got != StateAccepting {
		t.Fatalf("state = %s, want accepting", got)
	}
	if err := c.Admit(); err != nil {
		t.Fatalf("admit after recovery: %v", err)
	}
}

func TestDrainRejectsNewWork(t *testing.T) {
	c := New(5, 2, nil, nil)

	if err := c.Admit(); err != nil {
		t.Fatalf("admit: %v", err)
	}
	c.BeginDrain()

	err := c.Admit()
	if err == nil {
		t.Fatal("expected rejection while draining")
	}
	var pe *perrors.PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PipelineError, got %T", err)
	}
	if pe.Code != perrors.CodeDraining {
		t.Fatalf("code = %s, want DRAINING", pe.Code)
	}
	if perrors.IsRetryable(err) {
		t.Fatal("draining rejection should not be retryable")
	}

	// In-flight work still releases cleanly.
	c.Release()
	if got := c.InFlight(); got != 0 {
		t.Fatalf("in-flight = %d, want 0", got)
	}
}

func TestReleaseWithoutAdmitDoesNotUnderflow(t *testing.T) {
	c := New(5, 2, nil, nil)
	c.Release()
	if got := c.InFlight(); got != 0 {
		t.Fatalf("in-flight = %d, want 0", got)
	}
}

func TestDeadLetterRawPreservesPayloadAndCategory(t *testing.T) {
	sink := &captureSink{}
	c := New(5, 2, sink, nil)

	payload := []byte(`{"event_type":""}`)
	c.DeadLetterRaw("evt-1", payload, perrors.NewValidationError(perrors.CodeMissingField, "event_type is required"))

	letters := sink.snapshot()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	d := letters[0]
	if d.EventID != "evt-1" {
		t.Fatalf("event id = %q", d.EventID)
	}
	if string(d.OriginalPayload) != string(payload) {
		t.Fatalf("payload altered: %q", d.OriginalPayload)
	}
	if d.Category != string(perrors.ErrCategoryValidation) {
		t.Fatalf("category = %q, want VALIDATION", d.Category)
	}
	if d.ID == "" {
		t.Fatal("dead letter id not assigned")
	}
	if d.FailedAt.IsZero() {
		t.Fatal("failed_at not set")
	}
}

func TestDeadLetterEventSerializesEvent(t *testing.T) {
	sink := &captureSink{}
	c := New(5, 2, sink, nil)

	ev := types.Event{
		ID:        "01HQZX4T9GJF8K2M3N4P5Q6R7S",
		EntityID:  "model-a",
		EventType: "llm.request",
	}
	c.DeadLetterEvent(ev, perrors.NewLateDataDroppedError("window closed"))

	letters := sink.snapshot()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].EventID != ev.ID {
		t.Fatalf("event id = %q, want %q", letters[0].EventID, ev.ID)
	}
	if letters[0].Category != string(perrors.ErrCategoryLateData) {
		t.Fatalf("category = %q, want LATE_DATA", letters[0].Category)
	}
}

func TestConcurrentAdmitReleaseStaysConsistent(t *testing.T) {
	c := New(1000, 500, nil, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := c.Admit(); err == nil {
					c.Release()
				}
			}
		}()
	}
	wg.Wait()

	if got := c.InFlight(); got != 0 {
		t.Fatalf("in-flight = %d, want 0", got)
	}
}
