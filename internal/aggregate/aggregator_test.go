package aggregate

import (
	"sync"
	"testing"
	"time"

	"github.com/modelpulse/modelpulse/internal/partition"
	"github.com/modelpulse/modelpulse/pkg/types"
)

var windowBase = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type rollupRecorder struct {
	mu       sync.Mutex
	rollups  []types.Rollup
	reemits  []types.Rollup
	tooLate  []types.Event
}

func (r *rollupRecorder) callbacks() Callbacks {
	return Callbacks{
		OnRollup: func(rollup types.Rollup, reemitted bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if reemitted {
				r.reemits = append(r.reemits, rollup)
				return
			}
			r.rollups = append(r.rollups, rollup)
		},
		OnTooLate: func(event types.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.tooLate = append(r.tooLate, event)
		},
	}
}

func (r *rollupRecorder) find(entityID string, start time.Time) (types.Rollup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rollup := range r.rollups {
		if rollup.EntityID == entityID && rollup.WindowStart.Equal(start) {
			return rollup, true
		}
	}
	return types.Rollup{}, false
}

func newTestAggregator(t *testing.T, cfg Config, rec *rollupRecorder) *Aggregator {
	t.Helper()
	router, err := partition.NewRouter(cfg.Partitions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	agg, err := New(cfg, router, nil, rec.callbacks())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return agg
}

func event(entityID string, ts time.Time, measures map[string]float64) types.Event {
	return types.Event{
		ID:        ts.Format("20060102T150405.000") + "-" + entityID,
		EntityID:  entityID,
		EventType: "inference",
		Timestamp: ts,
		Measures:  measures,
	}
}

// Three events inside one 5s window produce a single rollup with count=3.
func TestThreeEventsOneWindow(t *testing.T) {
	rec := &rollupRecorder{}
	agg := newTestAggregator(t, Config{
		Partitions:      4,
		PartitionBuffer: 64,
		WindowWidth:     5 * time.Second,
		GracePeriod:     time.Minute,
	}, rec)
	agg.Start()

	for i := 0; i < 3; i++ {
		err := agg.Submit(event("m1", windowBase.Add(time.Duration(i)*time.Second), map[string]float64{"latency_ms": float64(100 + i)}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	agg.Close()

	rollup, ok := rec.find("m1", windowBase)
	if !ok {
		t.Fatalf("no rollup emitted for m1 at %v; got %v", windowBase, rec.rollups)
	}
	if rollup.Count != 3 {
		t.Errorf("count = %d, want 3", rollup.Count)
	}
	if len(rec.rollups) != 1 {
		t.Errorf("expected exactly one rollup, got %d", len(rec.rollups))
	}

	stats := rollup.Measures["latency_ms"]
	if stats.Count != 3 || stats.Sum != 303 || stats.Min != 100 || stats.Max != 102 {
		t.Errorf("latency stats = %+v, want count=3 sum=303 min=100 max=102", stats)
	}
}

// An event older than any window eligible for late acceptance is dropped and
// the already-emitted rollup stays unchanged.
func TestTooLateEventDoesNotChangeClosedRollup(t *testing.T) {
	rec := &rollupRecorder{}
	agg := newTestAggregator(t, Config{
		Partitions:      1,
		PartitionBuffer: 64,
		WindowWidth:     5 * time.Second,
		GracePeriod:     5 * time.Second,
	}, rec)
	w := agg.workers[0]

	for i := 0; i < 3; i++ {
		w.handle(event("m1", windowBase.Add(time.Duration(i)*time.Second), nil))
	}

	// Advance the watermark past end+grace for the first window.
	w.handle(event("m1", windowBase.Add(20*time.Second), nil))

	rollup, ok := rec.find("m1", windowBase)
	if !ok {
		t.Fatal("expected the first window to have been emitted")
	}
	if rollup.Count != 3 {
		t.Errorf("count = %d, want 3", rollup.Count)
	}

	// 10s before the window: older than grace allows.
	w.handle(event("m1", windowBase.Add(-10*time.Second), nil))

	if len(rec.tooLate) != 1 {
		t.Fatalf("expected 1 too-late event, got %d", len(rec.tooLate))
	}
	if len(rec.reemits) != 0 {
		t.Errorf("too-late event must not trigger re-emission")
	}
	rollup, _ = rec.find("m1", windowBase)
	if rollup.Count != 3 {
		t.Errorf("rollup changed after too-late event: count = %d", rollup.Count)
	}
}

// A late event within the grace period folds into the closed window and
// re-emits an upserted rollup instead of a duplicate.
func TestLateEventWithinGraceReemits(t *testing.T) {
	rec := &rollupRecorder{}
	agg := newTestAggregator(t, Config{
		Partitions:      1,
		PartitionBuffer: 64,
		WindowWidth:     5 * time.Second,
		GracePeriod:     time.Minute,
	}, rec)
	w := agg.workers[0]

	w.handle(event("m1", windowBase, nil))
	w.handle(event("m1", windowBase.Add(2*time.Second), nil))

	// Watermark passes the window end: first emission.
	w.handle(event("m1", windowBase.Add(10*time.Second), nil))
	if len(rec.rollups) != 1 {
		t.Fatalf("expected 1 rollup after close, got %d", len(rec.rollups))
	}

	// Late but within grace: folded, re-emitted.
	w.handle(event("m1", windowBase.Add(3*time.Second), nil))

	if len(rec.reemits) != 1 {
		t.Fatalf("expected 1 re-emission, got %d", len(rec.reemits))
	}
	if rec.reemits[0].Count != 3 {
		t.Errorf("re-emitted count = %d, want 3", rec.reemits[0].Count)
	}
	if len(rec.rollups) != 1 {
		t.Errorf("re-emission must not add a second first-emission")
	}
}

func TestWatermarkNeverRegresses(t *testing.T) {
	rec := &rollupRecorder{}
	agg := newTestAggregator(t, Config{
		Partitions:      1,
		PartitionBuffer: 64,
		WindowWidth:     time.Minute,
		GracePeriod:     time.Minute,
		OutOfOrderBound: 10 * time.Second,
	}, rec)
	w := agg.workers[0]

	offsets := []time.Duration{0, 30 * time.Second, 5 * time.Second, 45 * time.Second, 1 * time.Second}
	var prev time.Time
	for _, off := range offsets {
		w.handle(event("m1", windowBase.Add(off), nil))
		if w.watermark.Before(prev) {
			t.Fatalf("watermark regressed from %v to %v", prev, w.watermark)
		}
		prev = w.watermark
	}

	// max seen is base+45s, bound 10s.
	want := windowBase.Add(35 * time.Second)
	if !w.watermark.Equal(want) {
		t.Errorf("watermark = %v, want %v", w.watermark, want)
	}
}

func TestSnapshotPartialsReportsOpenWindows(t *testing.T) {
	rec := &rollupRecorder{}
	agg := newTestAggregator(t, Config{
		Partitions:      2,
		PartitionBuffer: 64,
		WindowWidth:     time.Minute,
		GracePeriod:     time.Minute,
	}, rec)
	agg.Start()
	defer agg.Close()

	if err := agg.Submit(event("m1", windowBase, map[string]float64{"latency_ms": 50})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The snapshot request serializes behind the event in the worker loop,
	// but the event send and control send race; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		partials, _, err := agg.SnapshotPartials("m1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(partials) == 1 {
			if partials[0].Final {
				t.Error("open-window snapshot must have final=false")
			}
			if partials[0].Count != 1 {
				t.Errorf("partial count = %d, want 1", partials[0].Count)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no partial window observed for m1")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	rec := &rollupRecorder{}
	agg := newTestAggregator(t, Config{
		Partitions:      1,
		PartitionBuffer: 4,
		WindowWidth:     time.Minute,
	}, rec)
	agg.Start()
	agg.Close()

	if err := agg.Submit(event("m1", windowBase, nil)); err == nil {
		t.Error("expected error submitting to a closed aggregator")
	}
}
