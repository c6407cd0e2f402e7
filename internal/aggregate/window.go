package aggregate

import (
	"time"

	"github.com/modelpulse/modelpulse/pkg/types"
)

// measureAgg accumulates one measure's running statistics inside a window.
type measureAgg struct {
	count int64
	sum   float64
	min   float64
	max   float64
	p50   *P2Sketch
	p95   *P2Sketch
	p99   *P2Sketch
}

func newMeasureAgg() *measureAgg {
	return &measureAgg{
		p50: NewP2Sketch(0.50),
		p95: NewP2Sketch(0.95),
		p99: NewP2Sketch(0.99),
	}
}

func (m *measureAgg) add(x float64) {
	if m.count == 0 || x < m.min {
		m.min = x
	}
	if m.count == 0 || x > m.max {
		m.max = x
	}
	m.count++
	m.sum += x
	m.p50.Add(x)
	m.p95.Add(x)
	m.p99.Add(x)
}

// Window holds the running aggregate for one (entity_id, window_start)
// interval [start, end). It is owned exclusively by the partition worker that
// created it, so no locking is needed.
type Window struct {
	entityID string
	start    time.Time
	end      time.Time

	count    int64
	measures map[string]*measureAgg

	// emitted becomes true once the watermark has passed end and the first
	// rollup went out; later grace-period folds trigger re-emission.
	emitted bool
}

// NewWindow creates the window covering [start, start+width) for an entity.
func NewWindow(entityID string, start time.Time, width time.Duration) *Window {
	return &Window{
		entityID: entityID,
		start:    start,
		end:      start.Add(width),
		measures: make(map[string]*measureAgg),
	}
}

// Contains reports whether ts falls inside the half-open interval.
func (w *Window) Contains(ts time.Time) bool {
	return !ts.Before(w.start) && ts.Before(w.end)
}

// Fold adds one event's measures to the running statistics in O(1) amortized.
func (w *Window) Fold(event types.Event) {
	w.count++
	for name, value := range event.Measures {
		agg, ok := w.measures[name]
		if !ok {
			agg = newMeasureAgg()
			w.measures[name] = agg
		}
		agg.add(value)
	}
}

// Snapshot materializes the current state as a Rollup. final marks whether
// the watermark has closed the window; open-window snapshots served at the
// query boundary carry final=false.
func (w *Window) Snapshot(final bool, at time.Time) types.Rollup {
	rollup := types.Rollup{
		EntityID:    w.entityID,
		WindowStart: w.start,
		WindowEnd:   w.end,
		Count:       w.count,
		Final:       final,
		EmittedAt:   at,
	}

	if len(w.measures) > 0 {
		rollup.Measures = make(map[string]types.MeasureStats, len(w.measures))
		for name, agg := range w.measures {
			rollup.Measures[name] = types.MeasureStats{
				Count: agg.count,
				Sum:   agg.sum,
				Min:   agg.min,
				Max:   agg.max,
				P50:   agg.p50.Quantile(),
				P95:   agg.p95.Quantile(),
				P99:   agg.p99.Quantile(),
			}
		}
	}

	return rollup
}
