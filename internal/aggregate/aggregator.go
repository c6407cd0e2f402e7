package aggregate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelpulse/modelpulse/internal/metrics"
	"github.com/modelpulse/modelpulse/internal/partition"
	"github.com/modelpulse/modelpulse/pkg/types"
)

// Config holds the windowing tunables. All of them are externally supplied.
type Config struct {
	Partitions      int
	PartitionBuffer int
	WindowWidth     time.Duration
	GracePeriod     time.Duration
	OutOfOrderBound time.Duration
}

// Callbacks are invoked from partition worker goroutines. OnRollup receives
// every emission; reemitted is true when a grace-period late event upserts an
// already-closed window. OnTooLate receives events older than any window
// still eligible for late acceptance. OnFolded fires after an event has been
// folded into its window (used by the coordinator to release in-flight slots).
type Callbacks struct {
	OnRollup  func(rollup types.Rollup, reemitted bool)
	OnTooLate func(event types.Event)
	OnFolded  func(event types.Event)
}

// Aggregator maintains tumbling windows across a fixed set of partitions.
// Each partition is owned by exactly one worker goroutine, so window state is
// never concurrently mutated and needs no locks. The partition watermark is
// owned by its worker; other components observe it only through snapshot
// replies.
type Aggregator struct {
	cfg     Config
	router  *partition.Router
	logger  *slog.Logger
	cb      Callbacks
	workers []*worker

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	windowGauge struct {
		sync.Mutex
		open int
	}
}

type windowKey struct {
	entityID  string
	startNano int64
}

// snapshotRequest asks a worker for its open-window partials for one entity
// plus its current watermark. Replies are explicit messages, never shared
// references to worker state.
type snapshotRequest struct {
	entityID string
	reply    chan snapshotResponse
}

type snapshotResponse struct {
	partials  []types.Rollup
	watermark time.Time
}

type worker struct {
	agg       *Aggregator
	id        int
	events    chan types.Event
	control   chan snapshotRequest
	watermark time.Time
	windows   map[windowKey]*Window
}

// New creates an Aggregator. Start must be called before Submit.
func New(cfg Config, router *partition.Router, logger *slog.Logger, cb Callbacks) (*Aggregator, error) {
	if cfg.Partitions != router.Partitions() {
		return nil, fmt.Errorf("aggregate: partition count %d disagrees with router %d", cfg.Partitions, router.Partitions())
	}
	if cfg.WindowWidth <= 0 {
		return nil, fmt.Errorf("aggregate: window width must be > 0")
	}
	if cfg.PartitionBuffer <= 0 {
		cfg.PartitionBuffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Aggregator{
		cfg:    cfg,
		router: router,
		logger: logger,
		cb:     cb,
	}
	for i := 0; i < cfg.Partitions; i++ {
		a.workers = append(a.workers, &worker{
			agg:     a,
			id:      i,
			events:  make(chan types.Event, cfg.PartitionBuffer),
			control: make(chan snapshotRequest),
			windows: make(map[windowKey]*Window),
		})
	}
	return a, nil
}

// Start launches one goroutine per partition.
func (a *Aggregator) Start() {
	for _, w := range a.workers {
		a.wg.Add(1)
		go w.run()
	}
	a.logger.Info("aggregator started",
		slog.Int("partitions", a.cfg.Partitions),
		slog.Duration("window_width", a.cfg.WindowWidth),
		slog.Duration("grace_period", a.cfg.GracePeriod),
		slog.Duration("out_of_order_bound", a.cfg.OutOfOrderBound))
}

// Submit routes a validated event to its partition worker. The send blocks on
// a full partition buffer; the coordinator's watermarks keep that bounded.
func (a *Aggregator) Submit(event types.Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("aggregate: aggregator is closed")
	}
	a.workers[a.router.Route(event.EntityID)].events <- event
	return nil
}

// SnapshotPartials returns rollup snapshots (final=false) for the entity's
// still-open windows along with the partition's watermark at reply time.
func (a *Aggregator) SnapshotPartials(entityID string) ([]types.Rollup, time.Time, error) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return nil, time.Time{}, fmt.Errorf("aggregate: aggregator is closed")
	}
	w := a.workers[a.router.Route(entityID)]
	a.mu.RUnlock()

	req := snapshotRequest{entityID: entityID, reply: make(chan snapshotResponse, 1)}
	select {
	case w.control <- req:
	case <-time.After(2 * time.Second):
		return nil, time.Time{}, fmt.Errorf("aggregate: partition %d did not accept snapshot request", w.id)
	}

	resp := <-req.reply
	return resp.partials, resp.watermark, nil
}

// Close stops intake, drains every partition, and emits all still-open
// windows as final rollups.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	for _, w := range a.workers {
		close(w.events)
	}
	a.wg.Wait()
	a.logger.Info("aggregator drained")
}

func (a *Aggregator) adjustOpenWindows(delta int) {
	a.windowGauge.Lock()
	a.windowGauge.open += delta
	metrics.SetOpenWindows(a.windowGauge.open)
	a.windowGauge.Unlock()
}

func (w *worker) run() {
	defer w.agg.wg.Done()
	for {
		select {
		case event, ok := <-w.events:
			if !ok {
				w.drain()
				return
			}
			w.handle(event)
		case req := <-w.control:
			w.snapshot(req)
		}
	}
}

// handle folds one event and advances the partition watermark. The watermark
// is max(seen timestamp) minus the out-of-order bound and never regresses.
func (w *worker) handle(event types.Event) {
	if candidate := event.Timestamp.Add(-w.agg.cfg.OutOfOrderBound); candidate.After(w.watermark) {
		w.watermark = candidate
	}

	start := event.Timestamp.Truncate(w.agg.cfg.WindowWidth)
	end := start.Add(w.agg.cfg.WindowWidth)

	// Too late: the window's grace period has fully elapsed, its state is
	// gone. Counted and surfaced, never silently ignored.
	if !w.watermark.Before(end.Add(w.agg.cfg.GracePeriod)) {
		metrics.ObserveEvent("too_late")
		w.agg.logger.Debug("event dropped as too late",
			slog.String("event_id", event.ID),
			slog.String("entity_id", event.EntityID),
			slog.Time("timestamp", event.Timestamp),
			slog.Time("watermark", w.watermark))
		if w.agg.cb.OnTooLate != nil {
			w.agg.cb.OnTooLate(event)
		}
		w.sweep()
		return
	}

	key := windowKey{entityID: event.EntityID, startNano: start.UnixNano()}
	win, ok := w.windows[key]
	if !ok {
		win = NewWindow(event.EntityID, start, w.agg.cfg.WindowWidth)
		w.windows[key] = win
		w.agg.adjustOpenWindows(1)
	}

	wasEmitted := win.emitted
	win.Fold(event)
	if w.agg.cb.OnFolded != nil {
		w.agg.cb.OnFolded(event)
	}

	// Late-but-accepted into an already-closed window: upsert, don't duplicate.
	if wasEmitted {
		w.emit(win, true)
	}

	w.sweep()
}

// sweep closes windows the watermark has passed and evicts windows whose
// grace period has elapsed.
func (w *worker) sweep() {
	grace := w.agg.cfg.GracePeriod
	for key, win := range w.windows {
		if !win.emitted && !w.watermark.Before(win.end) {
			win.emitted = true
			w.emit(win, false)
		}
		if win.emitted && !w.watermark.Before(win.end.Add(grace)) {
			delete(w.windows, key)
			w.agg.adjustOpenWindows(-1)
		}
	}
}

func (w *worker) emit(win *Window, reemitted bool) {
	metrics.ObserveRollup(reemitted)
	if w.agg.cb.OnRollup != nil {
		w.agg.cb.OnRollup(win.Snapshot(true, time.Now().UTC()), reemitted)
	}
}

// drain emits every remaining window as final. Runs once, at shutdown.
func (w *worker) drain() {
	for key, win := range w.windows {
		if !win.emitted {
			win.emitted = true
			w.emit(win, false)
		}
		delete(w.windows, key)
		w.agg.adjustOpenWindows(-1)
	}
}

func (w *worker) snapshot(req snapshotRequest) {
	var partials []types.Rollup
	now := time.Now().UTC()
	for _, win := range w.windows {
		if win.entityID == req.entityID && !win.emitted {
			partials = append(partials, win.Snapshot(false, now))
		}
	}
	req.reply <- snapshotResponse{partials: partials, watermark: w.watermark}
}
