package correlate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelpulse/modelpulse/internal/config"
	perrors "github.com/modelpulse/modelpulse/internal/errors"
	"github.com/modelpulse/modelpulse/internal/metrics"
	"github.com/modelpulse/modelpulse/pkg/types"
)

// Callbacks receive engine output. OnCorrelation fires for every scored
// pair that clears the strength threshold; OnPattern fires on pattern
// flushes.
type Callbacks struct {
	OnCorrelation func(types.Correlation)
	OnPattern     func(types.PatternStats)
}

// Engine consumes events and rollups across all partitions and emits
// scored correlations. Each correlation type has exactly one scoring
// function; for every type the single best candidate explanation is chosen
// with a deterministic tie-break: higher strength wins, equal strength
// prefers the smaller time delta, and a remaining tie prefers the
// lexicographically smaller related id.
//
// Candidate selection is deterministic per arrival order. With more than
// one worker the orientation of a pair, (A,B) or (B,A), depends on which
// event is indexed first; downstream storage suppresses exact duplicate
// triples but treats the two orientations as distinct rows.
type Engine struct {
	cfg      config.CorrelationConfig
	index    *Index
	detector AnomalyModel
	patterns *PatternTracker
	cb       Callbacks
	logger   *slog.Logger

	events chan types.Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	now func() time.Time
}

// New creates an engine. detector may be nil, in which case a z-score
// detector with the configured threshold and baseline size is used.
func New(cfg config.CorrelationConfig, detector AnomalyModel, cb Callbacks, logger *slog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 8192
	}
	if cfg.StrengthThreshold <= 0 {
		cfg.StrengthThreshold = 0.5
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 5 * time.Minute
	}
	if cfg.AnomalyZScore <= 0 {
		cfg.AnomalyZScore = 3.0
	}
	if detector == nil {
		detector = NewZScoreDetector(cfg.AnomalyZScore, cfg.BaselineSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		index:    NewIndex(cfg.Shards, cfg.BucketWidth, cfg.Horizon),
		detector: detector,
		patterns: NewPatternTracker(),
		cb:       cb,
		logger:   logger,
		events:   make(chan types.Event, cfg.Buffer),
		now:      time.Now,
	}
}

// Index exposes the shared index, used by health checks and tests.
func (e *Engine) Index() *Index { return e.index }

// CorrelationGroup returns the indexed events sharing correlationID,
// ordered by timestamp. Only events still inside the index horizon are
// visible.
func (e *Engine) CorrelationGroup(correlationID string) ([]IndexEntry, error) {
	return e.index.Group(correlationID)
}

// Start launches the correlation worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for event := range e.events {
				e.process(event)
			}
		}()
	}
}

// SubmitEvent queues an event for correlation analysis.
func (e *Engine) SubmitEvent(event types.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return fmt.Errorf("correlation engine is closed")
	}
	e.events <- event
	return nil
}

// SubmitRollup feeds a closed rollup's per-measure means into the anomaly
// baselines. An anomalous window mean is logged; the linked-event
// correlations themselves are detected at event granularity.
func (e *Engine) SubmitRollup(r types.Rollup) {
	for name, stats := range r.Measures {
		if stats.Count == 0 {
			continue
		}
		mean := stats.Sum / float64(stats.Count)
		key := r.EntityID + ":" + name + ":window_mean"
		if anomalous, z := e.detector.Observe(key, mean); anomalous {
			e.logger.Warn("anomalous window mean",
				"entity_id", r.EntityID, "measure", name,
				"window_start", r.WindowStart, "mean", mean, "z_score", z)
		}
	}
}

// FlushPatterns emits the current pattern statistics through OnPattern.
func (e *Engine) FlushPatterns() {
	if e.cb.OnPattern == nil {
		return
	}
	for _, p := range e.patterns.Snapshot() {
		e.cb.OnPattern(p)
	}
}

// Close stops the workers after draining queued events, then flushes
// pattern statistics.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.events)
	e.mu.Unlock()

	e.wg.Wait()
	e.FlushPatterns()
}

func (e *Engine) process(event types.Event) {
	// Judge each measure against its baseline before indexing, so the
	// anomaly flag travels with the entry.
	var anomalous bool
	var maxZ float64
	for name, value := range event.Measures {
		if isAnomalous, z := e.detector.Observe(event.EntityID+":"+name, value); isAnomalous {
			anomalous = true
			if z > maxZ {
				maxZ = z
			}
		}
	}

	entry := IndexEntry{
		ID:            event.ID,
		EntityID:      event.EntityID,
		Module:        event.SourceModule,
		Timestamp:     event.Timestamp,
		CorrelationID: event.CorrelationID,
		ParentEventID: event.ParentEventID,
		Tags:          event.Tags,
		Anomalous:     anomalous,
		ZScore:        maxZ,
	}

	if err := e.index.Insert(entry); err != nil {
		e.logIndexUnavailable(err)
		return
	}
	candidates, err := e.index.Candidates(entry, e.cfg.MaxCandidates)
	if err != nil {
		e.logIndexUnavailable(err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	now := e.now().UTC()
	for _, corrType := range []types.CorrelationType{
		types.CorrelationCausal,
		types.CorrelationTemporal,
		types.CorrelationAnomalyLinked,
	} {
		if c, ok := e.bestCandidate(entry, candidates, corrType, now); ok {
			if c.Strength >= e.cfg.StrengthThreshold {
				metrics.ObserveCorrelation("emitted")
				if e.cb.OnCorrelation != nil {
					e.cb.OnCorrelation(c)
				}
			} else {
				metrics.ObserveCorrelation("below_threshold")
			}
		}
	}
}

// bestCandidate scores every candidate for one correlation type and picks
// the strongest. Candidates arrive sorted by ascending delta then id, so
// keeping the first strict maximum realizes the tie-break without extra
// bookkeeping.
func (e *Engine) bestCandidate(primary IndexEntry, candidates []Candidate, corrType types.CorrelationType, at time.Time) (types.Correlation, bool) {
	var best types.Correlation
	bestStrength := -1.0

	for _, cand := range candidates {
		strength, confidence := e.score(primary, cand, corrType)
		if strength <= 0 {
			continue
		}
		if strength > bestStrength {
			bestStrength = strength
			best = types.Correlation{
				PrimaryID:  primary.ID,
				RelatedID:  cand.Entry.ID,
				Type:       corrType,
				Strength:   strength,
				Confidence: confidence,
				DetectedAt: at,
			}
		}
	}
	return best, bestStrength >= 0
}

// score computes (strength, confidence) for one candidate pair under one
// correlation type.
func (e *Engine) score(primary IndexEntry, cand Candidate, corrType types.CorrelationType) (float64, float64) {
	switch corrType {
	case types.CorrelationCausal:
		if primary.ParentEventID != "" && primary.ParentEventID == cand.Entry.ID {
			return 1.0, 1.0
		}
		if cand.Entry.ParentEventID != "" && cand.Entry.ParentEventID == primary.ID {
			return 1.0, 1.0
		}
		if primary.CorrelationID != "" && primary.CorrelationID == cand.Entry.CorrelationID {
			return 0.9, 0.8
		}
		return 0, 0

	case types.CorrelationTemporal:
		if primary.Module == cand.Entry.Module {
			return 0, 0
		}
		e.patterns.Record(primary.Module, cand.Entry.Module, cand.Delta, primary.Timestamp)
		strength := 1 - float64(cand.Delta)/float64(e.cfg.Horizon)
		return strength, e.patterns.Confidence(primary.Module, cand.Entry.Module)

	case types.CorrelationAnomalyLinked:
		if !primary.Anomalous || !cand.Entry.Anomalous {
			return 0, 0
		}
		strength := 1 - float64(cand.Delta)/float64(e.cfg.Horizon)
		z := primary.ZScore
		if cand.Entry.ZScore < z {
			z = cand.Entry.ZScore
		}
		confidence := z / (2 * e.cfg.AnomalyZScore)
		if confidence > 1 {
			confidence = 1
		}
		return strength, confidence
	}
	return 0, 0
}

func (e *Engine) logIndexUnavailable(err error) {
	if perrors.GetCategory(err) == perrors.ErrCategoryCorrelation {
		e.logger.Warn("correlation skipped, index unavailable")
		return
	}
	e.logger.Error("correlation index error", "error", err)
}
