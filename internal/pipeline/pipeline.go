// Package pipeline assembles the ingestion path: validation, admission,
// raw-event durability, windowed aggregation, correlation and the async
// storage writer. The pipeline owns the lifecycle of every stage.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelpulse/modelpulse/internal/aggregate"
	"github.com/modelpulse/modelpulse/internal/config"
	"github.com/modelpulse/modelpulse/internal/coordinator"
	"github.com/modelpulse/modelpulse/internal/correlate"
	perrors "github.com/modelpulse/modelpulse/internal/errors"
	"github.com/modelpulse/modelpulse/internal/metrics"
	"github.com/modelpulse/modelpulse/internal/partition"
	"github.com/modelpulse/modelpulse/internal/resilience"
	"github.com/modelpulse/modelpulse/internal/storage"
	"github.com/modelpulse/modelpulse/internal/validate"
	"github.com/modelpulse/modelpulse/pkg/types"
)

const patternFlushInterval = time.Minute

// Pipeline is the assembled ingestion path. Construct with New, then Start,
// Ingest from any number of goroutines, and Close for an orderly drain.
type Pipeline struct {
	cfg    *config.Config
	logger *slog.Logger

	validator *validate.Validator
	coord     *coordinator.Coordinator
	segments  *storage.SegmentWriter
	agg       *aggregate.Aggregator
	engine    *correlate.Engine
	writer    *storage.Writer

	flushStop chan struct{}
	flushWG   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New wires all stages together. The store is the durable sink; archive may
// be nil when sealed-segment archival is disabled.
func New(cfg *config.Config, store storage.Sink, archive storage.ObjectStorage, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	retry := resilience.NewRetryPolicy(
		cfg.Storage.Retry.MaxAttempts,
		cfg.Storage.Retry.InitialDelay,
		cfg.Storage.Retry.MaxDelay,
		cfg.Storage.Retry.Multiplier,
		logger,
	)
	breaker := resilience.NewCircuitBreaker(
		cfg.Storage.Archive.BreakerFailures,
		cfg.Storage.Archive.BreakerResetTimeout,
		logger,
	)

	writer := storage.NewWriter(store, retry, archive, breaker, storage.WriterConfig{
		QueueSize: cfg.Storage.WriteQueueSize,
	}, logger)

	engine := correlate.New(cfg.Correlation, nil, correlate.Callbacks{
		OnCorrelation: func(c types.Correlation) {
			if err := writer.EnqueueCorrelation(c); err != nil {
				logger.Error("failed to enqueue correlation", "primary_id", c.PrimaryID, "error", err)
			}
		},
		OnPattern: func(p types.PatternStats) {
			if err := writer.EnqueuePattern(p); err != nil {
				logger.Error("failed to enqueue pattern", "module_a", p.ModuleA, "module_b", p.ModuleB, "error", err)
			}
		},
	}, logger)

	coord := coordinator.New(cfg.Backpressure.HighWaterMark, cfg.Backpressure.LowWaterMark, writer, logger)

	router, err := partition.NewRouter(cfg.Pipeline.Partitions)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	agg, err := aggregate.New(aggregate.Config{
		Partitions:      cfg.Pipeline.Partitions,
		PartitionBuffer: cfg.Pipeline.PartitionBuffer,
		WindowWidth:     cfg.Pipeline.WindowWidth,
		GracePeriod:     cfg.Pipeline.GracePeriod,
		OutOfOrderBound: cfg.Pipeline.OutOfOrderBound,
	}, router, logger, aggregate.Callbacks{
		OnRollup: func(r types.Rollup, reemitted bool) {
			if err := writer.EnqueueRollup(r); err != nil {
				logger.Error("failed to enqueue rollup", "entity_id", r.EntityID, "error", err)
				return
			}
			engine.SubmitRollup(r)
		},
		OnTooLate: func(ev types.Event) {
			coord.Release()
			if cfg.Pipeline.DeadLetterLateEvents {
				coord.DeadLetterEvent(ev, perrors.NewLateDataDroppedError("window grace period elapsed"))
			}
		},
		OnFolded: func(ev types.Event) {
			coord.Release()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	segments, err := storage.NewSegmentWriter(
		cfg.SegmentDir(),
		cfg.Storage.SegmentMaxBytes,
		cfg.Storage.SegmentMaxAge,
		func(info storage.SegmentInfo) {
			if err := writer.EnqueueSegment(info); err != nil {
				logger.Error("failed to enqueue sealed segment", "segment_id", info.ID, "error", err)
			}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	return &Pipeline{
		cfg:    cfg,
		logger: logger,
		validator: validate.New(validate.Config{
			MaxSkew:         cfg.Pipeline.MaxSkew,
			MaxFutureSkew:   cfg.Pipeline.MaxFutureSkew,
			MaxPayloadBytes: cfg.Pipeline.MaxPayloadBytes,
		}),
		coord:     coord,
		segments:  segments,
		agg:       agg,
		engine:    engine,
		writer:    writer,
		flushStop: make(chan struct{}),
	}, nil
}

// Start launches the writer, correlation workers, partition workers, and the
// periodic pattern flush.
func (p *Pipeline) Start(ctx context.Context) {
	p.writer.Start(ctx)
	p.engine.Start()
	p.agg.Start()

	p.flushWG.Add(1)
	go p.flushPatterns()

	p.logger.Info("pipeline started",
		slog.Int("partitions", p.cfg.Pipeline.Partitions),
		slog.Int("correlation_workers", p.cfg.Correlation.Workers))
}

// Ingest takes one raw event through validation, admission, durability and
// fan-out. It returns the assigned event so callers can surface its ID, or
// the typed rejection.
func (p *Pipeline) Ingest(raw types.RawEvent) (types.Event, error) {
	start := time.Now()
	defer func() { metrics.ObserveIngestLatency(time.Since(start)) }()

	event, err := p.validator.Validate(raw)
	if err != nil {
		metrics.ObserveEvent("rejected")
		if payload, merr := json.Marshal(raw); merr == nil {
			p.coord.DeadLetterRaw("", payload, err)
		}
		return types.Event{}, err
	}

	if err := p.coord.Admit(); err != nil {
		metrics.ObserveEvent("throttled")
		return types.Event{}, err
	}

	rawStart := time.Now()
	if err := p.segments.Append(event); err != nil {
		p.coord.Release()
		metrics.ObserveEvent("rejected")
		werr := perrors.NewTransientStorageError("raw event durability failed", err)
		p.coord.DeadLetterEvent(event, werr)
		return types.Event{}, werr
	}
	metrics.ObserveStorageWrite("raw", time.Since(rawStart))

	if err := p.agg.Submit(event); err != nil {
		p.coord.Release()
		return types.Event{}, perrors.NewInternalError("aggregator rejected event", err)
	}

	// Correlation is best-effort: a saturated or closed engine never blocks
	// the ingestion path.
	if err := p.engine.SubmitEvent(event); err != nil {
		p.logger.Debug("correlation submission skipped", "event_id", event.ID, "error", err)
	}

	metrics.ObserveEvent("accepted")
	return event, nil
}

// Replay re-ingests a dead-lettered payload through the full path.
func (p *Pipeline) Replay(d types.DeadLetter) (types.Event, error) {
	var raw types.RawEvent
	if err := json.Unmarshal(d.OriginalPayload, &raw); err != nil {
		return types.Event{}, perrors.NewValidationError(perrors.CodeInvalidField, "dead letter payload is not a raw event")
	}
	return p.Ingest(raw)
}

// CorrelationGroup returns the recent events sharing correlationID, as
// seen by the correlation index.
func (p *Pipeline) CorrelationGroup(correlationID string) ([]correlate.IndexEntry, error) {
	return p.engine.CorrelationGroup(correlationID)
}

// SnapshotPartials exposes the aggregator's open windows for one entity.
func (p *Pipeline) SnapshotPartials(entityID string) ([]types.Rollup, time.Time, error) {
	return p.agg.SnapshotPartials(entityID)
}

// Coordinator exposes the admission state for health reporting.
func (p *Pipeline) Coordinator() *coordinator.Coordinator {
	return p.coord
}

// Close drains the pipeline in dependency order: stop admitting, flush
// windows, finish correlation, seal the open segment, then stop the writer
// so every emission reaches the store.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.coord.BeginDrain()
	p.agg.Close()
	p.engine.Close()

	close(p.flushStop)
	p.flushWG.Wait()

	if err := p.segments.Close(); err != nil {
		p.logger.Error("failed to close segment writer", "error", err)
	}
	p.writer.Close()
	p.logger.Info("pipeline stopped")
}

func (p *Pipeline) flushPatterns() {
	defer p.flushWG.Done()
	ticker := time.NewTicker(patternFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.engine.FlushPatterns()
		case <-p.flushStop:
			return
		}
	}
}
