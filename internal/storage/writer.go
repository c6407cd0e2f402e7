package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	perrors "github.com/modelpulse/modelpulse/internal/errors"
	"github.com/modelpulse/modelpulse/internal/metrics"
	"github.com/modelpulse/modelpulse/internal/resilience"
	"github.com/modelpulse/modelpulse/pkg/types"
)

// Sink is the subset of Store the async writer needs. Tests substitute a
// flaky implementation to exercise the retry path.
type Sink interface {
	UpsertRollup(ctx context.Context, r types.Rollup) error
	InsertCorrelation(ctx context.Context, c types.Correlation) (bool, error)
	UpsertPattern(ctx context.Context, p types.PatternStats) error
	InsertDeadLetter(ctx context.Context, d types.DeadLetter) error
	RegisterSegment(ctx context.Context, info SegmentInfo) error
	MarkSegmentArchived(ctx context.Context, segmentID uint64, archivePath string) error
}

type taskKind int

const (
	taskRollup taskKind = iota
	taskCorrelation
	taskPattern
	taskDeadLetter
	taskSegment
)

type writeTask struct {
	kind        taskKind
	rollup      types.Rollup
	correlation types.Correlation
	pattern     types.PatternStats
	deadLetter  types.DeadLetter
	segment     SegmentInfo
}

// WriterConfig configures the async storage writer.
type WriterConfig struct {
	QueueSize     int
	ArchivePrefix string
}

// Writer is the asynchronous storage sink of the pipeline. Rollup,
// correlation and pattern writes funnel through a single worker so SQLite
// sees one writer; transient failures are retried with backoff and a write
// that exhausts its budget is converted into a dead letter rather than
// lost. Sealed raw-event segments are indexed and, when an archive is
// configured, uploaded behind a circuit breaker.
type Writer struct {
	sink    Sink
	retry   *resilience.RetryPolicy
	archive ObjectStorage
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
	prefix  string

	queue chan writeTask
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	ids *types.ULIDGenerator
}

// NewWriter creates a writer. archive and breaker may be nil when segment
// archival is disabled.
func NewWriter(sink Sink, retry *resilience.RetryPolicy, archive ObjectStorage, breaker *resilience.CircuitBreaker, cfg WriterConfig, logger *slog.Logger) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16384
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "segments"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		sink:    sink,
		retry:   retry,
		archive: archive,
		breaker: breaker,
		logger:  logger,
		prefix:  cfg.ArchivePrefix,
		queue:   make(chan writeTask, cfg.QueueSize),
		ids:     types.NewULIDGenerator(),
	}
}

// Start launches the write worker.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for task := range w.queue {
			w.process(ctx, task)
			metrics.SetQueueDepth(int64(len(w.queue)))
		}
	}()
}

// Close drains the queue and stops the worker. Pending writes complete
// before Close returns.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
}

// enqueue blocks until the task is queued. Blocking here propagates
// backpressure to the partition workers instead of dropping writes.
func (w *Writer) enqueue(task writeTask) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return fmt.Errorf("storage writer is closed")
	}
	w.queue <- task
	metrics.SetQueueDepth(int64(len(w.queue)))
	return nil
}

// EnqueueRollup queues a rollup upsert.
func (w *Writer) EnqueueRollup(r types.Rollup) error {
	return w.enqueue(writeTask{kind: taskRollup, rollup: r})
}

// EnqueueCorrelation queues a correlation insert.
func (w *Writer) EnqueueCorrelation(c types.Correlation) error {
	return w.enqueue(writeTask{kind: taskCorrelation, correlation: c})
}

// EnqueuePattern queues a pattern statistics upsert.
func (w *Writer) EnqueuePattern(p types.PatternStats) error {
	return w.enqueue(writeTask{kind: taskPattern, pattern: p})
}

// EnqueueDeadLetter queues a dead letter insert.
func (w *Writer) EnqueueDeadLetter(d types.DeadLetter) error {
	return w.enqueue(writeTask{kind: taskDeadLetter, deadLetter: d})
}

// EnqueueSegment queues indexing and archival of a sealed segment.
func (w *Writer) EnqueueSegment(info SegmentInfo) error {
	return w.enqueue(writeTask{kind: taskSegment, segment: info})
}

func (w *Writer) process(ctx context.Context, task writeTask) {
	switch task.kind {
	case taskRollup:
		w.writeRollup(ctx, task.rollup)
	case taskCorrelation:
		w.writeCorrelation(ctx, task.correlation)
	case taskPattern:
		w.writePattern(ctx, task.pattern)
	case taskDeadLetter:
		w.writeDeadLetter(ctx, task.deadLetter)
	case taskSegment:
		w.writeSegment(ctx, task.segment)
	}
}

func (w *Writer) writeRollup(ctx context.Context, r types.Rollup) {
	start := time.Now()
	err := w.retry.Execute(ctx, "rollup_upsert", func() error {
		return w.sink.UpsertRollup(ctx, r)
	}, func(attempt int, err error) {
		metrics.ObserveStorageRetry()
	})
	metrics.ObserveStorageWrite("rollup", time.Since(start))

	if err != nil {
		w.logger.Error("rollup write exhausted retries",
			"entity_id", r.EntityID, "window_start", r.WindowStart, "error", err)
		w.deadLetterPayload(ctx, "", r, "rollup write failed: "+err.Error(), w.retry.MaxAttempts())
	}
}

func (w *Writer) writeCorrelation(ctx context.Context, c types.Correlation) {
	start := time.Now()
	inserted := false
	err := w.retry.Execute(ctx, "correlation_insert", func() error {
		var ierr error
		inserted, ierr = w.sink.InsertCorrelation(ctx, c)
		return ierr
	}, func(attempt int, err error) {
		metrics.ObserveStorageRetry()
	})
	metrics.ObserveStorageWrite("correlation", time.Since(start))

	if err != nil {
		w.logger.Error("correlation write exhausted retries",
			"primary_id", c.PrimaryID, "related_id", c.RelatedID, "error", err)
		w.deadLetterPayload(ctx, c.PrimaryID, c, "correlation write failed: "+err.Error(), w.retry.MaxAttempts())
		return
	}
	if !inserted {
		metrics.ObserveCorrelation("suppressed")
	}
}

func (w *Writer) writePattern(ctx context.Context, p types.PatternStats) {
	start := time.Now()
	err := w.retry.Execute(ctx, "pattern_upsert", func() error {
		return w.sink.UpsertPattern(ctx, p)
	}, nil)
	metrics.ObserveStorageWrite("pattern", time.Since(start))

	if err != nil {
		// Pattern statistics are approximate running aggregates, so a lost
		// update is tolerable and not dead-lettered.
		w.logger.Warn("pattern write failed", "module_a", p.ModuleA, "module_b", p.ModuleB, "error", err)
	}
}

func (w *Writer) writeDeadLetter(ctx context.Context, d types.DeadLetter) {
	start := time.Now()
	err := w.retry.Execute(ctx, "dead_letter_insert", func() error {
		return w.sink.InsertDeadLetter(ctx, d)
	}, func(attempt int, err error) {
		metrics.ObserveStorageRetry()
	})
	metrics.ObserveStorageWrite("dead_letter", time.Since(start))

	if err != nil {
		w.logger.Error("dead letter write failed, record lost", "id", d.ID, "error", err)
		return
	}
	metrics.ObserveDeadLetter(d.Category)
}

func (w *Writer) writeSegment(ctx context.Context, info SegmentInfo) {
	err := w.retry.Execute(ctx, "segment_register", func() error {
		return w.sink.RegisterSegment(ctx, info)
	}, nil)
	if err != nil {
		w.logger.Error("segment registration failed", "segment_id", info.ID, "error", err)
		return
	}

	if w.archive == nil {
		return
	}
	if w.breaker != nil && !w.breaker.Allow() {
		w.logger.Warn("segment archival skipped, circuit open", "segment_id", info.ID)
		return
	}

	objectPath := path.Join(w.prefix, fmt.Sprintf("events_%016x.seg", info.ID))
	start := time.Now()
	uploadErr := w.retry.Execute(ctx, "segment_upload", func() error {
		if err := w.archive.Upload(ctx, info.Path, objectPath); err != nil {
			return perrors.Wrap(perrors.ErrCategoryStorage, perrors.CodeUploadFailed, "segment upload failed", err)
		}
		return nil
	}, func(attempt int, err error) {
		metrics.ObserveStorageRetry()
	})
	metrics.ObserveStorageWrite("segment_upload", time.Since(start))

	if uploadErr != nil {
		if w.breaker != nil {
			w.breaker.RecordFailure()
		}
		w.logger.Error("segment archival failed", "segment_id", info.ID, "error", uploadErr)
		return
	}
	if w.breaker != nil {
		w.breaker.RecordSuccess()
	}

	if err := w.sink.MarkSegmentArchived(ctx, info.ID, objectPath); err != nil {
		w.logger.Warn("failed to mark segment archived", "segment_id", info.ID, "error", err)
	}
	w.logger.Info("segment archived", "segment_id", info.ID, "object_path", objectPath, "events", info.EventCount)
}

// deadLetterPayload wraps an unwritable value as a dead letter. The dead
// letter itself goes through the sink directly rather than back onto the
// queue, because the queue worker is the caller.
func (w *Writer) deadLetterPayload(ctx context.Context, eventID string, v interface{}, reason string, retries int) {
	payload, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("failed to serialize dead letter payload", "error", err)
		return
	}

	id, err := w.ids.Generate()
	if err != nil {
		w.logger.Error("failed to generate dead letter id", "error", err)
		return
	}

	d := types.DeadLetter{
		ID:              id.String(),
		EventID:         eventID,
		OriginalPayload: payload,
		Reason:          reason,
		Category:        string(perrors.ErrCategoryStorage),
		FailedAt:        time.Now().UTC(),
		RetryCount:      retries,
	}
	if err := w.sink.InsertDeadLetter(ctx, d); err != nil {
		w.logger.Error("dead letter write failed, record lost", "id", d.ID, "error", err)
		return
	}
	metrics.ObserveDeadLetter(d.Category)
}
