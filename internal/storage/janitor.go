package storage

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/modelpulse/modelpulse/internal/config"
)

// Janitor enforces retention by periodically removing expired raw-event
// segments, correlations and dead letters.
type Janitor struct {
	store   *Store
	archive ObjectStorage
	cfg     config.RetentionConfig
	logger  *slog.Logger

	now func() time.Time
}

// NewJanitor creates a janitor. archive may be nil; archived copies are
// then left in place when the local segment expires.
func NewJanitor(store *Store, archive ObjectStorage, cfg config.RetentionConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:   store,
		archive: archive,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (j *Janitor) Run(ctx context.Context) {
	interval := j.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one retention pass.
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.now()

	if j.cfg.RawEvents > 0 {
		j.sweepSegments(ctx, now.Add(-j.cfg.RawEvents))
	}
	if j.cfg.Correlations > 0 {
		n, err := j.store.DeleteCorrelationsBefore(ctx, now.Add(-j.cfg.Correlations))
		if err != nil {
			j.logger.Warn("correlation retention sweep failed", "error", err)
		} else if n > 0 {
			j.logger.Info("expired correlations removed", "count", n)
		}
	}
	if j.cfg.DeadLetters > 0 {
		n, err := j.store.DeleteDeadLettersBefore(ctx, now.Add(-j.cfg.DeadLetters))
		if err != nil {
			j.logger.Warn("dead letter retention sweep failed", "error", err)
		} else if n > 0 {
			j.logger.Info("expired dead letters removed", "count", n)
		}
	}
}

func (j *Janitor) sweepSegments(ctx context.Context, cutoff time.Time) {
	expired, err := j.store.ExpiredSegments(ctx, cutoff)
	if err != nil {
		j.logger.Warn("segment retention sweep failed", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	removed := make([]uint64, 0, len(expired))
	for _, info := range expired {
		if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
			j.logger.Warn("failed to remove expired segment file", "path", info.Path, "error", err)
			continue
		}
		removed = append(removed, info.ID)
	}

	if err := j.store.DeleteSegments(ctx, removed); err != nil {
		j.logger.Warn("failed to delete expired segment rows", "error", err)
		return
	}
	j.logger.Info("expired segments removed", "count", len(removed))
}
