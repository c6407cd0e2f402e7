package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	perrors "github.com/modelpulse/modelpulse/internal/errors"
	"github.com/modelpulse/modelpulse/pkg/types"
)

// Store persists pipeline output in SQLite. Writes go through a single
// serialized connection; reads use a concurrent read-only pool.
type Store struct {
	db     *sql.DB
	readDB *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewStore opens (or creates) the database at dbPath and initializes the
// schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, readDB: readDB, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("storage: failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Ping verifies both connections are usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	return s.readDB.PingContext(ctx)
}

// Close closes both database connections.
func (s *Store) Close() error {
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// UpsertRollup writes a rollup, replacing any prior emission for the same
// entity and window. Re-emission after late data and retried writes both
// land on the same row.
func (s *Store) UpsertRollup(ctx context.Context, r types.Rollup) error {
	measures, err := json.Marshal(r.Measures)
	if err != nil {
		return perrors.NewInternalError("failed to serialize rollup measures", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rollups (entity_id, window_start, window_end, event_count, measures_json, final, emitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, window_start) DO UPDATE SET
			window_end    = excluded.window_end,
			event_count   = excluded.event_count,
			measures_json = excluded.measures_json,
			final         = excluded.final,
			emitted_at    = excluded.emitted_at,
			updated_at    = excluded.updated_at`,
		r.EntityID, r.WindowStart.UnixMilli(), r.WindowEnd.UnixMilli(),
		r.Count, string(measures), boolToInt(r.Final),
		r.EmittedAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return perrors.NewTransientStorageError("failed to upsert rollup", err)
	}
	return nil
}

// GetRollups returns persisted rollups for an entity whose window start
// falls in [from, to), newest first.
func (s *Store) GetRollups(ctx context.Context, entityID string, from, to time.Time, limit int) ([]types.Rollup, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT entity_id, window_start, window_end, event_count, measures_json, final, emitted_at
		FROM rollups
		WHERE entity_id = ? AND window_start >= ? AND window_start < ?
		ORDER BY window_start DESC
		LIMIT ?`,
		entityID, from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, perrors.NewTransientStorageError("failed to query rollups", err)
	}
	defer rows.Close()

	var out []types.Rollup
	for rows.Next() {
		var r types.Rollup
		var start, end, emitted int64
		var final int
		var measures string
		if err := rows.Scan(&r.EntityID, &start, &end, &r.Count, &measures, &final, &emitted); err != nil {
			return nil, perrors.NewTransientStorageError("failed to scan rollup", err)
		}
		r.WindowStart = time.UnixMilli(start).UTC()
		r.WindowEnd = time.UnixMilli(end).UTC()
		r.EmittedAt = time.UnixMilli(emitted).UTC()
		r.Final = final != 0
		if err := json.Unmarshal([]byte(measures), &r.Measures); err != nil {
			return nil, perrors.NewInternalError("failed to decode rollup measures", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertCorrelation inserts a correlation if its (primary, related, type)
// triple has not been recorded yet. Returns true when a row was inserted.
func (s *Store) InsertCorrelation(ctx context.Context, c types.Correlation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO correlations (primary_id, related_id, corr_type, strength, confidence, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.PrimaryID, c.RelatedID, string(c.Type), c.Strength, c.Confidence, c.DetectedAt.UnixMilli())
	if err != nil {
		return false, perrors.NewTransientStorageError("failed to insert correlation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, perrors.NewTransientStorageError("failed to read insert result", err)
	}
	return n > 0, nil
}

// GetCorrelations returns correlations involving eventID on either side,
// newest first.
func (s *Store) GetCorrelations(ctx context.Context, eventID string, limit int) ([]types.Correlation, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT primary_id, related_id, corr_type, strength, confidence, detected_at
		FROM correlations
		WHERE primary_id = ? OR related_id = ?
		ORDER BY detected_at DESC
		LIMIT ?`,
		eventID, eventID, limit)
	if err != nil {
		return nil, perrors.NewTransientStorageError("failed to query correlations", err)
	}
	defer rows.Close()

	return scanCorrelations(rows)
}

// RecentCorrelations returns the newest correlations across all events.
func (s *Store) RecentCorrelations(ctx context.Context, limit int) ([]types.Correlation, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT primary_id, related_id, corr_type, strength, confidence, detected_at
		FROM correlations
		ORDER BY detected_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, perrors.NewTransientStorageError("failed to query correlations", err)
	}
	defer rows.Close()

	return scanCorrelations(rows)
}

func scanCorrelations(rows *sql.Rows) ([]types.Correlation, error) {
	var out []types.Correlation
	for rows.Next() {
		var c types.Correlation
		var corrType string
		var detected int64
		if err := rows.Scan(&c.PrimaryID, &c.RelatedID, &corrType, &c.Strength, &c.Confidence, &detected); err != nil {
			return nil, perrors.NewTransientStorageError("failed to scan correlation", err)
		}
		c.Type = types.CorrelationType(corrType)
		c.DetectedAt = time.UnixMilli(detected).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertPattern writes the running statistics for a module pair.
func (s *Store) UpsertPattern(ctx context.Context, p types.PatternStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (module_a, module_b, occurrences, avg_delta_seconds, last_observed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(module_a, module_b) DO UPDATE SET
			occurrences       = excluded.occurrences,
			avg_delta_seconds = excluded.avg_delta_seconds,
			last_observed     = excluded.last_observed`,
		p.ModuleA, p.ModuleB, p.Occurrences, p.AvgDeltaSeconds, p.LastObservedUnix)
	if err != nil {
		return perrors.NewTransientStorageError("failed to upsert pattern", err)
	}
	return nil
}

// ListPatterns returns module-pair statistics ordered by occurrence count.
func (s *Store) ListPatterns(ctx context.Context, limit int) ([]types.PatternStats, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT module_a, module_b, occurrences, avg_delta_seconds, last_observed
		FROM patterns
		ORDER BY occurrences DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, perrors.NewTransientStorageError("failed to query patterns", err)
	}
	defer rows.Close()

	var out []types.PatternStats
	for rows.Next() {
		var p types.PatternStats
		if err := rows.Scan(&p.ModuleA, &p.ModuleB, &p.Occurrences, &p.AvgDeltaSeconds, &p.LastObservedUnix); err != nil {
			return nil, perrors.NewTransientStorageError("failed to scan pattern", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertDeadLetter records a failed event or write for later inspection
// and replay.
func (s *Store) InsertDeadLetter(ctx context.Context, d types.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letters (id, event_id, payload, reason, category, failed_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EventID, d.OriginalPayload, d.Reason, d.Category,
		d.FailedAt.UnixMilli(), d.RetryCount)
	if err != nil {
		return perrors.NewTransientStorageError("failed to insert dead letter", err)
	}
	return nil
}

// ListDeadLetters returns dead letters newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, event_id, payload, reason, category, failed_at, retry_count
		FROM dead_letters
		ORDER BY failed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, perrors.NewTransientStorageError("failed to query dead letters", err)
	}
	defer rows.Close()

	var out []types.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDeadLetter fetches a single dead letter by ID.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (types.DeadLetter, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT id, event_id, payload, reason, category, failed_at, retry_count
		FROM dead_letters WHERE id = ?`, id)

	var d types.DeadLetter
	var failed int64
	err := row.Scan(&d.ID, &d.EventID, &d.OriginalPayload, &d.Reason, &d.Category, &failed, &d.RetryCount)
	if err == sql.ErrNoRows {
		return types.DeadLetter{}, perrors.New(perrors.ErrCategoryStorage, perrors.CodeNotFound, "dead letter not found")
	}
	if err != nil {
		return types.DeadLetter{}, perrors.NewTransientStorageError("failed to read dead letter", err)
	}
	d.FailedAt = time.UnixMilli(failed).UTC()
	return d, nil
}

func scanDeadLetter(rows *sql.Rows) (types.DeadLetter, error) {
	var d types.DeadLetter
	var failed int64
	if err := rows.Scan(&d.ID, &d.EventID, &d.OriginalPayload, &d.Reason, &d.Category, &failed, &d.RetryCount); err != nil {
		return types.DeadLetter{}, perrors.NewTransientStorageError("failed to scan dead letter", err)
	}
	d.FailedAt = time.UnixMilli(failed).UTC()
	return d, nil
}

// DeleteDeadLetter removes a dead letter, typically after a successful
// replay.
func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return perrors.NewTransientStorageError("failed to delete dead letter", err)
	}
	return nil
}

// RegisterSegment records a sealed segment in the index.
func (s *Store) RegisterSegment(ctx context.Context, info SegmentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO segments (segment_id, path, event_count, size_bytes, min_event_ts, max_event_ts, sealed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Path, info.EventCount, info.SizeBytes,
		info.MinEventTS.UnixMilli(), info.MaxEventTS.UnixMilli(), info.SealedAt.UnixMilli())
	if err != nil {
		return perrors.NewTransientStorageError("failed to register segment", err)
	}
	return nil
}

// MarkSegmentArchived records the archive object path for a segment.
func (s *Store) MarkSegmentArchived(ctx context.Context, segmentID uint64, archivePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE segments SET archived = 1, archive_path = ? WHERE segment_id = ?`,
		archivePath, segmentID)
	if err != nil {
		return perrors.NewTransientStorageError("failed to mark segment archived", err)
	}
	return nil
}

// ExpiredSegments returns segments whose newest event is older than the
// cutoff. The janitor deletes the files and then calls DeleteSegments.
func (s *Store) ExpiredSegments(ctx context.Context, cutoff time.Time) ([]SegmentInfo, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT segment_id, path, event_count, size_bytes, min_event_ts, max_event_ts, sealed_at
		FROM segments
		WHERE max_event_ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return nil, perrors.NewTransientStorageError("failed to query expired segments", err)
	}
	defer rows.Close()

	var out []SegmentInfo
	for rows.Next() {
		var info SegmentInfo
		var minTS, maxTS, sealed int64
		if err := rows.Scan(&info.ID, &info.Path, &info.EventCount, &info.SizeBytes, &minTS, &maxTS, &sealed); err != nil {
			return nil, perrors.NewTransientStorageError("failed to scan segment", err)
		}
		info.MinEventTS = time.UnixMilli(minTS).UTC()
		info.MaxEventTS = time.UnixMilli(maxTS).UTC()
		info.SealedAt = time.UnixMilli(sealed).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteSegments removes segment index rows by ID.
func (s *Store) DeleteSegments(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return perrors.NewTransientStorageError("failed to begin transaction", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE segment_id = ?`, id); err != nil {
			tx.Rollback()
			return perrors.NewTransientStorageError("failed to delete segment row", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return perrors.NewTransientStorageError("failed to commit segment deletion", err)
	}
	return nil
}

// DeleteCorrelationsBefore removes correlations detected before the cutoff.
func (s *Store) DeleteCorrelationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM correlations WHERE detected_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, perrors.NewTransientStorageError("failed to delete expired correlations", err)
	}
	return res.RowsAffected()
}

// DeleteDeadLettersBefore removes dead letters that failed before the
// cutoff.
func (s *Store) DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE failed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, perrors.NewTransientStorageError("failed to delete expired dead letters", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
