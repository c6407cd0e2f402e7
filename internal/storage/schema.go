package storage

// SQL schema for the pipeline database (modelpulse.db). The database is the
// durable source of truth for rollups, correlations, temporal patterns,
// dead letters and the raw-segment index.

// CreateRollupsTableSQL creates the rollups table. The (entity_id,
// window_start) primary key makes rollup writes an idempotent upsert, so
// re-emission after late data or retry never produces duplicates.
const CreateRollupsTableSQL = `
CREATE TABLE IF NOT EXISTS rollups (
    entity_id     TEXT NOT NULL,
    window_start  INTEGER NOT NULL,
    window_end    INTEGER NOT NULL,
    event_count   INTEGER NOT NULL,
    measures_json TEXT NOT NULL,
    final         INTEGER NOT NULL DEFAULT 1,
    emitted_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    PRIMARY KEY (entity_id, window_start)
)`

// CreateCorrelationsTableSQL creates the correlations table. The triple
// primary key deduplicates re-detected correlations.
const CreateCorrelationsTableSQL = `
CREATE TABLE IF NOT EXISTS correlations (
    primary_id  TEXT NOT NULL,
    related_id  TEXT NOT NULL,
    corr_type   TEXT NOT NULL,
    strength    REAL NOT NULL,
    confidence  REAL NOT NULL,
    detected_at INTEGER NOT NULL,
    PRIMARY KEY (primary_id, related_id, corr_type)
)`

// CreatePatternsTableSQL creates the temporal pattern statistics table.
const CreatePatternsTableSQL = `
CREATE TABLE IF NOT EXISTS patterns (
    module_a          TEXT NOT NULL,
    module_b          TEXT NOT NULL,
    occurrences       INTEGER NOT NULL,
    avg_delta_seconds REAL NOT NULL,
    last_observed     INTEGER NOT NULL,
    PRIMARY KEY (module_a, module_b)
)`

// CreateDeadLettersTableSQL creates the dead-letter table for events and
// writes that exhausted their retry budget.
const CreateDeadLettersTableSQL = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id          TEXT PRIMARY KEY,
    event_id    TEXT,
    payload     BLOB NOT NULL,
    reason      TEXT NOT NULL,
    category    TEXT NOT NULL,
    failed_at   INTEGER NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0
)`

// CreateSegmentsTableSQL creates the sealed raw-event segment index.
const CreateSegmentsTableSQL = `
CREATE TABLE IF NOT EXISTS segments (
    segment_id   INTEGER PRIMARY KEY,
    path         TEXT NOT NULL,
    event_count  INTEGER NOT NULL,
    size_bytes   INTEGER NOT NULL,
    min_event_ts INTEGER NOT NULL,
    max_event_ts INTEGER NOT NULL,
    sealed_at    INTEGER NOT NULL,
    archived     INTEGER NOT NULL DEFAULT 0,
    archive_path TEXT
)`

// CreateIndexesSQL creates the secondary indexes used by queries and
// retention sweeps.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_rollups_window ON rollups(window_start, window_end)`,
	`CREATE INDEX IF NOT EXISTS idx_correlations_related ON correlations(related_id)`,
	`CREATE INDEX IF NOT EXISTS idx_correlations_detected ON correlations(detected_at)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_failed ON dead_letters(failed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_segments_max_ts ON segments(max_event_ts)`,
}

// AllSchemaSQL returns every statement needed to initialize the database.
func AllSchemaSQL() []string {
	statements := []string{
		CreateRollupsTableSQL,
		CreateCorrelationsTableSQL,
		CreatePatternsTableSQL,
		CreateDeadLettersTableSQL,
		CreateSegmentsTableSQL,
	}
	statements = append(statements, CreateIndexesSQL...)
	return statements
}
