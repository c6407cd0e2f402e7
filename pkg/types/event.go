// Package types provides core data types shared across the modelpulse pipeline.
package types

import "time"

// SchemaVersion is the current event schema version. Producers may omit it;
// the validator fills it in for compatibility tracking.
const SchemaVersion = "1.0.0"

// SourceModule identifies which part of the LLM ecosystem produced an event.
type SourceModule string

const (
	ModuleGateway    SourceModule = "gateway"
	ModuleSecurity   SourceModule = "security"
	ModuleCostOps    SourceModule = "cost-ops"
	ModuleGovernance SourceModule = "governance"
	ModuleCustom     SourceModule = "custom"
)

// KnownModule reports whether m is one of the recognised source modules.
func KnownModule(m SourceModule) bool {
	switch m {
	case ModuleGateway, ModuleSecurity, ModuleCostOps, ModuleGovernance, ModuleCustom:
		return true
	}
	return false
}

// Severity captures the impact level of an event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// KnownSeverity reports whether s is a recognised severity level.
func KnownSeverity(s Severity) bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities from debug (0) to critical (4). Unknown severities
// rank below debug.
func (s Severity) Rank() int {
	switch s {
	case SeverityDebug:
		return 0
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	}
	return -1
}

// RawEvent is the untyped inbound record accepted at the ingestion boundary.
// All fields arrive as loosely typed JSON; the validator turns a RawEvent into
// an Event or rejects it.
type RawEvent struct {
	EntityID      string                 `json:"entity_id"`
	EventType     string                 `json:"event_type"`
	Timestamp     string                 `json:"timestamp"`
	SourceModule  string                 `json:"source_module,omitempty"`
	Severity      string                 `json:"severity,omitempty"`
	Environment   string                 `json:"environment,omitempty"`
	SchemaVersion string                 `json:"schema_version,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	ParentEventID string                 `json:"parent_event_id,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
}

// Event is an immutable, validated fact. Created once at ingestion, never
// mutated, deleted only by the retention policy.
type Event struct {
	// ID is the ULID assigned at ingest. Time-ordered and lexicographically
	// sortable, which gives correlation tie-breaking a stable total order.
	ID string `json:"id"`

	// EntityID is the partition key (e.g. model+tenant).
	EntityID string `json:"entity_id"`

	EventType    string       `json:"event_type"`
	SourceModule SourceModule `json:"source_module"`
	Severity     Severity     `json:"severity"`

	// Timestamp is producer-supplied and may arrive out of order.
	Timestamp time.Time `json:"timestamp"`

	// IngestTimestamp is assigned at validation.
	IngestTimestamp time.Time `json:"ingest_timestamp"`

	Environment   string `json:"environment,omitempty"`
	SchemaVersion string `json:"schema_version"`

	// CorrelationID is an optional producer-supplied hint linking related
	// events across modules.
	CorrelationID string `json:"correlation_id,omitempty"`

	// ParentEventID is a weak back-reference (id only, resolved by lookup),
	// never an ownership edge.
	ParentEventID string `json:"parent_event_id,omitempty"`

	// Measures holds the numeric payload fields.
	Measures map[string]float64 `json:"measures,omitempty"`

	// Tags holds the string payload fields used for filtering and grouping.
	Tags map[string]string `json:"tags,omitempty"`
}

// MeasureStats is the per-measure aggregate inside a rollup. Count and Sum
// are exact; the quantile estimates carry the documented sketch error.
type MeasureStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Rollup is the materialized aggregate for one window. At most one rollup is
// durably stored per (entity_id, window_start); re-emission upserts.
type Rollup struct {
	EntityID    string                  `json:"entity_id"`
	WindowStart time.Time               `json:"window_start"`
	WindowEnd   time.Time               `json:"window_end"`
	Count       int64                   `json:"count"`
	Measures    map[string]MeasureStats `json:"measures,omitempty"`

	// Final is false for snapshots of still-open windows served at the
	// query boundary, true once the watermark has closed the window.
	Final     bool      `json:"final"`
	EmittedAt time.Time `json:"emitted_at"`
}

// CorrelationType enumerates the closed set of relationship kinds the engine
// can emit. Each type has exactly one scoring function.
type CorrelationType string

const (
	CorrelationCausal        CorrelationType = "causal"
	CorrelationTemporal      CorrelationType = "temporal"
	CorrelationAnomalyLinked CorrelationType = "anomaly-linked"
)

// Correlation is a scored relationship between two events. Never mutated
// after creation; duplicate (primary, related, type) triples are suppressed.
type Correlation struct {
	PrimaryID  string          `json:"primary_id"`
	RelatedID  string          `json:"related_id"`
	Type       CorrelationType `json:"correlation_type"`
	Strength   float64         `json:"strength"`
	Confidence float64         `json:"confidence"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Key returns the natural key of the correlation triple.
func (c Correlation) Key() string {
	return c.PrimaryID + "|" + c.RelatedID + "|" + string(c.Type)
}

// DeadLetter preserves a rejected or failed event for inspection and replay.
type DeadLetter struct {
	// ID is a ULID assigned when the record is dead-lettered.
	ID              string    `json:"id"`
	EventID         string    `json:"event_id,omitempty"`
	OriginalPayload []byte    `json:"original_payload"`
	Reason          string    `json:"reason"`
	Category        string    `json:"category"`
	FailedAt        time.Time `json:"failed_at"`
	RetryCount      int       `json:"retry_count"`
}

// PatternStats summarises the temporal co-occurrence of two source modules,
// used to derive confidence for temporal correlations.
type PatternStats struct {
	ModuleA          SourceModule `json:"module_a"`
	ModuleB          SourceModule `json:"module_b"`
	Occurrences      int64        `json:"occurrences"`
	AvgDeltaSeconds  float64      `json:"avg_delta_seconds"`
	LastObservedUnix int64        `json:"last_observed_unix"`
}
