// Package validate normalizes and type-checks raw inbound events.
package validate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelpulse/modelpulse/internal/errors"
	"github.com/modelpulse/modelpulse/pkg/types"
)

// Validator turns a RawEvent into a typed Event or rejects it with a
// ValidationError for the first failing field. Fail-fast keeps the hot path
// bounded; the coordinator dead-letters whatever is rejected.
type Validator struct {
	maxSkew         time.Duration
	maxFutureSkew   time.Duration
	maxPayloadBytes int
	ids             *types.ULIDGenerator
	now             func() time.Time
}

// Config holds validator tunables; all are externally supplied.
type Config struct {
	MaxSkew         time.Duration
	MaxFutureSkew   time.Duration
	MaxPayloadBytes int
}

// New creates a Validator.
func New(cfg Config) *Validator {
	return &Validator{
		maxSkew:         cfg.MaxSkew,
		maxFutureSkew:   cfg.MaxFutureSkew,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		ids:             types.NewULIDGenerator(),
		now:             time.Now,
	}
}

// WithClock overrides the wall clock, for tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate checks the raw record field by field and returns the typed Event.
// The only side effect on success is ID and ingest-timestamp assignment.
func (v *Validator) Validate(raw types.RawEvent) (types.Event, error) {
	if raw.EntityID == "" {
		return types.Event{}, errors.NewValidationError(errors.CodeMissingField, "entity_id is required")
	}
	if raw.EventType == "" {
		return types.Event{}, errors.NewValidationError(errors.CodeMissingField, "event_type is required")
	}
	if raw.Timestamp == "" {
		return types.Event{}, errors.NewValidationError(errors.CodeMissingField, "timestamp is required")
	}

	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return types.Event{}, errors.NewValidationError(errors.CodeInvalidField,
			fmt.Sprintf("timestamp %q is not RFC 3339", raw.Timestamp))
	}

	now := v.now()
	if ts.Before(now.Add(-v.maxSkew)) {
		return types.Event{}, errors.NewValidationError(errors.CodeTimestampSkew,
			fmt.Sprintf("timestamp %s is older than the %s skew bound", ts.Format(time.RFC3339), v.maxSkew))
	}
	if ts.After(now.Add(v.maxFutureSkew)) {
		return types.Event{}, errors.NewValidationError(errors.CodeTimestampSkew,
			fmt.Sprintf("timestamp %s is further than %s in the future", ts.Format(time.RFC3339), v.maxFutureSkew))
	}

	if v.maxPayloadBytes > 0 && len(raw.Payload) > 0 {
		encoded, err := json.Marshal(raw.Payload)
		if err != nil {
			return types.Event{}, errors.NewValidationError(errors.CodeInvalidField, "payload is not serializable")
		}
		if len(encoded) > v.maxPayloadBytes {
			return types.Event{}, errors.NewValidationError(errors.CodePayloadTooLarge,
				fmt.Sprintf("payload is %d bytes, cap is %d", len(encoded), v.maxPayloadBytes))
		}
	}

	module := types.SourceModule(raw.SourceModule)
	if raw.SourceModule == "" {
		module = types.ModuleCustom
	} else if !types.KnownModule(module) {
		return types.Event{}, errors.NewValidationError(errors.CodeInvalidField,
			fmt.Sprintf("source_module %q is not recognised", raw.SourceModule))
	}

	severity := types.Severity(raw.Severity)
	if raw.Severity == "" {
		severity = types.SeverityInfo
	} else if !types.KnownSeverity(severity) {
		return types.Event{}, errors.NewValidationError(errors.CodeInvalidField,
			fmt.Sprintf("severity %q is not recognised", raw.Severity))
	}

	measures, tags, err := splitPayload(raw.Payload)
	if err != nil {
		return types.Event{}, err
	}

	schemaVersion := raw.SchemaVersion
	if schemaVersion == "" {
		schemaVersion = types.SchemaVersion
	}

	id, err := v.ids.Generate()
	if err != nil {
		return types.Event{}, errors.NewInternalError("failed to generate event id", err)
	}

	return types.Event{
		ID:              id.String(),
		EntityID:        raw.EntityID,
		EventType:       raw.EventType,
		SourceModule:    module,
		Severity:        severity,
		Timestamp:       ts.UTC(),
		IngestTimestamp: now.UTC(),
		Environment:     raw.Environment,
		SchemaVersion:   schemaVersion,
		CorrelationID:   raw.CorrelationID,
		ParentEventID:   raw.ParentEventID,
		Measures:        measures,
		Tags:            tags,
	}, nil
}

// splitPayload separates the opaque payload into numeric measures and string
// tags. Booleans become 0/1 measures; anything else is rejected.
func splitPayload(payload map[string]interface{}) (map[string]float64, map[string]string, error) {
	if len(payload) == 0 {
		return nil, nil, nil
	}

	measures := make(map[string]float64)
	tags := make(map[string]string)

	for key, value := range payload {
		if key == "" {
			return nil, nil, errors.NewValidationError(errors.CodeInvalidField, "payload keys must not be empty")
		}
		switch v := value.(type) {
		case float64:
			measures[key] = v
		case int:
			measures[key] = float64(v)
		case int64:
			measures[key] = float64(v)
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, nil, errors.NewValidationError(errors.CodeInvalidField,
					fmt.Sprintf("payload field %q is not a valid number", key))
			}
			measures[key] = f
		case bool:
			if v {
				measures[key] = 1
			} else {
				measures[key] = 0
			}
		case string:
			tags[key] = v
		default:
			return nil, nil, errors.NewValidationError(errors.CodeInvalidField,
				fmt.Sprintf("payload field %q has unsupported type %T", key, value))
		}
	}

	if len(measures) == 0 {
		measures = nil
	}
	if len(tags) == 0 {
		tags = nil
	}
	return measures, tags, nil
}
