package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/modelpulse/modelpulse/internal/cache"
	"github.com/modelpulse/modelpulse/internal/correlate"
	perrors "github.com/modelpulse/modelpulse/internal/errors"
	"github.com/modelpulse/modelpulse/pkg/types"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// QueryStore is the read surface of the durable store.
type QueryStore interface {
	GetRollups(ctx context.Context, entityID string, from, to time.Time, limit int) ([]types.Rollup, error)
	GetCorrelations(ctx context.Context, eventID string, limit int) ([]types.Correlation, error)
	RecentCorrelations(ctx context.Context, limit int) ([]types.Correlation, error)
	ListPatterns(ctx context.Context, limit int) ([]types.PatternStats, error)
	ListDeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (types.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// PartialReader exposes still-open windows so queries can include
// non-final rollups.
type PartialReader interface {
	SnapshotPartials(entityID string) ([]types.Rollup, time.Time, error)
}

// Replayer re-ingests a dead-lettered payload.
type Replayer interface {
	Replay(d types.DeadLetter) (types.Event, error)
}

// GroupReader resolves the recent events sharing one correlation id.
type GroupReader interface {
	CorrelationGroup(correlationID string) ([]correlate.IndexEntry, error)
}

// QueryHandler serves the read-side API.
type QueryHandler struct {
	store    QueryStore
	partials PartialReader
	replayer Replayer
	groups   GroupReader
	cache    cache.Provider
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewQueryHandler creates the query handler. partials, replayer and groups
// may be nil in query-only deployments where no pipeline runs in-process;
// cache may be nil to disable caching.
func NewQueryHandler(store QueryStore, partials PartialReader, replayer Replayer, groups GroupReader, cacheProvider cache.Provider, cacheTTL time.Duration, logger *slog.Logger) *QueryHandler {
	if cacheProvider == nil {
		cacheProvider = cache.NewNoop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryHandler{
		store:    store,
		partials: partials,
		replayer: replayer,
		groups:   groups,
		cache:    cacheProvider,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Register attaches all query routes to the router.
func (h *QueryHandler) Register(r *mux.Router) {
	r.HandleFunc("/v1/rollups", h.handleRollups).Methods(http.MethodGet)
	r.HandleFunc("/v1/correlations", h.handleCorrelations).Methods(http.MethodGet)
	r.HandleFunc("/v1/correlations/groups/{id}", h.handleCorrelationGroup).Methods(http.MethodGet)
	r.HandleFunc("/v1/patterns", h.handlePatterns).Methods(http.MethodGet)
	r.HandleFunc("/v1/deadletters", h.handleListDeadLetters).Methods(http.MethodGet)
	r.HandleFunc("/v1/deadletters/{id}", h.handleGetDeadLetter).Methods(http.MethodGet)
	r.HandleFunc("/v1/deadletters/{id}", h.handleDeleteDeadLetter).Methods(http.MethodDelete)
	r.HandleFunc("/v1/deadletters/{id}/replay", h.handleReplayDeadLetter).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
}

// RollupsResponse is the reply to GET /v1/rollups. Partial rollups come
// from windows the watermark has not closed yet; the watermark tells the
// client how far event time has progressed.
type RollupsResponse struct {
	EntityID  string         `json:"entity_id"`
	Rollups   []types.Rollup `json:"rollups"`
	Watermark *time.Time     `json:"watermark,omitempty"`
	RequestID string         `json:"request_id"`
}

func (h *QueryHandler) handleRollups(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "entity_id is required", RequestID: requestID})
		return
	}

	now := time.Now().UTC()
	from, err := parseTimeParam(r, "from", now.Add(-time.Hour))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), RequestID: requestID})
		return
	}
	to, err := parseTimeParam(r, "to", now)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), RequestID: requestID})
		return
	}
	limit := parseLimit(r)
	includePartial := r.URL.Query().Get("include_partial") == "true"

	resp := RollupsResponse{EntityID: entityID, RequestID: requestID}

	// Finalized rollups are immutable once the grace period has elapsed,
	// which makes them safe to cache. Partial reads bypass the cache.
	key := cache.RollupKey(entityID, from, to, limit)
	cached := false
	if !includePartial {
		if hit, err := h.cache.Get(r.Context(), key, &resp.Rollups); err != nil {
			h.logger.Warn("cache read failed", "key", key, "error", err)
		} else if hit {
			cached = true
		}
	}

	if !cached {
		rollups, err := h.store.GetRollups(r.Context(), entityID, from, to, limit)
		if err != nil {
			writePipelineError(w, requestID, err)
			return
		}
		resp.Rollups = rollups
		if !includePartial {
			if err := h.cache.Set(r.Context(), key, rollups, h.cacheTTL); err != nil {
				h.logger.Warn("cache write failed", "key", key, "error", err)
			}
		}
	}

	if includePartial && h.partials != nil {
		partials, watermark, err := h.partials.SnapshotPartials(entityID)
		if err != nil {
			h.logger.Warn("partial snapshot failed", "entity_id", entityID, "error", err)
		} else {
			for _, p := range partials {
				if !p.WindowStart.Before(from) && p.WindowStart.Before(to) {
					resp.Rollups = append(resp.Rollups, p)
				}
			}
			resp.Watermark = &watermark
		}
	}

	if resp.Rollups == nil {
		resp.Rollups = []types.Rollup{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CorrelationsResponse is the reply to GET /v1/correlations.
type CorrelationsResponse struct {
	Correlations []types.Correlation `json:"correlations"`
	RequestID    string              `json:"request_id"`
}

func (h *QueryHandler) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	limit := parseLimit(r)

	var (
		correlations []types.Correlation
		err          error
	)
	if eventID := r.URL.Query().Get("event_id"); eventID != "" {
		correlations, err = h.store.GetCorrelations(r.Context(), eventID, limit)
	} else {
		correlations, err = h.store.RecentCorrelations(r.Context(), limit)
	}
	if err != nil {
		writePipelineError(w, requestID, err)
		return
	}

	if correlations == nil {
		correlations = []types.Correlation{}
	}
	writeJSON(w, http.StatusOK, CorrelationsResponse{Correlations: correlations, RequestID: requestID})
}

// CorrelationGroupResponse is the reply to GET
// /v1/correlations/groups/{id}: the recent events that carried the same
// correlation id, oldest first. The view is bounded by the correlation
// index horizon, so events older than the horizon are not included.
type CorrelationGroupResponse struct {
	CorrelationID string                  `json:"correlation_id"`
	Events        []CorrelationGroupEvent `json:"events"`
	RequestID     string                  `json:"request_id"`
}

// CorrelationGroupEvent is one member of a correlation group.
type CorrelationGroupEvent struct {
	EventID       string    `json:"event_id"`
	EntityID      string    `json:"entity_id"`
	SourceModule  string    `json:"source_module"`
	Timestamp     time.Time `json:"timestamp"`
	ParentEventID string    `json:"parent_event_id,omitempty"`
	Anomalous     bool      `json:"anomalous,omitempty"`
}

func (h *QueryHandler) handleCorrelationGroup(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if h.groups == nil {
		writeError(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:     "correlation groups require an ingestion pipeline in this process",
			RequestID: requestID,
		})
		return
	}

	id := mux.Vars(r)["id"]
	entries, err := h.groups.CorrelationGroup(id)
	if err != nil {
		writePipelineError(w, requestID, err)
		return
	}

	resp := CorrelationGroupResponse{CorrelationID: id, Events: []CorrelationGroupEvent{}, RequestID: requestID}
	for _, e := range entries {
		resp.Events = append(resp.Events, CorrelationGroupEvent{
			EventID:       e.ID,
			EntityID:      e.EntityID,
			SourceModule:  string(e.Module),
			Timestamp:     e.Timestamp,
			ParentEventID: e.ParentEventID,
			Anomalous:     e.Anomalous,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// PatternsResponse is the reply to GET /v1/patterns.
type PatternsResponse struct {
	Patterns  []types.PatternStats `json:"patterns"`
	RequestID string               `json:"request_id"`
}

func (h *QueryHandler) handlePatterns(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	patterns, err := h.store.ListPatterns(r.Context(), parseLimit(r))
	if err != nil {
		writePipelineError(w, requestID, err)
		return
	}
	if patterns == nil {
		patterns = []types.PatternStats{}
	}
	writeJSON(w, http.StatusOK, PatternsResponse{Patterns: patterns, RequestID: requestID})
}

// DeadLettersResponse is the reply to GET /v1/deadletters.
type DeadLettersResponse struct {
	DeadLetters []types.DeadLetter `json:"dead_letters"`
	RequestID   string             `json:"request_id"`
}

func (h *QueryHandler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	letters, err := h.store.ListDeadLetters(r.Context(), parseLimit(r))
	if err != nil {
		writePipelineError(w, requestID, err)
		return
	}
	if letters == nil {
		letters = []types.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, DeadLettersResponse{DeadLetters: letters, RequestID: requestID})
}

func (h *QueryHandler) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	letter, err := h.store.GetDeadLetter(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writePipelineError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, letter)
}

func (h *QueryHandler) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	id := mux.Vars(r)["id"]
	if _, err := h.store.GetDeadLetter(r.Context(), id); err != nil {
		writePipelineError(w, requestID, err)
		return
	}
	if err := h.store.DeleteDeadLetter(r.Context(), id); err != nil {
		writePipelineError(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReplayResponse is the reply to POST /v1/deadletters/{id}/replay.
type ReplayResponse struct {
	EventID   string `json:"event_id"`
	RequestID string `json:"request_id"`
}

func (h *QueryHandler) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if h.replayer == nil {
		writeError(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:     "replay requires an ingestion pipeline in this process",
			RequestID: requestID,
		})
		return
	}

	id := mux.Vars(r)["id"]
	letter, err := h.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		writePipelineError(w, requestID, err)
		return
	}

	event, err := h.replayer.Replay(letter)
	if err != nil {
		writePipelineError(w, requestID, err)
		return
	}

	// A successful replay retires the dead letter.
	if err := h.store.DeleteDeadLetter(r.Context(), id); err != nil {
		h.logger.Error("failed to delete replayed dead letter", "id", id, "error", err)
	}

	writeJSON(w, http.StatusOK, ReplayResponse{EventID: event.ID, RequestID: requestID})
}

func (h *QueryHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, perrors.NewValidationError(perrors.CodeInvalidField, name+" is not RFC 3339")
	}
	return ts.UTC(), nil
}

func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultQueryLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultQueryLimit
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}
