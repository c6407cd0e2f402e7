package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	perrors "github.com/modelpulse/modelpulse/internal/errors"
	"github.com/modelpulse/modelpulse/pkg/types"
)

// maxBatchSize bounds one ingest request. Larger batches must be split by
// the client.
const maxBatchSize = 1000

// Ingester is the pipeline surface the ingest handler needs.
type Ingester interface {
	Ingest(raw types.RawEvent) (types.Event, error)
}

// IngestRequest is the body of POST /v1/events. Either a single event or a
// batch; exactly one of the two forms.
type IngestRequest struct {
	Events []types.RawEvent `json:"events"`
}

// IngestResult reports the outcome for one event in a batch.
type IngestResult struct {
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IngestResponse is the reply to an accepted ingest request.
type IngestResponse struct {
	Accepted  int            `json:"accepted"`
	Rejected  int            `json:"rejected"`
	Results   []IngestResult `json:"results"`
	RequestID string         `json:"request_id"`
}

// IngestHandler handles POST /v1/events.
type IngestHandler struct {
	pipeline Ingester
}

// NewIngestHandler creates the ingest handler.
func NewIngestHandler(pipeline Ingester) *IngestHandler {
	return &IngestHandler{pipeline: pipeline}
}

// ServeHTTP accepts a single raw event or a batch. Validation failures are
// reported per event; a throttled or draining pipeline fails the whole
// request so the client backs off.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed", RequestID: requestID})
		return
	}

	events, err := decodeIngestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), RequestID: requestID})
		return
	}

	resp := IngestResponse{RequestID: requestID}
	for _, raw := range events {
		event, err := h.pipeline.Ingest(raw)
		if err != nil {
			if isBackpressure(err) {
				writePipelineError(w, requestID, err)
				return
			}
			resp.Rejected++
			resp.Results = append(resp.Results, IngestResult{Error: err.Error()})
			continue
		}
		resp.Accepted++
		resp.Results = append(resp.Results, IngestResult{EventID: event.ID})
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// isBackpressure reports whether err is a whole-request rejection rather
// than a per-event one.
func isBackpressure(err error) bool {
	return perrors.GetCategory(err) == perrors.ErrCategoryCapacity
}

// decodeIngestBody accepts either one raw event object or {"events": [...]}.
func decodeIngestBody(r *http.Request) ([]types.RawEvent, error) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	var batch IngestRequest
	if err := json.Unmarshal(body, &batch); err == nil && len(batch.Events) > 0 {
		if len(batch.Events) > maxBatchSize {
			return nil, fmt.Errorf("batch of %d events exceeds the %d cap", len(batch.Events), maxBatchSize)
		}
		return batch.Events, nil
	}

	var single types.RawEvent
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if single.EntityID == "" && single.EventType == "" {
		return nil, fmt.Errorf("request contains neither an event nor an events array")
	}
	return []types.RawEvent{single}, nil
}
