package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/chronicle/internal/domain"
	"github.com/oriys/chronicle/internal/health"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/observability"
	"github.com/oriys/chronicle/internal/reader"
	"github.com/oriys/chronicle/internal/reconcile"
	"github.com/oriys/chronicle/internal/writer"
)

// Handler carries the request handlers and their collaborators.
type Handler struct {
	Coordinator *writer.Coordinator
	Reader      *reader.Reader
	Reconciler  *reconcile.Reconciler
	Health      *health.Reporter
	Metrics     *metrics.Registry
}

// RegisterRoutes attaches all routes to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/log", h.handleWrite)
	mux.HandleFunc("GET /api/logs", h.handleLogs)
	mux.HandleFunc("POST /api/reconcile", h.handleReconcile)
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/ready", h.handleReady)
	mux.HandleFunc("GET /api/metrics/snapshot", h.handleMetricsSnapshot)
	mux.Handle("GET /metrics", h.Metrics.PromHandler())
}

// writeRequest is the action write body. action is accepted as an alias
// for operationId for older clients.
type writeRequest struct {
	OperationID string         `json:"operationId"`
	Action      string         `json:"action"`
	SessionID   string         `json:"session_id"`
	Who         string         `json:"who"`
	Level       string         `json:"level"`
	Error       bool           `json:"error"`
	Tags        []string       `json:"tags"`
	Payload     map[string]any `json:"payload"`
}

type writeResponse struct {
	Success       bool                      `json:"success"`
	LogID         string                    `json:"logId"`
	SessionID     string                    `json:"session_id"`
	Status        string                    `json:"status"`
	Stores        []string                  `json:"stores"`
	StoreResults  map[string]domain.Outcome `json:"store_results"`
	IdempotentHit bool                      `json:"idempotent_hit,omitempty"`
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	op := req.OperationID
	if op == "" {
		op = req.Action
	}
	if op == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "operationId is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = r.Header.Get(sessionHeader)
	}

	res, err := h.Coordinator.Write(r.Context(), writer.Request{
		OperationID:    op,
		SessionID:      sessionID,
		Who:            req.Who,
		Tags:           req.Tags,
		Payload:        req.Payload,
		Level:          domain.Level(req.Level),
		Failed:         req.Error,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		if errors.Is(err, writer.ErrRelDurability) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":         true,
				"kind":          "RelDurabilityFailure",
				"message":       "the action could not be durably recorded",
				"store_results": res.Outcomes,
			})
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", "write failed")
		return
	}

	observability.SetOperation(r.Context(), res.Record.OperationID, res.Record.ID, string(res.Status))

	writeJSON(w, http.StatusOK, writeResponse{
		Success:       true,
		LogID:         res.Record.ID,
		SessionID:     res.Record.SessionID,
		Status:        string(res.Status),
		Stores:        res.Record.Stores,
		StoreResults:  res.Outcomes,
		IdempotentHit: res.IdempotentHit,
	})
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "limit must be an integer")
			return
		}
		limit = n
		if n <= 0 {
			// Explicit zero (or negative) limit: empty result, no error.
			writeJSON(w, http.StatusOK, map[string]any{"items": []*domain.Record{}})
			return
		}
	}

	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		since = t
	}

	sessionID := q.Get("session_id")
	var items []*domain.Record
	if sessionID != "" {
		items = h.Reader.BySession(r.Context(), sessionID, limit)
	} else {
		items = h.Reader.Recent(r.Context(), limit)
	}
	items = reader.Since(items, since)

	resp := map[string]any{"items": items}
	if sessionID != "" {
		resp["session_id"] = sessionID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	windowHours := 24
	if v := q.Get("window_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "window_hours must be a positive integer")
			return
		}
		windowHours = n
	}
	dryRun := false
	if v := q.Get("dry_run"); v != "" {
		dryRun = v == "true" || v == "1"
	}

	summary, err := h.Reconciler.Run(r.Context(), windowHours, dryRun)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "reconcile_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Health.Health(r.Context()))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness always answers 200; the ready boolean carries the verdict.
	writeJSON(w, http.StatusOK, h.Health.Readiness(r.Context()))
}

func (h *Handler) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"counters": h.Metrics.Snapshot(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{
		"error":   true,
		"kind":    kind,
		"message": message,
	})
}
