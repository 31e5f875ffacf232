// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mkraev/affinity/internal/gateway"
	"github.com/mkraev/affinity/internal/logging"
	"github.com/mkraev/affinity/internal/store"
	"github.com/mkraev/affinity/internal/stream"
)

// maxRequestBody caps the action submission body. Actions are tiny.
const maxRequestBody = 64 * 1024

// ReadinessCheck reports whether a pipeline dependency is ready.
type ReadinessCheck func() bool

// Handler serves the HTTP endpoints.
type Handler struct {
	gateway   *gateway.Gateway
	store     *store.Store
	dlqs      map[string]*stream.DLQ
	readiness map[string]ReadinessCheck
	startTime time.Time
}

// NewHandler creates the endpoint handler.
func NewHandler(gw *gateway.Gateway, st *store.Store) *Handler {
	return &Handler{
		gateway:   gw,
		store:     st,
		dlqs:      make(map[string]*stream.DLQ),
		readiness: make(map[string]ReadinessCheck),
		startTime: time.Now(),
	}
}

// RegisterDLQ exposes a dead-letter queue's counters under /api/v1/stats.
func (h *Handler) RegisterDLQ(name string, dlq *stream.DLQ) {
	h.dlqs[name] = dlq
}

// RegisterReadiness adds a named dependency check to /ready.
func (h *Handler) RegisterReadiness(name string, check ReadinessCheck) {
	h.readiness[name] = check
}

// actionAccepted is the ingestion response payload.
type actionAccepted struct {
	ActionID  string    `json:"action_id"`
	UserID    int64     `json:"user_id"`
	EventID   int64     `json:"event_id"`
	Type      string    `json:"action_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CollectAction handles POST /api/v1/actions.
func (h *Handler) CollectAction(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req gateway.ActionRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		rw.BadRequest("malformed JSON body")
		return
	}

	action, err := h.gateway.CollectUserAction(r.Context(), &req)
	if err != nil {
		var invalid *gateway.InvalidRequestError
		switch {
		case errors.As(err, &invalid):
			rw.ValidationFailed(invalid.Reason)
		case errors.Is(err, gateway.ErrUnavailable):
			rw.ServiceUnavailable("action stream unavailable, retry later")
		default:
			logging.Error().Err(err).Msg("Action ingestion failed")
			rw.InternalError("failed to accept action")
		}
		return
	}

	rw.Accepted(actionAccepted{
		ActionID:  action.ActionID,
		UserID:    action.UserID,
		EventID:   action.EventID,
		Type:      string(action.Type),
		Timestamp: action.Timestamp,
	})
}

// GetSimilarEvents handles GET /api/v1/events/{eventID}/similar.
func (h *Handler) GetSimilarEvents(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	eventID, err := pathID(r, "eventID")
	if err != nil {
		rw.BadRequest("event id must be a positive integer")
		return
	}
	maxResults, err := queryLimit(r)
	if err != nil {
		rw.BadRequest("max_results must be a non-negative integer")
		return
	}

	results, err := h.store.GetSimilarEvents(r.Context(), eventID, maxResults)
	if err != nil {
		if stream.IsPermanentError(err) {
			rw.BadRequest("event id must be a positive integer")
			return
		}
		logging.Error().Err(err).Int64("event_id", eventID).Msg("Similar events query failed")
		rw.InternalError("query failed")
		return
	}

	rw.SuccessWithCount(results, len(results))
}

// GetRecommendations handles GET /api/v1/users/{userID}/recommendations.
func (h *Handler) GetRecommendations(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	userID, err := pathID(r, "userID")
	if err != nil {
		rw.BadRequest("user id must be a positive integer")
		return
	}
	maxResults, err := queryLimit(r)
	if err != nil {
		rw.BadRequest("max_results must be a non-negative integer")
		return
	}

	results, err := h.store.GetRecommendationsForUser(r.Context(), userID, maxResults)
	if err != nil {
		if stream.IsPermanentError(err) {
			rw.BadRequest("user id must be a positive integer")
			return
		}
		logging.Error().Err(err).Int64("user_id", userID).Msg("Recommendations query failed")
		rw.InternalError("query failed")
		return
	}

	rw.SuccessWithCount(results, len(results))
}

// Health handles GET /health: process liveness only.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready handles GET /ready: all registered dependency checks must pass.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	checks := make(map[string]bool, len(h.readiness))
	ready := true
	for name, check := range h.readiness {
		ok := check()
		checks[name] = ok
		ready = ready && ok
	}

	if !ready {
		rw.write(http.StatusServiceUnavailable, map[string]interface{}{
			"ready":  false,
			"checks": checks,
		}, nil)
		return
	}
	rw.Success(map[string]interface{}{"ready": true, "checks": checks})
}

// dlqStats is one dead-letter queue's counters.
type dlqStats struct {
	Added   int64 `json:"added"`
	Dropped int64 `json:"dropped"`
	Size    int   `json:"size"`
}

// Stats handles GET /api/v1/stats: materialized view row counts and DLQ
// counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	pairs, weights, err := h.store.Stats()
	if err != nil {
		logging.Error().Err(err).Msg("Stats query failed")
		rw.InternalError("stats unavailable")
		return
	}

	dlqs := make(map[string]dlqStats, len(h.dlqs))
	for name, dlq := range h.dlqs {
		added, dropped, size := dlq.Stats()
		dlqs[name] = dlqStats{Added: added, Dropped: dropped, Size: size}
	}

	hits, misses := h.store.CacheStats()

	rw.Success(map[string]interface{}{
		"similarity_pairs": pairs,
		"user_weights":     weights,
		"cache":            map[string]int64{"hits": hits, "misses": misses},
		"dlq":              dlqs,
	})
}

func pathID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// queryLimit parses max_results; 0 means "use the server default".
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("max_results")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid max_results")
	}
	return n, nil
}
