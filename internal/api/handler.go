package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/harborlight/fieldnotes/internal/orchestrator"
	"github.com/harborlight/fieldnotes/internal/preference"
	"github.com/harborlight/fieldnotes/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const defaultListLimit = 20

// Store is the read surface the console exposes. Implemented by
// storage.Store.
type Store interface {
	RecentPosts(limit int) ([]storage.Post, error)
	RecentTraces(limit int) ([]storage.Trace, error)
	LatestMetricsSnapshot() (storage.MetricsSnapshot, error)
}

// Trainer handles training sessions and profile deployment. Implemented by
// preference.Manager.
type Trainer interface {
	SaveTrainingSession(strategyID, sessionID string, examples []preference.RatedExample) (int64, error)
	Deploy(strategyID, sessionID string) (preference.Profile, error)
	Status() (preference.DeploymentStatus, error)
}

// Campaign reports the live posting loop. Implemented by
// orchestrator.Orchestrator.
type Campaign interface {
	Status() orchestrator.Status
}

// NewHandler returns the console HTTP API. When adminToken is non-empty, the
// mutating endpoints require it as a bearer token; read endpoints are open.
func NewHandler(store Store, trainer Trainer, campaign Campaign, adminToken string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/status", handleStatus(campaign))
	r.Get("/posts", handlePosts(store))
	r.Get("/traces", handleTraces(store))
	r.Get("/metrics/latest", handleLatestMetrics(store))
	r.Get("/deployment", handleDeployment(trainer))

	r.Group(func(r chi.Router) {
		if adminToken != "" {
			r.Use(BearerAuth(adminToken))
		}
		r.Post("/sessions/{id}", handleSaveSession(trainer))
		r.Post("/sessions/{id}/deploy", handleDeploySession(trainer))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStatus(campaign Campaign) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, campaign.Status())
	}
}

func handlePosts(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		posts, err := store.RecentPosts(listLimit(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "listing posts: %v", err)
			return
		}
		if posts == nil {
			posts = []storage.Post{}
		}
		writeJSON(w, posts)
	}
}

func handleTraces(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traces, err := store.RecentTraces(listLimit(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "listing traces: %v", err)
			return
		}
		if traces == nil {
			traces = []storage.Trace{}
		}
		writeJSON(w, traces)
	}
}

func handleLatestMetrics(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := store.LatestMetricsSnapshot()
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no metrics collected yet")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "reading metrics: %v", err)
			return
		}
		writeJSON(w, snap)
	}
}

func handleDeployment(trainer Trainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := trainer.Status()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "reading deployment status: %v", err)
			return
		}
		writeJSON(w, status)
	}
}

type saveSessionRequest struct {
	StrategyID string                    `json:"strategy_id"`
	Examples   []preference.RatedExample `json:"examples"`
}

func handleSaveSession(trainer Trainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req saveSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.StrategyID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "strategy_id is required")
			return
		}
		if len(req.Examples) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "examples is required and must not be empty")
			return
		}
		for i, ex := range req.Examples {
			if ex.Rating < 1 || ex.Rating > 5 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "examples[%d].rating must be 1-5", i)
				return
			}
		}

		sessionID := chi.URLParam(r, "id")
		id, err := trainer.SaveTrainingSession(req.StrategyID, sessionID, req.Examples)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "saving session: %v", err)
			return
		}
		writeJSON(w, map[string]any{"session_id": sessionID, "row_id": id, "saved": len(req.Examples)})
	}
}

type deployRequest struct {
	StrategyID string `json:"strategy_id"`
}

func handleDeploySession(trainer Trainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req deployRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.StrategyID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "strategy_id is required")
			return
		}

		sessionID := chi.URLParam(r, "id")
		profile, err := trainer.Deploy(req.StrategyID, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no training data for session %s", sessionID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "deploying profile: %v", err)
			return
		}
		writeJSON(w, profile)
	}
}

func listLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
