// Package api exposes the engine's statistics, health, and sync controls
// over HTTP. It only consumes the orchestrator's report objects; it never
// participates in cache correctness.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"tiercache/internal/cache/orchestrator"
	"tiercache/internal/cache/syncer"
	"tiercache/internal/logging"
)

// Router is the admin HTTP surface.
type Router struct {
	mux    *chi.Mux
	orch   *orchestrator.Orchestrator
	sync   *syncer.Manager
	logger logging.Logger
}

// NewRouter wires routes against the orchestrator and sync manager.
func NewRouter(orch *orchestrator.Orchestrator, sync *syncer.Manager, logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	r := &Router{
		mux:    chi.NewRouter(),
		orch:   orch,
		sync:   sync,
		logger: logger.WithComponent("api"),
	}

	r.mux.Use(chimiddleware.RequestID)
	r.mux.Use(chimiddleware.Recoverer)

	r.mux.Get("/healthz", r.handleHealth)
	r.mux.Route("/api", func(api chi.Router) {
		api.Get("/stats", r.handleStats)
		api.Get("/sync/status", r.handleSyncStatus)
		api.Post("/sync/force", r.handleForceSync)
		api.Post("/invalidate/{key}", r.handleInvalidate)
		api.Post("/invalidate-tag/{tag}", r.handleInvalidateTag)
	})

	return r
}

// Handler returns the http.Handler for mounting.
func (r *Router) Handler() http.Handler { return r.mux }

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	report := r.orch.HealthReport(req.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	r.writeJSON(w, status, report)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	r.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tiers":          r.orch.Stats(req.Context()),
		"misses":         r.orch.Misses(),
		"pending_writes": r.orch.PendingWrites(),
		"strategy":       r.orch.Strategy(),
	})
}

func (r *Router) handleSyncStatus(w http.ResponseWriter, req *http.Request) {
	r.writeJSON(w, http.StatusOK, r.sync.Status())
}

func (r *Router) handleForceSync(w http.ResponseWriter, req *http.Request) {
	ran := r.sync.ForceSync(req.Context())
	status := http.StatusOK
	if !ran {
		// A cycle is already in progress; the request no-ops.
		status = http.StatusConflict
	}
	r.writeJSON(w, status, map[string]interface{}{
		"ran":    ran,
		"status": r.sync.Status(),
	})
}

func (r *Router) handleInvalidate(w http.ResponseWriter, req *http.Request) {
	key := chi.URLParam(req, "key")
	if err := r.orch.Invalidate(req.Context(), key); err != nil {
		r.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]string{"invalidated": key})
}

func (r *Router) handleInvalidateTag(w http.ResponseWriter, req *http.Request) {
	tag := chi.URLParam(req, "tag")
	if err := r.orch.InvalidateByTag(req.Context(), tag); err != nil {
		r.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]string{"invalidated_tag": tag})
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}
