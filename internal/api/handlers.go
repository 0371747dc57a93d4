package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/civicwire/civicwire/internal/dispatch"
	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/orchestrator"
	"github.com/civicwire/civicwire/internal/scheduler"
	"github.com/civicwire/civicwire/internal/store"
)

// Dispatcher is the trigger surface the handlers call into.
type Dispatcher interface {
	DispatchScrape(ctx context.Context, ref string) (orchestrator.RunResult, error)
	DispatchEventIngestion(ctx context.Context, sourceID int64, runID *int64) (orchestrator.RunResult, error)
	RunDueScrapers(ctx context.Context) (scheduler.DueReport, error)
	RunDueEventSources(ctx context.Context) (scheduler.DueReport, error)
	DispatchEnrichment(ctx context.Context, articleID int64) (bool, error)
	DispatchProjections(ctx context.Context, filter store.ProjectionFilter) (int, error)
	QueueProjections(ctx context.Context, filter store.ProjectionFilter) error
	GetRun(ctx context.Context, id int64) (*models.Run, error)
}

// HealthFunc reports whether a backing dependency is reachable.
type HealthFunc func(ctx context.Context) error

// Handler serves the trigger and status endpoints.
type Handler struct {
	dispatcher Dispatcher
	health     HealthFunc
	stats      func() map[string]any
	logger     *slog.Logger
	startTime  time.Time
}

// NewHandler creates a Handler. health and stats may be nil.
func NewHandler(dispatcher Dispatcher, health HealthFunc, stats func() map[string]any, logger *slog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		health:     health,
		stats:      stats,
		logger:     logger.With("component", "api"),
		startTime:  time.Now(),
	}
}

// RunScraper handles POST /api/scrapers/{ref}/run
func (h *Handler) RunScraper(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	res, err := h.dispatcher.DispatchScrape(r.Context(), ref)
	if err != nil {
		h.logger.Warn("scrape dispatch failed", "ref", ref, "run_id", res.RunID, "error", err)
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RunEventSource handles POST /api/event-sources/{id}/run
func (h *Handler) RunEventSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.dispatcher.DispatchEventIngestion(r.Context(), id, nil)
	if err != nil {
		h.logger.Warn("event ingestion dispatch failed", "source_id", id, "run_id", res.RunID, "error", err)
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RunDueResponse reports what one manual due-sweep queued.
type RunDueResponse struct {
	Scrapers     scheduler.DueReport `json:"scrapers"`
	EventSources scheduler.DueReport `json:"event_sources"`
}

// RunDue handles POST /api/scrapers/run-due
func (h *Handler) RunDue(w http.ResponseWriter, r *http.Request) {
	var resp RunDueResponse
	var err error
	if resp.Scrapers, err = h.dispatcher.RunDueScrapers(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	if resp.EventSources, err = h.dispatcher.RunDueEventSources(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// EnrichArticle handles POST /api/articles/{id}/enrich
func (h *Handler) EnrichArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	queued, err := h.dispatcher.DispatchEnrichment(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"article_id": id, "queued": queued})
}

// RebuildProjectionsRequest selects which projections to rebuild.
type RebuildProjectionsRequest struct {
	CityID    *int64 `json:"city_id,omitempty"`
	ArticleID *int64 `json:"article_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Async     bool   `json:"async,omitempty"`
}

// RebuildProjections handles POST /api/projections/rebuild
func (h *Handler) RebuildProjections(w http.ResponseWriter, r *http.Request) {
	var req RebuildProjectionsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Limit < 0 {
		http.Error(w, "limit must not be negative", http.StatusBadRequest)
		return
	}
	filter := store.ProjectionFilter{CityID: req.CityID, ArticleID: req.ArticleID, Limit: req.Limit}

	if req.Async {
		if err := h.dispatcher.QueueProjections(r.Context(), filter); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
		return
	}

	n, err := h.dispatcher.DispatchProjections(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rebuilt": n})
}

// GetRun handles GET /api/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	run, err := h.dispatcher.GetRun(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	}
	status := http.StatusOK
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			h.logger.Error("health check failed", "error", err)
			resp["status"] = "unavailable"
			resp["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if h.stats != nil {
		resp["database"] = h.stats()
	}
	writeJSON(w, status, resp)
}

// writeError maps dispatcher errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrSourceNotFound), errors.Is(err, orchestrator.ErrRunNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dispatch.ErrRunActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dispatch.ErrSourceDisabled), errors.Is(err, dispatch.ErrUnsupportedType),
		errors.Is(err, orchestrator.ErrRunMismatch):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, context.Canceled):
		http.Error(w, "Request cancelled", http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
