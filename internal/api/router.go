package api

import (
	"net/http"
)

// SetupRoutes registers the API on mux. metricsHandler may be nil.
func SetupRoutes(mux *http.ServeMux, handler *Handler, metricsHandler http.Handler) {
	mux.HandleFunc("POST /api/scrapers/run-due", handler.RunDue)
	mux.HandleFunc("POST /api/scrapers/{ref}/run", handler.RunScraper)
	mux.HandleFunc("POST /api/event-sources/{id}/run", handler.RunEventSource)
	mux.HandleFunc("POST /api/articles/{id}/enrich", handler.EnrichArticle)
	mux.HandleFunc("POST /api/projections/rebuild", handler.RebuildProjections)
	mux.HandleFunc("GET /api/runs/{id}", handler.GetRun)

	mux.HandleFunc("GET /healthz", handler.Health)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
}
