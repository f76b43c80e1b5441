package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Version is reported by GET /api/v1/.
const Version = "0.1.0"

// MountRoutes registers all API routes on the given chi router. wsHandler
// serves the run-status WebSocket feed and may be nil.
func MountRoutes(r chi.Router, h *Handlers, wsHandler http.HandlerFunc) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if wsHandler != nil {
		r.Get("/ws", wsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})

		r.Get("/llm/health", h.LLMHealth)

		r.Route("/projects/{project}", func(r chi.Router) {
			limited := r.With(h.Limiter.Handler)

			// Runs
			limited.Post("/runs", h.StartRun)
			r.Get("/runs", h.ListRuns)
			r.Get("/runs/current", h.CurrentRun)
			r.Get("/runs/{run}", h.GetRun)
			limited.Post("/runs/{run}/cancel", h.CancelRun)
			r.Get("/runs/{run}/events", h.StreamEvents)

			// Glossary
			r.Get("/glossary", h.GetGlossary)
			limited.Put("/documents/{name}", h.PutDocument)
		})
	})
}
