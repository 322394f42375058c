package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ternarybob/mcpdash/internal/common"
	"github.com/ternarybob/mcpdash/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Multiplexed job channel
	r.Get("/ws", s.app.WSHandler.HandleWebSocket)

	// Request/response endpoints used by the fallback poller
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.app.JobHandler.SubmitHandler)
		r.Get("/{id}/progress", s.app.JobHandler.ProgressHandler)
		r.Post("/{id}/cancel", s.app.JobHandler.CancelHandler)
	})

	r.Get("/health", s.handleHealth)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"version":     common.GetVersion(),
		"clients":     s.app.WSHandler.ClientCount(),
		"active_jobs": s.app.WorkerPool.Active(),
		"servers":     s.app.Catalog.Names(),
	})
}
