package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/web/handlers"
)

// requestTimeout bounds every non-streaming request.
const requestTimeout = 60 * time.Second

func (s *Server) setupRoutes() {
	searchHandler := handlers.NewSearchHandler(s.search, s.config.Upload.MaxFileSize, s.logger)
	healthHandler := handlers.NewHealthHandler(s.store, s.detector)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.Get)

		// Progress stream (no request timeout)
		r.Get("/search/{searchId}/events", searchHandler.Events)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(requestTimeout))

			r.Post("/search", searchHandler.Create)
			r.Get("/search/{searchId}", searchHandler.Get)
			r.Put("/search/{searchId}/threshold", searchHandler.UpdateThreshold)
			r.Delete("/search/{searchId}", searchHandler.Delete)
		})
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.RespondKind(w, http.StatusNotFound, apperr.KindInvalidInput, "route not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handlers.RespondKind(w, http.StatusMethodNotAllowed, apperr.KindInvalidInput, "method not allowed")
	})
}
