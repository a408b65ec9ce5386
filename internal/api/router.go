package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(
		tagRequest,
		s.accessLog,
		s.recoverPanics,
		newCORSPolicy(s.cfg.CORS.AllowedOrigins).handler,
		middleware.RequestSize(maxRequestBodySize),
	)

	if s.metricsCfg.Enabled && s.metricsHandler != nil {
		r.Handle(s.metricsCfg.Path, s.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/search", s.handleSearch)

		r.Route("/books", func(r chi.Router) {
			r.Get("/", s.handleListBooks)
			r.Post("/", s.handleCreateBook)
			r.Post("/batch", s.handleCreateBooks)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetBook)
				r.Delete("/", s.handleDeleteBook)
			})
		})
	})

	return r
}
