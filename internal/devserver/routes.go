package devserver

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// APIPath is the single endpoint every envelope call is posted to.
const APIPath = "/api"

// NewRouter creates a new router with all routes configured
func NewRouter(s *Server) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Health stays up while offline so tests can tell the two apart.
	r.Get("/health", s.Health)

	r.Group(func(r chi.Router) {
		r.Use(OfflineMiddleware(s))
		r.Post(APIPath, s.Dispatch)
	})

	return r
}
