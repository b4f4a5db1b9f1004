package routes

import (
	"github.com/BradenHooton/authcore/internal/handlers"
	"github.com/BradenHooton/authcore/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the introspection and health endpoints
func RegisterRoutes(
	router chi.Router,
	introspectHandler *handlers.IntrospectHandler,
	healthHandler *handlers.HealthHandler,
	introspectLimit middleware.RateLimitConfig,
) {
	router.Get("/health", healthHandler.Health)

	router.Route("/v1", func(r chi.Router) {
		r.With(middleware.RateLimitByIP(introspectLimit)).Post("/tokens/introspect", introspectHandler.Introspect)
	})
}
