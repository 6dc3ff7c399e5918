package routes

import (
	"github.com/dminischetti/passless/internal/handlers"
	"github.com/dminischetti/passless/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, authHandler *handlers.AuthHandler) {
	// Coarse edge limit in front of the durable per-scope throttling the
	// login service applies.
	rateLimitConfig := middleware.DefaultAuthRateLimit()

	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/auth/request", authHandler.RequestMagicLink)
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Get("/auth/verify", authHandler.VerifyMagicLink)

	router.Post("/auth/logout", authHandler.Logout)
	router.Get("/auth/me", authHandler.Me)
	router.Get("/auth/sessions", authHandler.ListSessions)
	router.Delete("/auth/sessions/{id}", authHandler.RevokeSession)
}
