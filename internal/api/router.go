package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/context-exchange/cex/internal/api/middleware"
	"github.com/context-exchange/cex/internal/config"
	"github.com/context-exchange/cex/internal/handlers"
	"github.com/context-exchange/cex/internal/notify"
	"github.com/context-exchange/cex/internal/store"
)

// NewRouter creates and configures the HTTP router. redisClient may be
// nil in development, which disables rate limiting.
func NewRouter(logger zerolog.Logger, ds store.DataStore, redisClient *redis.Client, hub *notify.Hub, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(32 * 1024)) // 32KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	if redisClient != nil {
		limiter := middleware.NewRateLimiter(redisClient, logger, middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		})
		r.Use(limiter.Middleware)
	}

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Create handler and auth middleware
	pusher := notify.NewWebhookPusher(logger)
	h := handlers.NewHandler(ds, hub, pusher, cfg, logger)
	auth := middleware.NewAuthMiddleware(ds, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Post("/auth/register", h.Register)
	r.Get("/contracts", h.ListContracts)
	r.Post("/announcements", h.CreateAnnouncement) // admin key gated

	// Authenticated routes (require API key)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/auth/me", h.Me)
		r.Put("/auth/me", h.UpdateMe)

		r.Post("/connections/invite", h.CreateInvite)
		r.Post("/connections/accept", h.AcceptInvite)
		r.Get("/connections", h.ListConnections)
		r.Delete("/connections/{id}", h.RemoveConnection)
		r.Get("/connections/{id}/permissions", h.ListPermissions)
		r.Put("/connections/{id}/permissions/{category}", h.UpdatePermission)

		r.Post("/messages/send", h.SendMessage)
		r.Get("/messages/inbox", h.Inbox)
		r.Get("/messages/stream", h.Stream)
		r.Post("/messages/{id}/ack", h.AckMessage)
		r.Get("/messages/threads", h.ListThreads)
		r.Get("/messages/threads/{id}", h.GetThread)
	})

	return r
}
