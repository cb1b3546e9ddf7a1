package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metarepo/server/internal/middleware"
	"github.com/metarepo/server/internal/registry"
	"github.com/metarepo/server/internal/sync"
)

// Config holds API router configuration
type Config struct {
	Registry *registry.Registry
	// Seed and SyncManager are set when the seed catalogue is a git
	// repository; the webhook route is mounted only then.
	Seed          SeedInfo
	SyncManager   *sync.Manager
	SeedBranch    string
	WebhookSecret string
	DefaultTenant string
	Logger        *slog.Logger
}

// NewRouter creates a new HTTP router with all API routes
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	// Base middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	handlers := NewHandlers(cfg.Registry, cfg.Seed, cfg.Logger)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	if cfg.SyncManager != nil {
		webhookHandler := sync.NewWebhookHandler(
			cfg.WebhookSecret,
			cfg.SyncManager,
			cfg.SeedBranch,
			cfg.Logger,
		)
		r.Post("/webhooks/github", webhookHandler.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", handlers.Health)
		r.Get("/ping", handlers.Ping)
		r.Get("/version", handlers.Version)

		// Everything below works on the tenant named by X-Tenant-Id
		r.Group(func(r chi.Router) {
			r.Use(middleware.Tenant(cfg.DefaultTenant))

			r.Get("/client/{clientType}", handlers.ClientArchive)
			r.Get("/client/services/{serviceID}", handlers.ExportService)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/reset_caches", handlers.ResetCaches)

				r.Get("/services", handlers.ListServices)
				r.Post("/services", handlers.UploadService)
				r.Get("/services/{serviceID}", handlers.GetService)
				r.Put("/services/{serviceID}", handlers.PutService)
				r.Delete("/services/{serviceID}", handlers.DeleteService)
				r.Post("/services/{serviceID}/toggle_enabled", handlers.ToggleEnabled)

				r.Get("/{dataType}", handlers.ListDataType)
				r.Post("/{dataType}", handlers.UploadFile)
				r.Get("/{dataType}/*", handlers.GetEntry)
				r.Post("/{dataType}/*", handlers.UploadFile)
				r.Put("/{dataType}/*", handlers.CreateDirectory)
				r.Delete("/{dataType}/*", handlers.DeleteEntry)
			})
		})
	})

	return r
}
