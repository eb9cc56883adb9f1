package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	mw "github.com/lorrc/notification-relay/internal/adapters/primary/http/middleware"
)

// RouterConfig collects the handlers and policies the router mounts
type RouterConfig struct {
	WebSocket      http.Handler
	Health         *HealthHandler
	Metrics        http.Handler // nil disables the metrics route
	MetricsPath    string
	RateLimiter    *mw.RateLimiter // nil disables handshake rate limiting
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter builds the relay's HTTP surface
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(cfg.Logger))
	r.Use(mw.RecoveryLogger(cfg.Logger))

	// WebSocket route. Authentication happens inside the handler, after the
	// upgrade, so rejections carry a close code.
	r.Group(func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}
		r.Method(http.MethodGet, "/ws", cfg.WebSocket)
	})

	// Plain HTTP routes
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(corsOptions(cfg.AllowedOrigins)))

		r.Get("/health", cfg.Health.HandleHealth)
		r.Get("/health/live", cfg.Health.HandleLiveness)
		r.Get("/health/ready", cfg.Health.HandleReadiness)

		if cfg.Metrics != nil {
			path := cfg.MetricsPath
			if path == "" {
				path = "/metrics"
			}
			r.Method(http.MethodGet, path, cfg.Metrics)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "Not found", "NOT_FOUND")
	})

	return r
}

// corsOptions maps the websocket origin allow-list onto CORS rules.
// An empty list allows any origin.
func corsOptions(allowed []string) cors.Options {
	origins := make([]string, 0, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			origins = append(origins, o)
			continue
		}
		// Entries are hosts, optionally "*.example.com"
		origins = append(origins, "https://"+o, "http://"+o)
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", mw.RequestIDHeader},
		ExposedHeaders: []string{mw.RequestIDHeader},
		MaxAge:         300,
	}
}
