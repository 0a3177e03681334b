package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/AdrianFeng10086/RuralCareAI/internal/dialogue"
	"github.com/AdrianFeng10086/RuralCareAI/internal/http/handlers"
	httpmiddleware "github.com/AdrianFeng10086/RuralCareAI/internal/http/middleware"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	ChatHandler        *dialogue.Handler
	AdminAlerts        *handlers.AdminAlertsHandler
	AdminAuthSecret    string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// Per-IP token bucket on the chat endpoints. Zero disables it.
	ChatRateLimit float64
	ChatRateBurst int

	// Readiness is probed by /health when set (database, redis).
	Readiness func(context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(httpmiddleware.NewOrigins(cfg.CORSAllowedOrigins)))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", healthHandler(cfg.Readiness))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.ChatHandler != nil {
		r.Route("/api", func(api chi.Router) {
			if cfg.ChatRateLimit > 0 {
				api.Use(httpmiddleware.RateLimit(cfg.ChatRateLimit, cfg.ChatRateBurst))
			}
			api.Post("/sessions", cfg.ChatHandler.StartSession)
			api.Get("/sessions/{sessionID}/turns", cfg.ChatHandler.History)
			api.Post("/chat", cfg.ChatHandler.Chat)
			api.Post("/chat/stream", cfg.ChatHandler.ChatStream)
		})
	}

	// Admin routes are mounted only when a signing secret is configured.
	if cfg.AdminAlerts != nil && cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Route("/alerts", func(alerts chi.Router) {
				alerts.Get("/", cfg.AdminAlerts.List)
				alerts.Get("/pending-count", cfg.AdminAlerts.PendingCount)
				alerts.Get("/stream", cfg.AdminAlerts.Stream)
				alerts.Get("/ws", cfg.AdminAlerts.WebSocket)
				alerts.Post("/{alertID}/resolve", cfg.AdminAlerts.Resolve)
			})
		})
	} else if cfg.AdminAlerts != nil && cfg.Logger != nil {
		cfg.Logger.Warn("admin routes disabled: ADMIN_JWT_SECRET not set")
	}

	return r
}

func healthHandler(readiness func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		if readiness != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := readiness(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]string{"status": "degraded", "error": err.Error()}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
