package router

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/whatsapp-scheduler/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/whatsapp-scheduler/internal/http/middleware"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	ZAPIWebhook        *handlers.ZAPIWebhookHandler
	AdminConversations *handlers.AdminConversationsHandler
	AdminAuthSecret    string
	MetricsHandler     http.Handler
	// HealthChecks are run by /health; any failure turns it into a 503.
	HealthChecks map[string]func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.ZAPIWebhook != nil {
			public.Post("/webhooks/zapi", cfg.ZAPIWebhook.Handle)
		}
	})

	if cfg.AdminAuthSecret != "" && cfg.AdminConversations != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/conversations/{phone}", cfg.AdminConversations.GetConversation)
			admin.Post("/conversations/{phone}/reset", cfg.AdminConversations.ResetConversation)
			admin.Get("/waitlist", cfg.AdminConversations.ListWaitlist)
		})
	}

	return r
}

func healthHandler(checks map[string]func(ctx context.Context) error) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		code := http.StatusOK
		results := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				results[name] = err.Error()
				status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		handlers.WriteJSON(w, code, map[string]any{"status": status, "checks": results})
	}
}
