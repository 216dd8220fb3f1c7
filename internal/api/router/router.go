package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/bookflow-platform/internal/cancellation"
	httpmiddleware "github.com/wolfman30/bookflow-platform/internal/http/middleware"
	"github.com/wolfman30/bookflow-platform/internal/payments"
	"github.com/wolfman30/bookflow-platform/internal/resolver"
	"github.com/wolfman30/bookflow-platform/internal/slotrecovery"
	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger              *logging.Logger
	ResolverHandler     *resolver.Handler
	CancellationHandler *cancellation.Handler
	SquareWebhook       *payments.SquareWebhookHandler
	SMSReplyHandler     *slotrecovery.ReplyHandler
	RecoveryAdmin       *slotrecovery.AdminHandler
	JobSecret           string
	AdminAuthSecret     string
	MetricsHandler      http.Handler
	CORSAllowedOrigins  []string
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", healthCheck)
		if cfg.SquareWebhook != nil {
			public.Post("/webhooks/square", cfg.SquareWebhook.Handle)
		}
		if cfg.SMSReplyHandler != nil {
			public.Post("/webhooks/sms/reply", cfg.SMSReplyHandler.InboundSMS)
		}
		if cfg.CancellationHandler != nil {
			public.Post("/cancellations/{token}", cfg.CancellationHandler.Cancel)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Scheduler-triggered jobs, shared-secret gated
	if cfg.ResolverHandler != nil {
		r.Route("/jobs", func(jobs chi.Router) {
			jobs.Use(requireJobSecret(cfg.JobSecret))
			jobs.Post("/resolve-outcomes", cfg.ResolverHandler.Run)
		})
	}

	// Operator endpoints, JWT gated
	if cfg.RecoveryAdmin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/shops/{shopID}/recovery-stats", cfg.RecoveryAdmin.Stats)
		})
	}

	return r
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
