package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/http/ratelimit"
	"gitea.jw6.us/james/calsync/internal/jobs"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/webhook"
)

// GenericWebhookPath receives notifications carrying the provider-neutral
// Channel-* headers.
const GenericWebhookPath = "/webhooks/calendar"

// HealthChecker reports whether the database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewRouter wires the health, metrics and webhook routes. The rate limiter
// sweeper stops when ctx is done.
func NewRouter(ctx context.Context, cfg *config.Config, health HealthChecker, validator webhook.Validator, dispatcher jobs.Dispatcher) http.Handler {
	r := chi.NewRouter()

	webhookLimiter := ratelimit.NewIPRateLimiter(ctx, rate.Limit(cfg.Webhook.RateLimit), cfg.Webhook.Burst, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := health.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(webhookLimiter.Middleware())
		r.Method(http.MethodPost, GenericWebhookPath, webhook.NewHandler(webhook.GenericHeaders, validator, dispatcher))
		if cfg.Webhook.Path != GenericWebhookPath {
			r.Method(http.MethodPost, cfg.Webhook.Path, webhook.NewHandler(webhook.GoogleHeaders, validator, dispatcher))
		}
	})

	return r
}
