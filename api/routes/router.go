package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/packfinderz-payments/api/controllers"
	webhookcontrollers "github.com/angelmondragon/packfinderz-payments/api/controllers/webhooks"
	"github.com/angelmondragon/packfinderz-payments/api/middleware"
	"github.com/angelmondragon/packfinderz-payments/internal/reconciliation"
	"github.com/angelmondragon/packfinderz-payments/pkg/config"
	"github.com/angelmondragon/packfinderz-payments/pkg/db"
	"github.com/angelmondragon/packfinderz-payments/pkg/logger"
	pkgredis "github.com/angelmondragon/packfinderz-payments/pkg/redis"
)

// redisStore is the subset of the redis client the HTTP layer needs.
type redisStore interface {
	pkgredis.IdempotencyStore
	pkgredis.Pinger
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

type webhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

type signingClient interface {
	SigningSecret() string
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient redisStore,
	gatherer prometheus.Gatherer,
	reconciler reconciliation.Service,
	webhookService webhookcontrollers.PaymentWebhookService,
	provider signingClient,
	webhookGuard webhookGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	paymentsPolicy := middleware.NewRateLimitPolicy(
		"payments",
		cfg.RateLimit.Window,
		cfg.RateLimit.PaymentsLimit,
		cfg.RateLimit.PaymentsLimit,
	)
	webhookPolicy := middleware.NewRateLimitPolicy(
		"webhooks",
		cfg.RateLimit.Window,
		cfg.RateLimit.WebhookLimit,
		0,
	)

	var deps []controllers.Dependency
	if dbP != nil {
		deps = append(deps, controllers.Dependency{Name: "db", Ping: dbP.Ping})
	}
	if redisClient != nil {
		deps = append(deps, controllers.Dependency{Name: "redis", Ping: redisClient.Ping})
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps...))
	})
	r.Method(http.MethodGet, "/metrics", controllers.Metrics(gatherer))

	var limiterStore interface {
		FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
	}
	var idempotencyStore pkgredis.IdempotencyStore
	if redisClient != nil {
		limiterStore = redisClient
		idempotencyStore = redisClient
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(webhookPolicy, limiterStore, logg))
		r.Post("/payments", webhookcontrollers.PaymentWebhook(webhookService, provider, webhookGuard, logg))
	})

	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Use(middleware.RateLimit(paymentsPolicy, limiterStore, logg))
		r.Use(middleware.Idempotency(idempotencyStore, logg))

		r.Post("/orders", controllers.PaymentsCreateIntent(reconciler, logg))
		r.Post("/verify", controllers.PaymentsVerifyIntent(reconciler, logg))
		r.Post("/cancel", controllers.PaymentsCancelIntent(reconciler, logg))
		r.Get("/{providerOrderId}", controllers.PaymentsGetIntent(reconciler, logg))
	})

	return r
}
