package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/packfinderz-payments/api/routes"
	"github.com/angelmondragon/packfinderz-payments/internal/checkouts"
	"github.com/angelmondragon/packfinderz-payments/internal/inventory"
	"github.com/angelmondragon/packfinderz-payments/internal/payments"
	"github.com/angelmondragon/packfinderz-payments/internal/reconciliation"
	paymentwebhook "github.com/angelmondragon/packfinderz-payments/internal/webhooks/payments"
	"github.com/angelmondragon/packfinderz-payments/pkg/config"
	"github.com/angelmondragon/packfinderz-payments/pkg/db"
	"github.com/angelmondragon/packfinderz-payments/pkg/logger"
	"github.com/angelmondragon/packfinderz-payments/pkg/metrics"
	"github.com/angelmondragon/packfinderz-payments/pkg/migrate"
	"github.com/angelmondragon/packfinderz-payments/pkg/outbox"
	"github.com/angelmondragon/packfinderz-payments/pkg/redis"
	"github.com/angelmondragon/packfinderz-payments/pkg/square"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "payments-api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "payments-api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, db.Options{UseSQLite: cfg.FeatureFlags.UseSQLite}, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	squareClient, err := square.NewClient(ctx, cfg.Square, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap square client", err)
		os.Exit(1)
	}

	signer, err := payments.NewSigner(cfg.Payments.SigningSecret)
	if err != nil {
		logg.Error(ctx, "failed to create payment signer", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reconMetrics := metrics.NewReconciliationMetrics(registry)

	conn := dbClient.DB()
	emitter := outbox.NewService(outbox.NewRepository(conn), logg)

	checkoutService, err := checkouts.NewService(checkouts.NewRepository(conn))
	if err != nil {
		logg.Error(ctx, "failed to create checkout service", err)
		os.Exit(1)
	}
	paymentService, err := payments.NewService(payments.NewRepository(conn))
	if err != nil {
		logg.Error(ctx, "failed to create payment service", err)
		os.Exit(1)
	}
	inventoryService, err := inventory.NewService(inventory.NewRepository(conn), dbClient, emitter)
	if err != nil {
		logg.Error(ctx, "failed to create inventory service", err)
		os.Exit(1)
	}

	reconciler, err := reconciliation.NewService(reconciliation.ServiceParams{
		TransactionRunner: dbClient,
		Checkouts:         checkoutService,
		Payments:          paymentService,
		Inventory:         inventoryService,
		Provider:          squareClient,
		Signer:            signer,
		Outbox:            emitter,
		Metrics:           reconMetrics,
		Logger:            logg,
		DefaultCurrency:   cfg.Payments.DefaultCurrency,
		ProviderTimeout:   cfg.Payments.ProviderTimeout,
	})
	if err != nil {
		logg.Error(ctx, "failed to create reconciliation service", err)
		os.Exit(1)
	}

	webhookService, err := paymentwebhook.NewService(paymentwebhook.ServiceParams{
		Reconciler: reconciler,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create payment webhook service", err)
		os.Exit(1)
	}
	webhookGuard, err := paymentwebhook.NewIdempotencyGuard(redisClient, cfg.Eventing.WebhookDedupeTTL, "payments_webhook")
	if err != nil {
		logg.Error(ctx, "failed to create webhook idempotency guard", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":        cfg.App.Env,
		"addr":       addr,
		"square_env": squareClient.Environment(),
	})
	logg.Info(ctx, "starting payments api")

	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			registry,
			reconciler,
			webhookService,
			squareClient,
			webhookGuard,
		),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logg.Info(ctx, "shutting down payments api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "graceful shutdown failed", err)
		}
	}
}
