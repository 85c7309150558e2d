package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ghuser/notifier/pkg/app"
	"github.com/ghuser/notifier/pkg/cache"
	"github.com/ghuser/notifier/pkg/config"
	"github.com/ghuser/notifier/pkg/events"
	"github.com/ghuser/notifier/pkg/httpx"
	"github.com/ghuser/notifier/pkg/logger"
	"github.com/ghuser/notifier/pkg/telemetry"
	"github.com/ghuser/notifier/services/notification/application/subscribers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := config.ValidateForProduction(cfg); err != nil {
		slog.Error("production config validation failed", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	otelShutdown, metricsHandler, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Error("failed to setup otel", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(context.Background()) //nolint:errcheck

	// Crash reporting: Sentry (optional, log and continue on failure)
	if err := telemetry.SetupSentry(cfg); err != nil {
		log.Warn("failed to setup sentry, continuing without crash reporting", "error", err)
	}
	defer telemetry.SentryFlush()

	busOpts := []events.Option{
		events.WithRetry(cfg.MaxRetries, cfg.RetryBaseDelay),
		events.WithConsumers(cfg.Consumers),
		events.WithDeadLetterHook(func(ctx context.Context, topic string, msg *message.Message, err error) {
			telemetry.CaptureMessageFailure(ctx, topic, msg.UUID, err)
		}),
	}

	var redisClient *cache.RedisClient
	if cfg.DedupEnabled {
		redisClient, err = cache.NewRedisClient(cfg, subscribers.ChannelCount)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1) //nolint:gocritic // intentional: startup failure, deferred flushes are best-effort
		}
		defer redisClient.Close() //nolint:errcheck
		busOpts = append(busOpts, events.WithDeduplicator(cache.NewMessageLedger(redisClient, cfg.DedupTTL)))
		log.Info("redis connected", "dedup_ttl", cfg.DedupTTL)
	}

	eventBus, err := events.NewEventBus(cfg, log, busOpts...)
	if err != nil {
		log.Error("failed to setup event bus", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	defer eventBus.Close() //nolint:errcheck
	log.Info("event bus connected", "broker", cfg.Broker)

	appConfig := &app.Application{
		Config:   cfg,
		Logger:   log,
		EventBus: eventBus,
		Redis:    redisClient,
	}

	if err := subscribers.NotificationSubscribers(ctx, appConfig); err != nil {
		log.Error("failed to register subscribers", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	srv := httpx.NewServer(cfg.OpsAddr, opsRouter(cfg, appConfig, metricsHandler))
	go func() {
		log.Info("ops server listening", "addr", srv.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")

	// Drain the bus while handler contexts are still live, so renders and
	// sends that are already running finish and get acked. Close waits up to 30s.
	if err := eventBus.Close(); err != nil {
		log.Error("event bus close", "error", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server forced shutdown", "error", err)
	}

	log.Info("worker stopped")
}

// opsRouter serves the health and metrics endpoints.
func opsRouter(cfg *config.Config, a *app.Application, metricsHandler http.Handler) http.Handler {
	r := httpx.NewRouter(
		httpx.ServerConfig{
			ServiceName:   cfg.ServiceName,
			IsDevelopment: cfg.Environment == config.EnvDevelopment,
		},
		logger.Middleware(a.Logger),
		logger.Recovery(a.Logger),
		telemetry.SentryMiddleware(),
		otelhttp.NewMiddleware(cfg.ServiceName+"-ops"),
	)

	checks := httpx.HealthChecks{"event_bus": a.EventBus}
	if a.Redis != nil {
		checks["redis"] = a.Redis
	}
	r.Get("/health", httpx.HealthHandler(checks))
	r.Get("/metrics", metricsHandler.ServeHTTP)
	return r
}
