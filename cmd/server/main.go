package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/web-push-notification/internal/api"
	"github.com/notifyhub/web-push-notification/internal/config"
	"github.com/notifyhub/web-push-notification/internal/content"
	"github.com/notifyhub/web-push-notification/internal/db"
	"github.com/notifyhub/web-push-notification/internal/dispatcher"
	"github.com/notifyhub/web-push-notification/internal/metrics"
	"github.com/notifyhub/web-push-notification/internal/pruner"
	"github.com/notifyhub/web-push-notification/internal/queue"
	"github.com/notifyhub/web-push-notification/internal/ratelimiter"
	"github.com/notifyhub/web-push-notification/internal/repository"
	"github.com/notifyhub/web-push-notification/internal/service"
	"github.com/notifyhub/web-push-notification/internal/settings"
	"github.com/notifyhub/web-push-notification/internal/transport"
	"github.com/notifyhub/web-push-notification/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	// ---- delivery queue ----
	var q queue.Queue
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		rdb, err := db.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		q = queue.NewRedisQueue(rdb, cfg.RedisQueuePrefix, cfg.QueueLease)
	case config.QueueBackendMemory:
		logger.Warn("in-memory delivery queue: pending notifications are lost on restart")
		q = queue.NewMemoryQueue(cfg.QueueLease)
	default:
		q = queue.NewPostgresQueue(pool, cfg.QueueLease)
	}
	logger.Info("delivery queue ready", zap.String("backend", cfg.QueueBackend))

	// ---- site push settings ----
	store, err := settings.Open(cfg.SettingsPath, logger)
	if err != nil {
		logger.Fatal("failed to load push settings", zap.Error(err))
	}
	if !store.Get().HasKeys() {
		logger.Warn("vapid keys are not configured, sends are refused until they are generated")
	}

	// Context for all background goroutines; cancelled on shutdown signal.
	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()

	go func() {
		if err := store.Watch(bgCtx); err != nil {
			logger.Error("settings watcher stopped", zap.Error(err))
		}
	}()

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	metrics.RegisterQueueDepth(reg, q)

	subs := repository.NewPgSubscriptionRepository(pool)
	limiters := ratelimiter.New(cfg.PushRateLimit)
	transports := transport.NewWebPushFactory(transport.Config{
		Subscriber:  cfg.VAPIDSubject,
		Timeout:     cfg.PushTimeout,
		Concurrency: cfg.PushConcurrency,
	}, store, limiters, logger)
	pr := pruner.New(subs, logger, m.OnPruned)

	// ---- worker pool ----
	onDelivery, onEntry, onFlush := m.WorkerHooks()
	workers := worker.NewPool(cfg.Workers, q, subs, transports, pr, worker.Config{
		MaxAttempts: cfg.QueueMaxAttempts,
		Backoff:     cfg.RetryBackoff,
	}, logger, worker.MetricHooks{
		OnDelivery: onDelivery,
		OnEntry:    onEntry,
		OnFlush:    onFlush,
	})

	scheduler, err := worker.NewScheduler(cfg.DrainSchedule, workers, logger)
	if err != nil {
		logger.Fatal("invalid DRAIN_SCHEDULE", zap.Error(err))
	}
	scheduler.Start()

	svc := service.NewPushService(
		subs,
		store,
		dispatcher.New(subs, q, store, logger),
		content.NewBuilder(content.NewMediaResolver(cfg.SiteBaseURL)),
		workers,
		q,
		logger,
		scheduler.Trigger,
	)

	// ---- HTTP server ----
	router := api.NewRouter(svc, reg, cfg.AdminToken, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Cancel running drains; in-flight entries are released back to
	//    the queue before Stop returns.
	scheduler.Stop()

	// 3. Stop the settings watcher.
	cancelBackground()

	logger.Info("server stopped cleanly")
}
