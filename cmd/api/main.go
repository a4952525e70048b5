package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/halcyon-dev/courier/internal/backoff"
	"github.com/halcyon-dev/courier/internal/channel"
	"github.com/halcyon-dev/courier/internal/config"
	"github.com/halcyon-dev/courier/internal/delivery"
	"github.com/halcyon-dev/courier/internal/domain"
	"github.com/halcyon-dev/courier/internal/handler"
	"github.com/halcyon-dev/courier/internal/infra/postgresql"
	"github.com/halcyon-dev/courier/internal/infra/postgresql/migrations"
	infraredis "github.com/halcyon-dev/courier/internal/infra/redis"
	"github.com/halcyon-dev/courier/internal/observability"
	"github.com/halcyon-dev/courier/internal/orchestrator"
	"github.com/halcyon-dev/courier/internal/provider"
	"github.com/halcyon-dev/courier/internal/queue"
	"github.com/halcyon-dev/courier/internal/repository"
	"github.com/halcyon-dev/courier/internal/scheduler"
	"github.com/halcyon-dev/courier/internal/transport"
)

const (
	maxOpenConns         = 25
	retryBatchLimit      = 100
	shutdownGracePeriod  = 10 * time.Second
	queueDepthSampleRate = 5 * time.Second
)

// channelPriorities fixes the fallback order the registry resolves when a
// notification does not pin its channels. Lower is tried first.
var channelPriorities = map[domain.Channel]int{
	domain.ChannelPush:     1,
	domain.ChannelSMS:      2,
	domain.ChannelEmail:    3,
	domain.ChannelWhatsApp: 4,
	domain.ChannelTelegram: 5,
	domain.ChannelUSSD:     6,
	domain.ChannelMesh:     7,
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("courier api exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, maxOpenConns)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rateLimiter, err := infraredis.NewChannelRateLimiter(rdb, cfg.RateLimitPerSec, cfg.ChannelRateLimits())
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}

	broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer broker.Close()

	events := queue.NewRabbitMQEventPublisher(broker)
	receipts := queue.NewRabbitMQReceiptConsumer(broker, 0, logger)

	registry := channel.NewRegistry(logger)
	for ch, priority := range channelPriorities {
		p, err := provider.NewWebhookProvider(ch, cfg.WebhookEndpoint(ch))
		if err != nil {
			return fmt.Errorf("provider for %s failed: %w", ch, err)
		}
		if err := registry.Register(p, priority); err != nil {
			return fmt.Errorf("registering %s failed: %w", ch, err)
		}
	}

	notificationRepo := repository.NewGormNotificationRepo(db)
	deliveryRepo := repository.NewGormDeliveryRepo(db)

	metrics := observability.NewMetrics()
	engine := backoff.NewEngine()

	executor, err := delivery.NewExecutor(deliveryRepo, notificationRepo, registry, rateLimiter, engine, logger)
	if err != nil {
		return fmt.Errorf("executor initialization failed: %w", err)
	}
	executor.SetMetrics(metrics)
	executor.SetEventPublisher(events)

	orch, err := orchestrator.NewOrchestrator(notificationRepo, deliveryRepo, executor, logger)
	if err != nil {
		return fmt.Errorf("orchestrator initialization failed: %w", err)
	}

	policy, _ := backoff.Profile(backoff.ProfileStandard)
	if base := cfg.RetryBaseDelay(); base > 0 {
		policy.BaseDelay = base
	}

	sched, err := scheduler.NewScheduler(
		notificationRepo,
		orch,
		engine,
		policy,
		cfg.SchedulerTick(),
		cfg.SchedulerMaxJobs,
		logger,
	)
	if err != nil {
		return fmt.Errorf("scheduler initialization failed: %w", err)
	}
	orch.SetJobQueue(sched)

	go func() {
		if err := sched.Start(ctx); err != nil {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}()
	defer sched.Stop()

	go sampleQueueDepth(ctx, sched, metrics)

	go func() {
		if err := receipts.Consume(ctx, executor.HandleReceipt); err != nil && ctx.Err() == nil {
			logger.Error("receipt consumer stopped", zap.Error(err))
		}
	}()

	// Re-drive notifications stranded by a previous crash.
	if retried, err := sched.RetryPending(ctx, retryBatchLimit); err != nil {
		logger.Warn("startup retry scan failed", zap.Error(err))
	} else if retried > 0 {
		logger.Info("requeued stranded notifications", zap.Int("count", retried))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(transport.RequestID())
	app.Use(metrics.HTTPMiddleware())

	if err := handler.RegisterNotificationRoutes(app, orch, notificationRepo, deliveryRepo, sched); err != nil {
		return fmt.Errorf("route registration failed: %w", err)
	}
	handler.RegisterHealthRoutes(app, sqlDB, rdb, broker)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("courier api started", zap.Int("port", cfg.APIPort))
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(shutdownGracePeriod); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	sched.Stop()
	if err := events.Close(); err != nil {
		logger.Warn("event publisher close failed", zap.Error(err))
	}

	return nil
}

// sampleQueueDepth keeps the scheduler gauge current without coupling the
// scheduler package to prometheus.
func sampleQueueDepth(ctx context.Context, sched *scheduler.Scheduler, metrics *observability.Metrics) {
	ticker := time.NewTicker(queueDepthSampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetSchedulerQueueDepth(sched.Stats().QueueDepth)
		}
	}
}
