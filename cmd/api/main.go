package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/email-dispatch/internal/config"
	"github.com/kursadbilgin/email-dispatch/internal/handler"
	"github.com/kursadbilgin/email-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/email-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/email-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/email-dispatch/internal/observability"
	"github.com/kursadbilgin/email-dispatch/internal/provider"
	"github.com/kursadbilgin/email-dispatch/internal/queue"
	"github.com/kursadbilgin/email-dispatch/internal/repository"
	"github.com/kursadbilgin/email-dispatch/internal/service"
	"github.com/kursadbilgin/email-dispatch/internal/transport"
	"github.com/kursadbilgin/email-dispatch/internal/webhook"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	schedulerLimit  = 100
	shutdownTimeout = 15 * time.Second
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "email-dispatch-api")
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("email-dispatch api stopped with error", zap.Error(err))
	}
	logger.Info("email-dispatch api stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.DefaultPoolOptions())
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

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer mq.Close()
	publisher := queue.NewRabbitMQPublisher(mq)

	store, err := infraredis.NewStore(rdb)
	if err != nil {
		return err
	}
	limiter, err := infraredis.NewSlidingWindowLimiter(rdb, cfg.RateLimitMax, cfg.RateLimitWindow)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	guard := provider.DefaultGuardOptions()
	guard.OnStateChange = func(name string, from, to gobreaker.State) {
		metrics.SetBreakerState(name, to.String())
		logger.Warn("provider circuit breaker state changed",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	providers, err := provider.NewFromConfig(ctx, cfg, guard, logger)
	if err != nil {
		return err
	}

	deliveries := repository.NewGormDeliveryRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	events := repository.NewGormWebhookEventRepo(db)

	suppressions, err := service.NewSuppressionService(
		repository.NewGormSuppressionRepo(db), store, cfg.SuppressionCacheTTL, logger)
	if err != nil {
		return err
	}

	dispatch, err := service.NewDispatchService(
		deliveries, attempts, events, suppressions, limiter, providers, cfg.ProviderTimeout, logger)
	if err != nil {
		return err
	}
	dispatch.SetMetrics(metrics)

	batches, err := service.NewBatchService(
		dispatch, suppressions, store, publisher, cfg.BatchMaxSize, cfg.BatchDefaultConcurrency, logger)
	if err != nil {
		return err
	}
	batches.SetMetrics(metrics)

	webhooks, err := service.NewWebhookService(
		webhook.DefaultRegistry(), cfg.WebhookSecrets(), store, events, deliveries, suppressions, logger)
	if err != nil {
		return err
	}
	webhooks.SetMetrics(metrics)

	analytics, err := service.NewAnalyticsService(
		repository.NewGormAnalyticsRepo(db), store, cfg.AnalyticsCacheTTL, logger)
	if err != nil {
		return err
	}

	scheduler, err := service.NewScheduler(deliveries, dispatch, cfg.SchedulerInterval, schedulerLimit, logger)
	if err != nil {
		return err
	}
	sweeper, err := service.NewSuppressionSweeper(suppressions, cfg.SuppressionSweepInterval, logger)
	if err != nil {
		return err
	}
	sweeper.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:               "email-dispatch",
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
		BodyLimit:             25 * 1024 * 1024,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, map[string]handler.Check{
		"postgres": handler.PostgresCheck(sqlDB),
		"redis":    handler.RedisCheck(rdb),
		"rabbitmq": mq.Ping,
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	err = handler.RegisterRoutes(app, handler.Services{
		Emails:       dispatch,
		Batches:      batches,
		Suppressions: suppressions,
		Webhooks:     webhooks,
		Analytics:    analytics,
		Providers:    providers,
		Limiter:      limiter,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Start(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })
	g.Go(func() error {
		logger.Info("email-dispatch api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	return g.Wait()
}
