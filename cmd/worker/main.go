package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/email-dispatch/internal/config"
	"github.com/kursadbilgin/email-dispatch/internal/handler"
	"github.com/kursadbilgin/email-dispatch/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/email-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/email-dispatch/internal/observability"
	"github.com/kursadbilgin/email-dispatch/internal/provider"
	"github.com/kursadbilgin/email-dispatch/internal/queue"
	"github.com/kursadbilgin/email-dispatch/internal/repository"
	"github.com/kursadbilgin/email-dispatch/internal/service"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "email-dispatch-worker")
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("email-dispatch worker stopped with error", zap.Error(err))
	}
	logger.Info("email-dispatch worker stopped")
}

// run consumes queued batches. Migrations are owned by the api process.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
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
	guard.OnStateChange = func(name string, _, to gobreaker.State) {
		metrics.SetBreakerState(name, to.String())
	}
	providers, err := provider.NewFromConfig(ctx, cfg, guard, logger)
	if err != nil {
		return err
	}

	deliveries := repository.NewGormDeliveryRepo(db)
	suppressions, err := service.NewSuppressionService(
		repository.NewGormSuppressionRepo(db), store, cfg.SuppressionCacheTTL, logger)
	if err != nil {
		return err
	}

	dispatch, err := service.NewDispatchService(
		deliveries,
		repository.NewGormAttemptRepo(db),
		repository.NewGormWebhookEventRepo(db),
		suppressions,
		limiter,
		providers,
		cfg.ProviderTimeout,
		logger,
	)
	if err != nil {
		return err
	}
	dispatch.SetMetrics(metrics)

	// The worker only processes batches, so it never publishes.
	batches, err := service.NewBatchService(
		dispatch, suppressions, store, nil, cfg.BatchMaxSize, cfg.BatchDefaultConcurrency, logger)
	if err != nil {
		return err
	}
	batches.SetMetrics(metrics)

	consumer := queue.NewRabbitMQConsumer(mq, cfg.WorkerConcurrency, logger)
	defer consumer.Close()

	worker, err := service.NewBatchWorker(batches, consumer, cfg.WorkerConcurrency, cfg.BatchMaxRetries, logger)
	if err != nil {
		return err
	}
	worker.SetMetrics(metrics)

	ops := fiber.New(fiber.Config{DisableStartupMessage: true})
	handler.RegisterHealthRoutes(ops, map[string]handler.Check{
		"postgres": handler.PostgresCheck(sqlDB),
		"redis":    handler.RedisCheck(rdb),
		"rabbitmq": mq.Ping,
	})
	ops.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("email-dispatch worker started",
			zap.Int("concurrency", cfg.WorkerConcurrency),
			zap.Int("metricsPort", cfg.WorkerMetricsPort),
		)
		return worker.Start(gctx)
	})
	g.Go(func() error {
		if err := ops.Listen(fmt.Sprintf(":%d", cfg.WorkerMetricsPort)); err != nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return ops.Shutdown()
	})

	return g.Wait()
}
