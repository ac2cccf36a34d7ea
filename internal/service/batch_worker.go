package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/observability"
	"github.com/kursadbilgin/email-dispatch/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency   = 1
	defaultBatchMaxRetries = 5
	baseRetryDelay         = time.Second
	maxRetryDelay          = 60 * time.Second
)

// BatchProcessor runs and fails queued batches. BatchService satisfies it.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batchID string) error
	FailBatch(ctx context.Context, batchID string, reason string) error
}

// BatchWorker consumes queued batches and processes them with bounded retries.
type BatchWorker struct {
	batches     BatchProcessor
	consumer    queue.Consumer
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	maxRetries  int
	newBackOff  func() backoff.BackOff
}

func NewBatchWorker(
	batches BatchProcessor,
	consumer queue.Consumer,
	concurrency int,
	maxRetries int,
	logger *zap.Logger,
) (*BatchWorker, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch processor is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if maxRetries < 0 {
		maxRetries = defaultBatchMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchWorker{
		batches:     batches,
		consumer:    consumer,
		logger:      logger,
		concurrency: concurrency,
		maxRetries:  maxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = baseRetryDelay
			b.MaxInterval = maxRetryDelay
			b.MaxElapsedTime = 0
			return b
		},
	}, nil
}

func (w *BatchWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Start consumes the batch queue until context cancellation.
func (w *BatchWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := w.consumer.Consume(groupCtx, queueName, w.processMessage)
			if err != nil {
				w.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage always acknowledges once retries are exhausted; the job is
// marked failed instead of being redelivered forever.
func (w *BatchWorker) processMessage(ctx context.Context, msg queue.BatchMessage) error {
	ctx = observability.WithBatchID(observability.WithCorrelationID(ctx, msg.CorrelationID), msg.BatchID)
	logger := observability.WithContextLogger(w.logger, ctx)

	w.metrics.IncWorkerInFlight(queue.BatchQueue)
	defer w.metrics.DecWorkerInFlight(queue.BatchQueue)

	attempt := 0
	operation := func() error {
		attempt++
		err := w.batches.ProcessBatch(ctx, msg.BatchID)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
			return backoff.Permanent(err)
		}
		logger.Warn("batch processing failed, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), uint64(w.maxRetries)), ctx)
	err := backoff.Retry(operation, policy)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// Shutdown: leave the message for redelivery.
		return ctx.Err()
	}

	logger.Error("batch processing gave up",
		zap.Int("attempts", attempt),
		zap.Error(err),
	)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if failErr := w.batches.FailBatch(context.WithoutCancel(ctx), msg.BatchID, err.Error()); failErr != nil {
		logger.Error("failed to mark batch as failed", zap.Error(failErr))
	}
	return nil
}
