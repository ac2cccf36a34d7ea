package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/kv"
	"github.com/kursadbilgin/email-dispatch/internal/observability"
	"github.com/kursadbilgin/email-dispatch/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchMaxSize     = 1000
	DefaultBatchConcurrency = 10

	batchStatusTTL  = 7 * 24 * time.Hour
	batchResultsTTL = 7 * 24 * time.Hour
	batchPayloadTTL = 24 * time.Hour

	batchModeSync  = "sync"
	batchModeAsync = "async"

	// QueuedBatchStatus is reported to callers of QueueBatch.
	QueuedBatchStatus = "queued"
)

// Sender delivers one email. DispatchService satisfies it.
type Sender interface {
	Send(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error)
}

// QueuedBatch acknowledges an accepted async batch.
type QueuedBatch struct {
	BatchID string `json:"batchId"`
	Status  string `json:"status"`
}

type storedBatchOptions struct {
	domain.BatchOptions
	ClientID string `json:"clientId"`
}

// DefaultBatchOptions skips fully suppressed items and runs ten sends at a time.
func DefaultBatchOptions() domain.BatchOptions {
	return domain.BatchOptions{
		SkipSuppressed: true,
		MaxConcurrent:  DefaultBatchConcurrency,
	}
}

type BatchService struct {
	sender       Sender
	suppressions RecipientFilter
	store        kv.Store
	publisher    queue.Publisher
	maxSize      int
	concurrency  int
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewBatchService(
	sender Sender,
	suppressions RecipientFilter,
	store kv.Store,
	publisher queue.Publisher,
	maxSize int,
	concurrency int,
	logger *zap.Logger,
) (*BatchService, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if suppressions == nil {
		return nil, fmt.Errorf("suppression filter is required")
	}
	if store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if maxSize <= 0 {
		maxSize = DefaultBatchMaxSize
	}
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchService{
		sender:       sender,
		suppressions: suppressions,
		store:        store,
		publisher:    publisher,
		maxSize:      maxSize,
		concurrency:  concurrency,
		logger:       logger,
		now:          time.Now,
		sleep:        sleepContext,
	}, nil
}

func (s *BatchService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// SendBatch dispatches items in chunks of MaxConcurrent. Each chunk finishes
// before the next starts; results are reported in input order.
func (s *BatchService) SendBatch(
	ctx context.Context,
	items []domain.SendRequest,
	clientID string,
	opts domain.BatchOptions,
) (*domain.BatchResult, error) {
	if err := s.validateSize(len(items)); err != nil {
		return nil, err
	}
	opts = s.normalizeOptions(opts)

	start := s.now()
	batchID := uuid.NewString()
	ctx = observability.WithBatchID(ctx, batchID)
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.Int("items", len(items)))

	slots := make([]*domain.BatchItemResult, len(items))
	var stopErr error

	for chunkStart := 0; chunkStart < len(items); chunkStart += opts.MaxConcurrent {
		if chunkStart > 0 && opts.DelayBetween > 0 {
			if err := s.sleep(ctx, opts.DelayBetween); err != nil {
				stopErr = err
				break
			}
		}

		chunkEnd := min(chunkStart+opts.MaxConcurrent, len(items))

		// In-flight items always run to completion, so no derived context.
		var g errgroup.Group
		for i := chunkStart; i < chunkEnd; i++ {
			g.Go(func() error {
				result, err := s.processItem(ctx, i, items[i], clientID, opts.SkipSuppressed)
				slots[i] = &result
				s.metrics.IncBatchItem(batchModeSync, itemOutcome(result))
				if err != nil && opts.StopOnError {
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			stopErr = err
			break
		}
	}

	result := &domain.BatchResult{
		BatchID:   batchID,
		Requested: len(items),
		Results:   make([]domain.BatchItemResult, 0, len(items)),
	}
	for _, slot := range slots {
		if slot == nil {
			continue
		}
		result.Results = append(result.Results, *slot)
		switch {
		case slot.Success:
			result.Sent++
		case slot.Skipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}
	result.Timestamp = s.now().UTC()
	result.Duration = result.Timestamp.Sub(start)

	logger.Info("batch finished",
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Duration("duration", result.Duration),
	)

	if stopErr != nil {
		return result, fmt.Errorf("batch %s stopped: %w", batchID, stopErr)
	}
	return result, nil
}

// QueueBatch stores the batch in the KV store and publishes it for the worker.
func (s *BatchService) QueueBatch(
	ctx context.Context,
	items []domain.SendRequest,
	clientID string,
	opts domain.BatchOptions,
) (*QueuedBatch, error) {
	if s.publisher == nil {
		return nil, fmt.Errorf("%w: queue is not configured for async batches", domain.ErrInternal)
	}
	if err := s.validateSize(len(items)); err != nil {
		return nil, err
	}
	opts = s.normalizeOptions(opts)

	batchID := uuid.NewString()
	now := s.now().UTC()
	job := &domain.BatchJob{
		BatchID:   batchID,
		ClientID:  clientID,
		Status:    domain.BatchStatusPending,
		Progress:  domain.BatchProgress{Total: len(items)},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.putJSON(ctx, batchItemsKey(batchID), items, batchPayloadTTL); err != nil {
		return nil, err
	}
	if err := s.putJSON(ctx, batchOptionsKey(batchID), storedBatchOptions{BatchOptions: opts, ClientID: clientID}, batchPayloadTTL); err != nil {
		return nil, err
	}
	if err := s.saveJob(ctx, job); err != nil {
		return nil, err
	}

	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	msg := queue.BatchMessage{
		BatchID:       batchID,
		ClientID:      clientID,
		CorrelationID: correlationID,
	}
	if err := s.publisher.Publish(ctx, queue.BatchQueue, msg); err != nil {
		s.logger.Error("failed to publish batch",
			zap.String("batchId", batchID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to publish batch: %w", err)
	}

	s.logger.Info("batch queued", zap.String("batchId", batchID), zap.Int("items", len(items)))
	return &QueuedBatch{BatchID: batchID, Status: QueuedBatchStatus}, nil
}

// ProcessBatch runs a queued batch sequentially. A redelivered batch resumes
// after the last persisted result.
func (s *BatchService) ProcessBatch(ctx context.Context, batchID string) error {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	job, raw, err := s.loadJob(ctx, batchID)
	if err != nil {
		return err
	}
	if job.Status == domain.BatchStatusPending {
		startedAt := s.now().UTC()
		job.Status = domain.BatchStatusProcessing
		job.StartedAt = &startedAt
		claimed, err := s.swapJob(ctx, job, raw)
		if err != nil {
			return err
		}
		if !claimed {
			// Cancelled or picked up by another worker since the read.
			s.logger.Info("batch status changed concurrently, skipping", zap.String("batchId", batchID))
			return nil
		}
	}
	if job.Status.IsFinished() {
		s.logger.Info("batch already finished, skipping",
			zap.String("batchId", batchID),
			zap.String("status", job.Status.String()),
		)
		return nil
	}

	var items []domain.SendRequest
	if err := s.getJSON(ctx, batchItemsKey(batchID), &items); err != nil {
		return err
	}
	var opts storedBatchOptions
	if err := s.getJSON(ctx, batchOptionsKey(batchID), &opts); err != nil {
		return err
	}

	results, err := s.GetBatchResults(ctx, batchID)
	if err != nil {
		return err
	}

	logger := s.logger.With(zap.String("batchId", batchID), zap.String("clientId", opts.ClientID))

	for i := len(results); i < len(items); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, itemErr := s.processItem(ctx, i, items[i], opts.ClientID, opts.SkipSuppressed)
		results = append(results, result)
		s.metrics.IncBatchItem(batchModeAsync, itemOutcome(result))

		job.Progress.Processed++
		switch {
		case result.Success:
			job.Progress.Sent++
		case result.Skipped:
			job.Progress.Skipped++
		default:
			job.Progress.Failed++
		}

		if err := s.putJSON(ctx, batchResultsKey(batchID), results, batchResultsTTL); err != nil {
			return err
		}
		if err := s.saveJob(ctx, job); err != nil {
			return err
		}

		if itemErr != nil && opts.StopOnError {
			logger.Warn("batch stopped on item error", zap.Int("index", i), zap.Error(itemErr))
			return s.finish(ctx, job, domain.BatchStatusFailed, itemErr.Error())
		}
	}

	logger.Info("batch completed",
		zap.Int("sent", job.Progress.Sent),
		zap.Int("failed", job.Progress.Failed),
		zap.Int("skipped", job.Progress.Skipped),
	)
	return s.finish(ctx, job, domain.BatchStatusCompleted, "")
}

// FailBatch marks a job failed after the worker gave up on it.
func (s *BatchService) FailBatch(ctx context.Context, batchID string, reason string) error {
	job, err := s.GetBatchStatus(ctx, batchID)
	if err != nil {
		return err
	}
	if job.Status.IsFinished() {
		return nil
	}
	return s.finish(ctx, job, domain.BatchStatusFailed, reason)
}

func (s *BatchService) GetBatchStatus(ctx context.Context, batchID string) (*domain.BatchJob, error) {
	var job domain.BatchJob
	if err := s.getJSON(ctx, batchStatusKey(batchID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetBatchResults returns an empty list for a known batch that has no
// persisted results yet.
func (s *BatchService) GetBatchResults(ctx context.Context, batchID string) ([]domain.BatchItemResult, error) {
	var results []domain.BatchItemResult
	err := s.getJSON(ctx, batchResultsKey(batchID), &results)
	if errors.Is(err, domain.ErrNotFound) {
		known, existsErr := s.store.Exists(ctx, batchStatusKey(batchID))
		if existsErr != nil {
			return nil, fmt.Errorf("failed to check batch %s: %w", batchID, existsErr)
		}
		if known {
			return []domain.BatchItemResult{}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results, nil
}

// CancelBatch fails a job that has not started yet and drops its payload.
func (s *BatchService) CancelBatch(ctx context.Context, batchID string) (*domain.BatchJob, error) {
	job, raw, err := s.loadJob(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.BatchStatusPending {
		return nil, cancelConflict(batchID, job.Status)
	}

	completedAt := s.now().UTC()
	job.Status = domain.BatchStatusFailed
	job.Error = "cancelled"
	job.CompletedAt = &completedAt
	cancelled, err := s.swapJob(ctx, job, raw)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		current, err := s.GetBatchStatus(ctx, batchID)
		if err != nil {
			return nil, err
		}
		return nil, cancelConflict(batchID, current.Status)
	}

	s.dropPayload(ctx, batchID)
	s.logger.Info("batch cancelled", zap.String("batchId", batchID))
	return job, nil
}

func cancelConflict(batchID string, status domain.BatchStatus) error {
	return fmt.Errorf("%w: batch %s is %s and can no longer be cancelled", domain.ErrConflict, batchID, status)
}

func (s *BatchService) processItem(
	ctx context.Context,
	index int,
	item domain.SendRequest,
	clientID string,
	skipSuppressed bool,
) (domain.BatchItemResult, error) {
	item.Normalize()
	result := domain.BatchItemResult{
		Index:      index,
		Recipients: item.Recipients(),
	}

	if skipSuppressed {
		filtered, err := s.suppressions.FilterSuppressed(ctx, item.Recipients())
		if err != nil {
			result.Error = itemError(err)
			result.ProcessedAt = s.now().UTC()
			return result, err
		}
		if len(filtered.Allowed) == 0 && len(filtered.Suppressed) > 0 {
			result.Skipped = true
			result.Suppressed = filtered.Suppressed
			result.ProcessedAt = s.now().UTC()
			return result, nil
		}
	}

	sent, err := s.sender.Send(ctx, &item, clientID, SendOptions{SkipRateLimit: true})
	result.ProcessedAt = s.now().UTC()
	if err != nil {
		result.Error = itemError(err)
		if blocked := (*domain.RecipientBlockedError)(nil); errors.As(err, &blocked) {
			result.Suppressed = blocked.Recipients
		}
		return result, err
	}

	result.Success = true
	result.MessageID = sent.Record.ID
	result.Status = sent.Record.Status
	result.Suppressed = sent.Suppressed
	return result, nil
}

func (s *BatchService) finish(ctx context.Context, job *domain.BatchJob, status domain.BatchStatus, reason string) error {
	completedAt := s.now().UTC()
	job.Status = status
	job.Error = reason
	job.CompletedAt = &completedAt
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	s.dropPayload(ctx, job.BatchID)
	return nil
}

func (s *BatchService) dropPayload(ctx context.Context, batchID string) {
	if err := s.store.Delete(ctx, batchItemsKey(batchID), batchOptionsKey(batchID)); err != nil {
		s.logger.Warn("failed to drop batch payload", zap.String("batchId", batchID), zap.Error(err))
	}
}

func (s *BatchService) validateSize(n int) error {
	if n == 0 {
		return fmt.Errorf("%w: batch must contain at least one email", domain.ErrValidation)
	}
	if n > s.maxSize {
		return fmt.Errorf("%w: batch size %d exceeds maximum of %d emails", domain.ErrValidation, n, s.maxSize)
	}
	return nil
}

func (s *BatchService) normalizeOptions(opts domain.BatchOptions) domain.BatchOptions {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = s.concurrency
	}
	if opts.DelayBetween < 0 {
		opts.DelayBetween = 0
	}
	return opts
}

func (s *BatchService) saveJob(ctx context.Context, job *domain.BatchJob) error {
	job.UpdatedAt = s.now().UTC()
	return s.putJSON(ctx, batchStatusKey(job.BatchID), job, batchStatusTTL)
}

// loadJob returns the job with the raw stored value it was decoded from.
func (s *BatchService) loadJob(ctx context.Context, batchID string) (*domain.BatchJob, string, error) {
	key := batchStatusKey(batchID)
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load %s: %w", key, err)
	}
	var job domain.BatchJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, "", fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &job, raw, nil
}

// swapJob stores job only if the status key still holds previous.
func (s *BatchService) swapJob(ctx context.Context, job *domain.BatchJob, previous string) (bool, error) {
	job.UpdatedAt = s.now().UTC()
	key := batchStatusKey(job.BatchID)
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	swapped, err := s.store.CompareAndSwap(ctx, key, previous, string(data), batchStatusTTL)
	if err != nil {
		return false, fmt.Errorf("failed to update %s: %w", key, err)
	}
	return swapped, nil
}

func (s *BatchService) putJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.store.Set(ctx, key, string(data), ttl); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (s *BatchService) getJSON(ctx context.Context, key string, dest any) error {
	data, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func itemError(err error) *domain.BatchItemError {
	return &domain.BatchItemError{Code: domain.ErrorCode(err), Message: err.Error()}
}

func itemOutcome(result domain.BatchItemResult) string {
	switch {
	case result.Success:
		return "sent"
	case result.Skipped:
		return "skipped"
	}
	return "failed"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func batchStatusKey(id string) string  { return "batch:" + id + ":status" }
func batchItemsKey(id string) string   { return "batch:" + id + ":items" }
func batchOptionsKey(id string) string { return "batch:" + id + ":options" }
func batchResultsKey(id string) string { return "batch:" + id + ":results" }
