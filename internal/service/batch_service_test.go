package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/kv"
	"github.com/kursadbilgin/email-dispatch/internal/queue"
)

func batchItems(n int) []domain.SendRequest {
	items := make([]domain.SendRequest, n)
	for i := range items {
		items[i] = domain.SendRequest{
			From:    "sender@example.com",
			To:      []string{fmt.Sprintf("user%d@example.com", i)},
			Subject: "hi",
			Text:    "body",
		}
	}
	return items
}

func newTestBatchService(t *testing.T, sender Sender, filter RecipientFilter, publisher queue.Publisher) *BatchService {
	t.Helper()

	store, _ := newTestStore(t)
	if filter == nil {
		filter = &fakeFilter{}
	}
	svc, err := NewBatchService(sender, filter, store, publisher, 100, 10, nil)
	if err != nil {
		t.Fatalf("NewBatchService() error = %v", err)
	}
	svc.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return svc
}

func TestSendBatchKeepsInputOrder(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{
		sendFn: func(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error) {
			if !opts.SkipRateLimit {
				t.Error("batch items must bypass the per-request rate limit")
			}
			var idx int
			_, _ = fmt.Sscanf(req.To[0], "user%d@example.com", &idx)
			// Later items finish first.
			time.Sleep(time.Duration(25-idx) * time.Millisecond)
			return &SendResult{Record: &domain.DeliveryRecord{ID: req.To[0], Status: domain.StatusSent}}, nil
		},
	}
	svc := newTestBatchService(t, sender, nil, nil)

	result, err := svc.SendBatch(context.Background(), batchItems(25), "client-1", domain.BatchOptions{MaxConcurrent: 10})
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.Requested != 25 || result.Sent != 25 || len(result.Results) != 25 {
		t.Fatalf("result = requested %d sent %d results %d, want 25/25/25", result.Requested, result.Sent, len(result.Results))
	}
	for i, r := range result.Results {
		if r.Index != i {
			t.Fatalf("results[%d].Index = %d", i, r.Index)
		}
		if want := fmt.Sprintf("user%d@example.com", i); r.MessageID != want {
			t.Fatalf("results[%d].MessageID = %s, want %s", i, r.MessageID, want)
		}
	}
}

func TestSendBatchIsolatesFailures(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{
		sendFn: func(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error) {
			if req.To[0] == "user1@example.com" {
				return nil, &domain.AllProvidersFailedError{Failures: []domain.ProviderFailure{{Provider: "resend", Message: "down"}}}
			}
			return &SendResult{Record: &domain.DeliveryRecord{ID: req.To[0], Status: domain.StatusSent}}, nil
		},
	}
	svc := newTestBatchService(t, sender, nil, nil)

	result, err := svc.SendBatch(context.Background(), batchItems(3), "client-1", DefaultBatchOptions())
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.Sent != 2 || result.Failed != 1 {
		t.Fatalf("sent/failed = %d/%d, want 2/1", result.Sent, result.Failed)
	}
	failed := result.Results[1]
	if failed.Success || failed.Error == nil || failed.Error.Code != domain.CodeAllProvidersFailed {
		t.Fatalf("results[1] = %+v, want ALL_PROVIDERS_FAILED", failed)
	}
}

func TestSendBatchStopOnErrorSkipsLaterChunks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	called := map[string]bool{}
	sender := &fakeSender{
		sendFn: func(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error) {
			mu.Lock()
			called[req.To[0]] = true
			mu.Unlock()
			if req.To[0] == "user1@example.com" {
				return nil, errors.New("boom")
			}
			return &SendResult{Record: &domain.DeliveryRecord{ID: req.To[0], Status: domain.StatusSent}}, nil
		},
	}
	svc := newTestBatchService(t, sender, nil, nil)

	result, err := svc.SendBatch(context.Background(), batchItems(6), "client-1", domain.BatchOptions{StopOnError: true, MaxConcurrent: 2})
	if err == nil {
		t.Fatal("SendBatch() expected error with stopOnError")
	}
	if result == nil || len(result.Results) != 2 {
		t.Fatalf("partial results = %+v, want the first chunk only", result)
	}
	for i := 2; i < 6; i++ {
		if called[fmt.Sprintf("user%d@example.com", i)] {
			t.Fatalf("item %d should not be attempted after a stopping error", i)
		}
	}
}

func TestSendBatchSkipsFullySuppressedItems(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{
		sendFn: func(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error) {
			if req.To[0] == "user0@example.com" {
				t.Error("suppressed item must not be sent")
			}
			return &SendResult{Record: &domain.DeliveryRecord{ID: req.To[0], Status: domain.StatusSent}}, nil
		},
	}
	filter := &fakeFilter{blocked: map[string]domain.SuppressionReason{"user0@example.com": domain.SuppressionReasonBounce}}
	svc := newTestBatchService(t, sender, filter, nil)

	result, err := svc.SendBatch(context.Background(), batchItems(2), "client-1", DefaultBatchOptions())
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.Skipped != 1 || result.Sent != 1 {
		t.Fatalf("skipped/sent = %d/%d, want 1/1", result.Skipped, result.Sent)
	}
	if !result.Results[0].Skipped || len(result.Results[0].Suppressed) != 1 {
		t.Fatalf("results[0] = %+v, want skipped with suppression detail", result.Results[0])
	}
}

func TestSendBatchDelaysOnlyBetweenChunks(t *testing.T) {
	t.Parallel()

	svc := newTestBatchService(t, &fakeSender{}, nil, nil)
	var delays []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	opts := domain.BatchOptions{MaxConcurrent: 2, DelayBetween: 50 * time.Millisecond}
	if _, err := svc.SendBatch(context.Background(), batchItems(5), "client-1", opts); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if len(delays) != 2 {
		t.Fatalf("delays = %v, want 2 between 3 chunks", delays)
	}
}

func TestSendBatchValidatesSize(t *testing.T) {
	t.Parallel()

	svc := newTestBatchService(t, &fakeSender{}, nil, nil)

	if _, err := svc.SendBatch(context.Background(), nil, "client-1", DefaultBatchOptions()); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty batch error = %v, want ErrValidation", err)
	}
	if _, err := svc.SendBatch(context.Background(), batchItems(101), "client-1", DefaultBatchOptions()); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("oversized batch error = %v, want ErrValidation", err)
	}
}

func TestQueueBatchRequiresPublisher(t *testing.T) {
	t.Parallel()

	svc := newTestBatchService(t, &fakeSender{}, nil, nil)
	if _, err := svc.QueueBatch(context.Background(), batchItems(1), "client-1", DefaultBatchOptions()); !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("QueueBatch() error = %v, want ErrInternal", err)
	}
}

func TestQueueAndProcessBatch(t *testing.T) {
	t.Parallel()

	var published []queue.BatchMessage
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.BatchMessage) error {
			if queueName != queue.BatchQueue {
				t.Fatalf("queue = %s, want %s", queueName, queue.BatchQueue)
			}
			published = append(published, msg)
			return nil
		},
	}
	var clients []string
	sender := &fakeSender{
		sendFn: func(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error) {
			clients = append(clients, clientID)
			if req.To[0] == "user1@example.com" {
				return nil, errors.New("boom")
			}
			return &SendResult{Record: &domain.DeliveryRecord{ID: req.To[0], Status: domain.StatusSent}}, nil
		},
	}
	svc := newTestBatchService(t, sender, nil, publisher)
	ctx := context.Background()

	queued, err := svc.QueueBatch(ctx, batchItems(3), "client-1", DefaultBatchOptions())
	if err != nil {
		t.Fatalf("QueueBatch() error = %v", err)
	}
	if queued.Status != QueuedBatchStatus || len(published) != 1 || published[0].BatchID != queued.BatchID {
		t.Fatalf("queued = %+v published = %+v", queued, published)
	}

	job, err := svc.GetBatchStatus(ctx, queued.BatchID)
	if err != nil {
		t.Fatalf("GetBatchStatus() error = %v", err)
	}
	if job.Status != domain.BatchStatusPending || job.Progress.Total != 3 {
		t.Fatalf("job = %+v, want pending with 3 items", job)
	}

	if err := svc.ProcessBatch(ctx, queued.BatchID); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	job, err = svc.GetBatchStatus(ctx, queued.BatchID)
	if err != nil {
		t.Fatalf("GetBatchStatus() error = %v", err)
	}
	if job.Status != domain.BatchStatusCompleted || job.CompletedAt == nil {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Progress.Processed != 3 || job.Progress.Sent != 2 || job.Progress.Failed != 1 {
		t.Fatalf("progress = %+v", job.Progress)
	}
	for _, c := range clients {
		if c != "client-1" {
			t.Fatalf("client id = %s, want client-1", c)
		}
	}

	results, err := svc.GetBatchResults(ctx, queued.BatchID)
	if err != nil {
		t.Fatalf("GetBatchResults() error = %v", err)
	}
	if len(results) != 3 || results[1].Success {
		t.Fatalf("results = %+v", results)
	}

	if _, err := svc.store.Get(ctx, batchItemsKey(queued.BatchID)); err == nil {
		t.Fatal("items should be removed after completion")
	}

	// Redelivery of a finished batch is a no-op.
	if err := svc.ProcessBatch(ctx, queued.BatchID); err != nil {
		t.Fatalf("second ProcessBatch() error = %v", err)
	}
	if len(clients) != 3 {
		t.Fatalf("sends = %d, want 3", len(clients))
	}
}

func TestProcessBatchResumesAfterPersistedResults(t *testing.T) {
	t.Parallel()

	var sent []string
	sender := &fakeSender{
		sendFn: func(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error) {
			sent = append(sent, req.To[0])
			return &SendResult{Record: &domain.DeliveryRecord{ID: req.To[0], Status: domain.StatusSent}}, nil
		},
	}
	svc := newTestBatchService(t, sender, nil, &fakePublisher{})
	ctx := context.Background()

	queued, err := svc.QueueBatch(ctx, batchItems(3), "client-1", DefaultBatchOptions())
	if err != nil {
		t.Fatalf("QueueBatch() error = %v", err)
	}
	prior := []domain.BatchItemResult{{Index: 0, Success: true, MessageID: "earlier"}}
	if err := svc.putJSON(ctx, batchResultsKey(queued.BatchID), prior, time.Hour); err != nil {
		t.Fatalf("seed results: %v", err)
	}

	if err := svc.ProcessBatch(ctx, queued.BatchID); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if len(sent) != 2 || sent[0] != "user1@example.com" {
		t.Fatalf("sent = %v, want items 1 and 2 only", sent)
	}
}

func TestProcessBatchStopOnErrorFailsJob(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{
		sendFn: func(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error) {
			return nil, errors.New("boom")
		},
	}
	svc := newTestBatchService(t, sender, nil, &fakePublisher{})
	ctx := context.Background()

	queued, err := svc.QueueBatch(ctx, batchItems(3), "client-1", domain.BatchOptions{StopOnError: true})
	if err != nil {
		t.Fatalf("QueueBatch() error = %v", err)
	}
	if err := svc.ProcessBatch(ctx, queued.BatchID); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	job, _ := svc.GetBatchStatus(ctx, queued.BatchID)
	if job.Status != domain.BatchStatusFailed || job.Progress.Processed != 1 {
		t.Fatalf("job = %+v, want failed after first item", job)
	}
}

func TestProcessBatchMissingIsNotFound(t *testing.T) {
	t.Parallel()

	svc := newTestBatchService(t, &fakeSender{}, nil, nil)
	if err := svc.ProcessBatch(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ProcessBatch() error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetBatchResults(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetBatchResults() error = %v, want ErrNotFound", err)
	}
}

func TestCancelBatch(t *testing.T) {
	t.Parallel()

	svc := newTestBatchService(t, &fakeSender{}, nil, &fakePublisher{})
	ctx := context.Background()

	queued, err := svc.QueueBatch(ctx, batchItems(2), "client-1", DefaultBatchOptions())
	if err != nil {
		t.Fatalf("QueueBatch() error = %v", err)
	}

	job, err := svc.CancelBatch(ctx, queued.BatchID)
	if err != nil {
		t.Fatalf("CancelBatch() error = %v", err)
	}
	if job.Status != domain.BatchStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if _, err := svc.store.Get(ctx, batchOptionsKey(queued.BatchID)); err == nil {
		t.Fatal("options should be removed on cancel")
	}

	if _, err := svc.CancelBatch(ctx, queued.BatchID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second CancelBatch() error = %v, want ErrConflict", err)
	}
	if _, err := svc.CancelBatch(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("CancelBatch(missing) error = %v, want ErrNotFound", err)
	}
}

// swapHookStore runs beforeSwapFn once, right before the next compare-and-swap.
type swapHookStore struct {
	kv.Store
	beforeSwapFn func(ctx context.Context, key string)
}

func (s *swapHookStore) CompareAndSwap(ctx context.Context, key string, old string, value string, ttl time.Duration) (bool, error) {
	if fn := s.beforeSwapFn; fn != nil {
		s.beforeSwapFn = nil
		fn(ctx, key)
	}
	return s.Store.CompareAndSwap(ctx, key, old, value, ttl)
}

func TestBatchStatusTransitionsLoseToConcurrentWriter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		interleave domain.BatchStatus
		run        func(ctx context.Context, svc *BatchService, batchID string) error
		wantErr    error
		wantStatus domain.BatchStatus
	}{
		{
			name:       "cancel after a worker claimed the batch",
			interleave: domain.BatchStatusProcessing,
			run: func(ctx context.Context, svc *BatchService, batchID string) error {
				_, err := svc.CancelBatch(ctx, batchID)
				return err
			},
			wantErr:    domain.ErrConflict,
			wantStatus: domain.BatchStatusProcessing,
		},
		{
			name:       "worker claim after the batch was cancelled",
			interleave: domain.BatchStatusFailed,
			run: func(ctx context.Context, svc *BatchService, batchID string) error {
				return svc.ProcessBatch(ctx, batchID)
			},
			wantStatus: domain.BatchStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var sends atomic.Int32
			sender := &fakeSender{
				sendFn: func(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error) {
					sends.Add(1)
					return &SendResult{Record: &domain.DeliveryRecord{ID: req.To[0], Status: domain.StatusSent}}, nil
				},
			}
			svc := newTestBatchService(t, sender, nil, &fakePublisher{})
			ctx := context.Background()

			queued, err := svc.QueueBatch(ctx, batchItems(2), "client-1", DefaultBatchOptions())
			if err != nil {
				t.Fatalf("QueueBatch() error = %v", err)
			}

			hooked := &swapHookStore{Store: svc.store}
			hooked.beforeSwapFn = func(ctx context.Context, key string) {
				job, err := svc.GetBatchStatus(ctx, queued.BatchID)
				if err != nil {
					t.Errorf("GetBatchStatus() error = %v", err)
					return
				}
				job.Status = tt.interleave
				if err := svc.putJSON(ctx, key, job, time.Hour); err != nil {
					t.Errorf("putJSON() error = %v", err)
				}
			}
			svc.store = hooked

			err = tt.run(ctx, svc, queued.BatchID)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("run() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("run() error = %v, want %v", err, tt.wantErr)
			}

			job, err := svc.GetBatchStatus(ctx, queued.BatchID)
			if err != nil {
				t.Fatalf("GetBatchStatus() error = %v", err)
			}
			if job.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", job.Status, tt.wantStatus)
			}
			if got := sends.Load(); got != 0 {
				t.Fatalf("sends = %d, want 0", got)
			}
		})
	}
}

func TestCancelRacingProcessHasOneWinner(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		var sends atomic.Int32
		sender := &fakeSender{
			sendFn: func(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error) {
				sends.Add(1)
				return &SendResult{Record: &domain.DeliveryRecord{ID: req.To[0], Status: domain.StatusSent}}, nil
			},
		}
		svc := newTestBatchService(t, sender, nil, &fakePublisher{})
		ctx := context.Background()

		queued, err := svc.QueueBatch(ctx, batchItems(2), "client-1", DefaultBatchOptions())
		if err != nil {
			t.Fatalf("QueueBatch() error = %v", err)
		}

		var (
			wg         sync.WaitGroup
			cancelErr  error
			processErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = svc.CancelBatch(ctx, queued.BatchID)
		}()
		go func() {
			defer wg.Done()
			processErr = svc.ProcessBatch(ctx, queued.BatchID)
		}()
		wg.Wait()

		if processErr != nil {
			t.Fatalf("ProcessBatch() error = %v", processErr)
		}
		job, err := svc.GetBatchStatus(ctx, queued.BatchID)
		if err != nil {
			t.Fatalf("GetBatchStatus() error = %v", err)
		}

		switch {
		case cancelErr == nil:
			if job.Status != domain.BatchStatusFailed || sends.Load() != 0 {
				t.Fatalf("cancel won but status = %s sends = %d", job.Status, sends.Load())
			}
		case errors.Is(cancelErr, domain.ErrConflict):
			if job.Status != domain.BatchStatusCompleted || sends.Load() != 2 {
				t.Fatalf("worker won but status = %s sends = %d", job.Status, sends.Load())
			}
		default:
			t.Fatalf("CancelBatch() error = %v", cancelErr)
		}
	}
}

func TestGetBatchResultsBeforeProcessingIsEmpty(t *testing.T) {
	t.Parallel()

	svc := newTestBatchService(t, &fakeSender{}, nil, &fakePublisher{})
	ctx := context.Background()

	queued, err := svc.QueueBatch(ctx, batchItems(2), "client-1", DefaultBatchOptions())
	if err != nil {
		t.Fatalf("QueueBatch() error = %v", err)
	}

	results, err := svc.GetBatchResults(ctx, queued.BatchID)
	if err != nil {
		t.Fatalf("GetBatchResults() error = %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("results = %#v, want empty list", results)
	}
}
