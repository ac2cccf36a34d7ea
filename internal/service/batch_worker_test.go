package service

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/queue"
)

func newTestBatchWorker(t *testing.T, processor BatchProcessor, maxRetries int) *BatchWorker {
	t.Helper()

	worker, err := NewBatchWorker(processor, &fakeConsumer{}, 1, maxRetries, nil)
	if err != nil {
		t.Fatalf("NewBatchWorker() error = %v", err)
	}
	worker.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return worker
}

func TestBatchWorkerProcessesMessage(t *testing.T) {
	t.Parallel()

	var got string
	worker := newTestBatchWorker(t, &fakeBatchProcessor{
		processFn: func(ctx context.Context, batchID string) error {
			got = batchID
			return nil
		},
	}, 3)

	if err := worker.processMessage(context.Background(), queue.BatchMessage{BatchID: "b-1"}); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}
	if got != "b-1" {
		t.Fatalf("processed batch = %s, want b-1", got)
	}
}

func TestBatchWorkerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	worker := newTestBatchWorker(t, &fakeBatchProcessor{
		processFn: func(ctx context.Context, batchID string) error {
			calls++
			if calls < 3 {
				return errors.New("redis timeout")
			}
			return nil
		},
		failFn: func(ctx context.Context, batchID string, reason string) error {
			t.Fatal("batch should not be failed after a successful retry")
			return nil
		},
	}, 5)

	if err := worker.processMessage(context.Background(), queue.BatchMessage{BatchID: "b-1"}); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestBatchWorkerFailsBatchAfterRetryCeiling(t *testing.T) {
	t.Parallel()

	calls := 0
	failed := ""
	worker := newTestBatchWorker(t, &fakeBatchProcessor{
		processFn: func(ctx context.Context, batchID string) error {
			calls++
			return errors.New("redis timeout")
		},
		failFn: func(ctx context.Context, batchID string, reason string) error {
			failed = batchID
			return nil
		},
	}, 2)

	// Exhaustion acknowledges the message.
	if err := worker.processMessage(context.Background(), queue.BatchMessage{BatchID: "b-1"}); err != nil {
		t.Fatalf("processMessage() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", calls)
	}
	if failed != "b-1" {
		t.Fatalf("failed batch = %q, want b-1", failed)
	}
}

func TestBatchWorkerDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	failCalls := 0
	worker := newTestBatchWorker(t, &fakeBatchProcessor{
		processFn: func(ctx context.Context, batchID string) error {
			calls++
			return domain.ErrNotFound
		},
		failFn: func(ctx context.Context, batchID string, reason string) error {
			failCalls++
			return nil
		},
	}, 5)

	if err := worker.processMessage(context.Background(), queue.BatchMessage{BatchID: "gone"}); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if failCalls != 0 {
		t.Fatal("a batch that no longer exists cannot be failed")
	}
}

func TestBatchWorkerStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	consumed := make(chan string, 2)
	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			consumed <- queueName
			<-ctx.Done()
			return nil
		},
	}
	worker, err := NewBatchWorker(&fakeBatchProcessor{}, consumer, 2, 1, nil)
	if err != nil {
		t.Fatalf("NewBatchWorker() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	for i := 0; i < 2; i++ {
		if q := <-consumed; q != queue.BatchQueue {
			t.Fatalf("consumed queue = %s, want %s", q, queue.BatchQueue)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
