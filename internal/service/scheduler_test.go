package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"go.uber.org/zap"
)

type fakeScheduledDispatcher struct {
	dispatchFn func(ctx context.Context, record *domain.DeliveryRecord) error
}

func (f *fakeScheduledDispatcher) DispatchScheduled(ctx context.Context, record *domain.DeliveryRecord) error {
	if f.dispatchFn != nil {
		return f.dispatchFn(ctx, record)
	}
	return nil
}

func TestNewSchedulerAppliesDefaults(t *testing.T) {
	t.Parallel()

	scheduler, err := NewScheduler(&fakeDeliveryRepo{}, &fakeScheduledDispatcher{}, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if scheduler.interval != defaultSchedulerScanInterval {
		t.Fatalf("interval = %s, want %s", scheduler.interval, defaultSchedulerScanInterval)
	}
	if scheduler.limit != defaultSchedulerScanLimit {
		t.Fatalf("limit = %d, want %d", scheduler.limit, defaultSchedulerScanLimit)
	}
}

func TestSchedulerScanDueQueuesAndDispatches(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeDeliveryRepo{
		getDueScheduledFn: func(ctx context.Context, at time.Time, limit int) ([]domain.DeliveryRecord, error) {
			if !at.Equal(now) || limit != 100 {
				t.Fatalf("GetDueScheduled(%s, %d), want (%s, 100)", at, limit, now)
			}
			return []domain.DeliveryRecord{
				{ID: "d-1", Status: domain.StatusScheduled},
				{ID: "d-2", Status: domain.StatusScheduled},
				{ID: "d-3", Status: domain.StatusScheduled},
			}, nil
		},
		transitionStatusFn: func(ctx context.Context, id string, from domain.Status, to domain.Status) (bool, error) {
			if from != domain.StatusScheduled || to != domain.StatusQueued {
				t.Fatalf("transition %s->%s, want scheduled->queued", from, to)
			}
			switch id {
			case "d-2":
				return false, nil
			case "d-3":
				return false, errors.New("db down")
			}
			return true, nil
		},
	}

	var dispatched []string
	dispatcher := &fakeScheduledDispatcher{
		dispatchFn: func(ctx context.Context, record *domain.DeliveryRecord) error {
			if record.Status != domain.StatusQueued {
				t.Fatalf("dispatched status = %s, want queued", record.Status)
			}
			dispatched = append(dispatched, record.ID)
			return nil
		},
	}

	scheduler, err := NewScheduler(repo, dispatcher, 5*time.Second, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	scheduler.now = fixedClock(now)

	if err := scheduler.scanDue(context.Background()); err != nil {
		t.Fatalf("scanDue() error = %v", err)
	}
	if len(dispatched) != 1 || dispatched[0] != "d-1" {
		t.Fatalf("dispatched = %v, want [d-1]", dispatched)
	}
}

func TestSchedulerScanDueReturnsFetchError(t *testing.T) {
	t.Parallel()

	repo := &fakeDeliveryRepo{
		getDueScheduledFn: func(ctx context.Context, at time.Time, limit int) ([]domain.DeliveryRecord, error) {
			return nil, errors.New("db down")
		},
	}
	scheduler, err := NewScheduler(repo, &fakeScheduledDispatcher{}, time.Second, 10, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	if err := scheduler.scanDue(context.Background()); err == nil {
		t.Fatal("scanDue() expected error")
	}
}

func TestSchedulerStartStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	scheduler, err := NewScheduler(&fakeDeliveryRepo{}, &fakeScheduledDispatcher{}, 10*time.Millisecond, 10, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
