package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSchedulerScanInterval = 5 * time.Second
	defaultSchedulerScanLimit    = 100
)

// ScheduledDispatcher sends a delivery that has become due.
type ScheduledDispatcher interface {
	DispatchScheduled(ctx context.Context, record *domain.DeliveryRecord) error
}

// Scheduler periodically dispatches scheduled deliveries whose time has come.
type Scheduler struct {
	deliveries repository.DeliveryRepository
	dispatcher ScheduledDispatcher
	logger     *zap.Logger
	interval   time.Duration
	limit      int
	now        func() time.Time
}

func NewScheduler(
	deliveries repository.DeliveryRepository,
	dispatcher ScheduledDispatcher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*Scheduler, error) {
	if deliveries == nil {
		return nil, fmt.Errorf("delivery repository is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if interval <= 0 {
		interval = defaultSchedulerScanInterval
	}
	if limit <= 0 {
		limit = defaultSchedulerScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		deliveries: deliveries,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   interval,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduler scan failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) scanDue(ctx context.Context) error {
	due, err := s.deliveries.GetDueScheduled(ctx, s.now().UTC(), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due scheduled deliveries: %w", err)
	}

	for i := range due {
		record := due[i]

		moved, err := s.deliveries.TransitionStatus(ctx, record.ID, domain.StatusScheduled, domain.StatusQueued)
		if err != nil {
			s.logger.Error("failed to mark scheduled delivery as queued",
				zap.String("deliveryId", record.ID),
				zap.Error(err),
			)
			continue
		}
		if !moved {
			s.logger.Info("scheduled delivery status changed before queue mark",
				zap.String("deliveryId", record.ID),
			)
			continue
		}
		record.Status = domain.StatusQueued

		if err := s.dispatcher.DispatchScheduled(ctx, &record); err != nil {
			s.logger.Warn("scheduled delivery failed",
				zap.String("deliveryId", record.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}
