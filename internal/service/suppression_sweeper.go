package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/observability"
	"go.uber.org/zap"
)

const defaultSweepInterval = time.Hour

// ExpiredSuppressionCleaner removes suppressions past their expiry.
type ExpiredSuppressionCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// SuppressionSweeper periodically deletes expired suppression entries.
type SuppressionSweeper struct {
	cleaner  ExpiredSuppressionCleaner
	logger   *zap.Logger
	metrics  *observability.Metrics
	interval time.Duration
}

func NewSuppressionSweeper(
	cleaner ExpiredSuppressionCleaner,
	interval time.Duration,
	logger *zap.Logger,
) (*SuppressionSweeper, error) {
	if cleaner == nil {
		return nil, fmt.Errorf("suppression cleaner is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SuppressionSweeper{
		cleaner:  cleaner,
		logger:   logger,
		interval: interval,
	}, nil
}

func (s *SuppressionSweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *SuppressionSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("suppression sweeper initial run failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("suppression sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *SuppressionSweeper) sweep(ctx context.Context) error {
	removed, err := s.cleaner.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to clean up expired suppressions: %w", err)
	}
	if removed > 0 {
		s.metrics.AddSuppressionsExpired(removed)
		s.logger.Info("expired suppressions removed", zap.Int64("count", removed))
	}
	return nil
}
