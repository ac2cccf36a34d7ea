package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/kv"
	"github.com/kursadbilgin/email-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	analyticsCachePrefix     = "analytics:"
	defaultAnalyticsCacheTTL = 5 * time.Minute
	DefaultDomainLimit       = 20
	MaxDomainLimit           = 100
)

// reportedStatuses are always present in a status breakdown, zero or not.
var reportedStatuses = []domain.Status{
	domain.StatusScheduled,
	domain.StatusQueued,
	domain.StatusSending,
	domain.StatusSent,
	domain.StatusDelivered,
	domain.StatusBounced,
	domain.StatusFailed,
}

// AnalyticsService serves delivery aggregates per client, cached in the KV
// store for a short TTL.
type AnalyticsService struct {
	repo     repository.AnalyticsRepository
	cache    kv.Store
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewAnalyticsService(
	repo repository.AnalyticsRepository,
	cache kv.Store,
	cacheTTL time.Duration,
	logger *zap.Logger,
) (*AnalyticsService, error) {
	if repo == nil {
		return nil, fmt.Errorf("analytics repository is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultAnalyticsCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AnalyticsService{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (s *AnalyticsService) Overview(ctx context.Context, clientID string, rng domain.TimeRange) (*domain.AnalyticsOverview, error) {
	return cachedAnalytics(ctx, s, analyticsCacheKey("overview", clientID, string(rng)), func() (*domain.AnalyticsOverview, error) {
		counts, avg, err := s.repo.Overview(ctx, s.filter(clientID, rng))
		if err != nil {
			return nil, err
		}
		return &domain.AnalyticsOverview{
			Range:              rng,
			StatusCounts:       counts,
			DeliveryRate:       counts.DeliveryRate(),
			BounceRate:         counts.BounceRate(),
			FailureRate:        counts.FailureRate(),
			AvgDeliverySeconds: avg,
			GeneratedAt:        s.now().UTC(),
		}, nil
	})
}

func (s *AnalyticsService) Volume(ctx context.Context, clientID string, rng domain.TimeRange, granularity domain.Granularity) ([]domain.VolumePoint, error) {
	key := analyticsCacheKey("volume", clientID, string(rng), string(granularity))
	return cachedAnalytics(ctx, s, key, func() ([]domain.VolumePoint, error) {
		return s.repo.Volume(ctx, s.filter(clientID, rng), granularity)
	})
}

func (s *AnalyticsService) Providers(ctx context.Context, clientID string, rng domain.TimeRange) ([]domain.ProviderStats, error) {
	return cachedAnalytics(ctx, s, analyticsCacheKey("providers", clientID, string(rng)), func() ([]domain.ProviderStats, error) {
		return s.repo.ByProvider(ctx, s.filter(clientID, rng))
	})
}

func (s *AnalyticsService) Domains(ctx context.Context, clientID string, rng domain.TimeRange, limit int) ([]domain.DomainStats, error) {
	if limit <= 0 {
		limit = DefaultDomainLimit
	}
	limit = min(limit, MaxDomainLimit)

	key := analyticsCacheKey("domains", clientID, string(rng), fmt.Sprint(limit))
	return cachedAnalytics(ctx, s, key, func() ([]domain.DomainStats, error) {
		return s.repo.ByRecipientDomain(ctx, s.filter(clientID, rng), limit)
	})
}

// StatusBreakdown counts deliveries per status, listing every status.
func (s *AnalyticsService) StatusBreakdown(ctx context.Context, clientID string, rng domain.TimeRange) (map[domain.Status]int64, error) {
	return cachedAnalytics(ctx, s, analyticsCacheKey("status", clientID, string(rng)), func() (map[domain.Status]int64, error) {
		counts, err := s.repo.ByStatus(ctx, s.filter(clientID, rng))
		if err != nil {
			return nil, err
		}
		out := make(map[domain.Status]int64, len(reportedStatuses))
		for _, status := range reportedStatuses {
			out[status] = 0
		}
		for status, n := range counts {
			out[status] = n
		}
		return out, nil
	})
}

func (s *AnalyticsService) filter(clientID string, rng domain.TimeRange) domain.AnalyticsFilter {
	return domain.AnalyticsFilter{
		ClientID: strings.TrimSpace(clientID),
		Since:    rng.Since(s.now().UTC()),
	}
}

// cachedAnalytics serves key from the cache or computes and stores it. Cache
// failures are logged and never fail the request.
func cachedAnalytics[T any](ctx context.Context, s *AnalyticsService, key string, load func() (T, error)) (T, error) {
	var value T

	data, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal([]byte(data), &value); jsonErr == nil {
			return value, nil
		}
		s.logger.Warn("discarding unreadable analytics cache entry", zap.String("key", key))
	case !errors.Is(err, kv.ErrNotFound):
		s.logger.Warn("analytics cache read failed", zap.String("key", key), zap.Error(err))
	}

	value, err = load()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to load analytics: %w", err)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("failed to encode analytics", zap.String("key", key), zap.Error(err))
		return value, nil
	}
	if err := s.cache.Set(ctx, key, string(encoded), s.cacheTTL); err != nil {
		s.logger.Warn("analytics cache write failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

func analyticsCacheKey(report string, clientID string, parts ...string) string {
	key := analyticsCachePrefix + report + ":" + strings.TrimSpace(clientID)
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
