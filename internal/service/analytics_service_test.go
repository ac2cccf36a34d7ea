package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

func newTestAnalyticsService(t *testing.T, repo *fakeAnalyticsRepo, now time.Time) *AnalyticsService {
	t.Helper()

	store, _ := newTestStore(t)
	svc, err := NewAnalyticsService(repo, store, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewAnalyticsService() error = %v", err)
	}
	svc.now = fixedClock(now)
	return svc
}

func TestAnalyticsOverviewRatesAndCache(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	avg := 4.5
	var queries atomic.Int32
	repo := &fakeAnalyticsRepo{
		overviewFn: func(ctx context.Context, filter domain.AnalyticsFilter) (domain.StatusCounts, *float64, error) {
			queries.Add(1)
			if filter.ClientID != "client-1" {
				t.Errorf("client = %q, want client-1", filter.ClientID)
			}
			if want := now.Add(-7 * 24 * time.Hour); !filter.Since.Equal(want) {
				t.Errorf("since = %s, want %s", filter.Since, want)
			}
			return domain.StatusCounts{Total: 10, Sent: 8, Delivered: 6, Bounced: 2, Failed: 2}, &avg, nil
		},
	}
	svc := newTestAnalyticsService(t, repo, now)
	ctx := context.Background()

	overview, err := svc.Overview(ctx, "client-1", domain.TimeRangeWeek)
	if err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	if overview.DeliveryRate != 75 || overview.BounceRate != 25 || overview.FailureRate != 20 {
		t.Fatalf("rates = %v/%v/%v, want 75/25/20", overview.DeliveryRate, overview.BounceRate, overview.FailureRate)
	}
	if overview.AvgDeliverySeconds == nil || *overview.AvgDeliverySeconds != 4.5 {
		t.Fatalf("avg = %v, want 4.5", overview.AvgDeliverySeconds)
	}

	cached, err := svc.Overview(ctx, "client-1", domain.TimeRangeWeek)
	if err != nil {
		t.Fatalf("cached Overview() error = %v", err)
	}
	if queries.Load() != 1 {
		t.Fatalf("queries = %d, want 1", queries.Load())
	}
	if cached.Sent != 8 || !cached.GeneratedAt.Equal(now) {
		t.Fatalf("cached = %+v", cached)
	}

	// Another client or range is a separate entry.
	if _, err := svc.Overview(ctx, "client-2", domain.TimeRangeWeek); err != nil {
		t.Fatalf("Overview(client-2) error = %v", err)
	}
	if _, err := svc.Overview(ctx, "client-1", domain.TimeRangeAll); err != nil {
		t.Fatalf("Overview(all) error = %v", err)
	}
	if queries.Load() != 3 {
		t.Fatalf("queries = %d, want 3", queries.Load())
	}
}

func TestAnalyticsOverviewWithoutSentMail(t *testing.T) {
	t.Parallel()

	svc := newTestAnalyticsService(t, &fakeAnalyticsRepo{}, time.Now())
	overview, err := svc.Overview(context.Background(), "client-1", domain.TimeRangeDay)
	if err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	if overview.DeliveryRate != 0 || overview.AvgDeliverySeconds != nil {
		t.Fatalf("overview = %+v, want zero rates", overview)
	}
}

func TestAnalyticsAllRangeHasNoLowerBound(t *testing.T) {
	t.Parallel()

	repo := &fakeAnalyticsRepo{
		volumeFn: func(ctx context.Context, filter domain.AnalyticsFilter, granularity domain.Granularity) ([]domain.VolumePoint, error) {
			if !filter.Since.IsZero() {
				t.Errorf("since = %s, want zero", filter.Since)
			}
			if granularity != domain.GranularityDay {
				t.Errorf("granularity = %s, want day", granularity)
			}
			return []domain.VolumePoint{{StatusCounts: domain.StatusCounts{Total: 1}}}, nil
		},
	}
	svc := newTestAnalyticsService(t, repo, time.Now())

	points, err := svc.Volume(context.Background(), "client-1", domain.TimeRangeAll, domain.GranularityDay)
	if err != nil {
		t.Fatalf("Volume() error = %v", err)
	}
	if len(points) != 1 || points[0].Total != 1 {
		t.Fatalf("points = %+v", points)
	}
}

func TestAnalyticsDomainsClampLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "default", limit: 0, want: DefaultDomainLimit},
		{name: "within bounds", limit: 5, want: 5},
		{name: "above maximum", limit: 1000, want: MaxDomainLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got int
			repo := &fakeAnalyticsRepo{
				domainFn: func(ctx context.Context, filter domain.AnalyticsFilter, limit int) ([]domain.DomainStats, error) {
					got = limit
					return nil, nil
				},
			}
			svc := newTestAnalyticsService(t, repo, time.Now())
			if _, err := svc.Domains(context.Background(), "client-1", domain.TimeRangeDay, tt.limit); err != nil {
				t.Fatalf("Domains() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("limit = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAnalyticsStatusBreakdownListsEveryStatus(t *testing.T) {
	t.Parallel()

	repo := &fakeAnalyticsRepo{
		statusFn: func(ctx context.Context, filter domain.AnalyticsFilter) (map[domain.Status]int64, error) {
			return map[domain.Status]int64{domain.StatusDelivered: 4}, nil
		},
	}
	svc := newTestAnalyticsService(t, repo, time.Now())

	breakdown, err := svc.StatusBreakdown(context.Background(), "client-1", domain.TimeRangeDay)
	if err != nil {
		t.Fatalf("StatusBreakdown() error = %v", err)
	}
	if len(breakdown) != len(reportedStatuses) {
		t.Fatalf("breakdown = %v, want every status", breakdown)
	}
	if breakdown[domain.StatusDelivered] != 4 || breakdown[domain.StatusFailed] != 0 {
		t.Fatalf("breakdown = %v", breakdown)
	}
}

func TestAnalyticsErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	repo := &fakeAnalyticsRepo{
		providerFn: func(ctx context.Context, filter domain.AnalyticsFilter) ([]domain.ProviderStats, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("db down")
			}
			return []domain.ProviderStats{{Provider: "resend"}}, nil
		},
	}
	svc := newTestAnalyticsService(t, repo, time.Now())
	ctx := context.Background()

	if _, err := svc.Providers(ctx, "client-1", domain.TimeRangeDay); err == nil {
		t.Fatal("Providers() error = nil, want failure")
	}
	stats, err := svc.Providers(ctx, "client-1", domain.TimeRangeDay)
	if err != nil {
		t.Fatalf("Providers() error = %v", err)
	}
	if len(stats) != 1 || stats[0].Provider != "resend" {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAnalyticsUnreadableCacheEntryIsRecomputed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	repo := &fakeAnalyticsRepo{
		statusFn: func(ctx context.Context, filter domain.AnalyticsFilter) (map[domain.Status]int64, error) {
			calls.Add(1)
			return nil, nil
		},
	}
	svc := newTestAnalyticsService(t, repo, time.Now())
	ctx := context.Background()

	key := analyticsCacheKey("status", "client-1", string(domain.TimeRangeDay))
	if err := svc.cache.Set(ctx, key, "{not json", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := svc.StatusBreakdown(ctx, "client-1", domain.TimeRangeDay); err != nil {
		t.Fatalf("StatusBreakdown() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}
