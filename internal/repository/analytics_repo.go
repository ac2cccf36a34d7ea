package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"gorm.io/gorm"
)

// AnalyticsRepository answers aggregate questions over email_deliveries.
type AnalyticsRepository interface {
	Overview(ctx context.Context, filter domain.AnalyticsFilter) (domain.StatusCounts, *float64, error)
	Volume(ctx context.Context, filter domain.AnalyticsFilter, granularity domain.Granularity) ([]domain.VolumePoint, error)
	ByProvider(ctx context.Context, filter domain.AnalyticsFilter) ([]domain.ProviderStats, error)
	ByRecipientDomain(ctx context.Context, filter domain.AnalyticsFilter, limit int) ([]domain.DomainStats, error)
	ByStatus(ctx context.Context, filter domain.AnalyticsFilter) (map[domain.Status]int64, error)
}

var statusCountColumns = fmt.Sprintf(
	"COUNT(*) AS total, "+
		"SUM(CASE WHEN status IN ('%s', '%s', '%s') THEN 1 ELSE 0 END) AS sent, "+
		"SUM(CASE WHEN status = '%s' THEN 1 ELSE 0 END) AS delivered, "+
		"SUM(CASE WHEN status = '%s' THEN 1 ELSE 0 END) AS bounced, "+
		"SUM(CASE WHEN status = '%s' THEN 1 ELSE 0 END) AS failed",
	domain.StatusSent, domain.StatusDelivered, domain.StatusBounced,
	domain.StatusDelivered,
	domain.StatusBounced,
	domain.StatusFailed,
)

type GormAnalyticsRepo struct {
	db *gorm.DB
}

func NewGormAnalyticsRepo(db *gorm.DB) *GormAnalyticsRepo {
	return &GormAnalyticsRepo{db: db}
}

func (r *GormAnalyticsRepo) Overview(ctx context.Context, filter domain.AnalyticsFilter) (domain.StatusCounts, *float64, error) {
	var row struct {
		domain.StatusCounts
		AvgDeliverySeconds *float64
	}
	err := r.deliveries(ctx, filter).
		Select(statusCountColumns + ", AVG(EXTRACT(EPOCH FROM (delivered_at - sent_at)))::float8 AS avg_delivery_seconds").
		Scan(&row).Error
	if err != nil {
		return domain.StatusCounts{}, nil, err
	}
	return row.StatusCounts, row.AvgDeliverySeconds, nil
}

func (r *GormAnalyticsRepo) Volume(ctx context.Context, filter domain.AnalyticsFilter, granularity domain.Granularity) ([]domain.VolumePoint, error) {
	var rows []struct {
		Bucket time.Time
		domain.StatusCounts
	}
	err := r.deliveries(ctx, filter).
		Select("date_trunc(?, created_at) AS bucket, "+statusCountColumns, string(granularity)).
		Group("bucket").
		Order("bucket").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	points := make([]domain.VolumePoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, domain.VolumePoint{Bucket: row.Bucket.UTC(), StatusCounts: row.StatusCounts})
	}
	return points, nil
}

// ByProvider merges delivery outcomes with the attempt log, so a provider that
// only ever failed over still shows up.
func (r *GormAnalyticsRepo) ByProvider(ctx context.Context, filter domain.AnalyticsFilter) ([]domain.ProviderStats, error) {
	var outcomes []struct {
		Provider string
		domain.StatusCounts
	}
	err := r.deliveries(ctx, filter).
		Select("provider, "+statusCountColumns).
		Where("provider IS NOT NULL").
		Group("provider").
		Scan(&outcomes).Error
	if err != nil {
		return nil, err
	}

	attemptQuery := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Select("delivery_attempts.provider AS provider, COUNT(*) AS attempts, " +
			"SUM(CASE WHEN delivery_attempts.error IS NOT NULL THEN 1 ELSE 0 END) AS failed_attempts").
		Joins("JOIN email_deliveries ON email_deliveries.id = delivery_attempts.delivery_id")
	if !filter.Since.IsZero() {
		attemptQuery = attemptQuery.Where("email_deliveries.created_at >= ?", filter.Since)
	}
	if filter.ClientID != "" {
		attemptQuery = attemptQuery.Where("email_deliveries.client_id = ?", filter.ClientID)
	}
	var attempts []struct {
		Provider       string
		Attempts       int64
		FailedAttempts int64
	}
	if err := attemptQuery.Group("delivery_attempts.provider").Scan(&attempts).Error; err != nil {
		return nil, err
	}

	byName := make(map[string]*domain.ProviderStats, len(outcomes))
	for _, row := range outcomes {
		byName[row.Provider] = &domain.ProviderStats{Provider: row.Provider, StatusCounts: row.StatusCounts}
	}
	for _, row := range attempts {
		stats, ok := byName[row.Provider]
		if !ok {
			stats = &domain.ProviderStats{Provider: row.Provider}
			byName[row.Provider] = stats
		}
		stats.Attempts = row.Attempts
		stats.FailedAttempts = row.FailedAttempts
	}

	out := make([]domain.ProviderStats, 0, len(byName))
	for _, stats := range byName {
		stats.DeliveryRate = stats.StatusCounts.DeliveryRate()
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

// ByRecipientDomain unnests the recipient array and ranks domains by volume.
func (r *GormAnalyticsRepo) ByRecipientDomain(ctx context.Context, filter domain.AnalyticsFilter, limit int) ([]domain.DomainStats, error) {
	query := r.db.WithContext(ctx).
		Table("email_deliveries, unnest(email_deliveries.recipients) AS r(recipient)").
		Select("lower(split_part(r.recipient, '@', 2)) AS domain, " + statusCountColumns)
	query = scopeAnalytics(query, filter)

	var rows []struct {
		Domain string
		domain.StatusCounts
	}
	err := query.
		Group("domain").
		Order("total DESC, domain").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.DomainStats, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.DomainStats{
			Domain:       row.Domain,
			StatusCounts: row.StatusCounts,
			DeliveryRate: row.StatusCounts.DeliveryRate(),
		})
	}
	return out, nil
}

func (r *GormAnalyticsRepo) ByStatus(ctx context.Context, filter domain.AnalyticsFilter) (map[domain.Status]int64, error) {
	var rows []struct {
		Status domain.Status
		Count  int64
	}
	err := r.deliveries(ctx, filter).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[domain.Status]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *GormAnalyticsRepo) deliveries(ctx context.Context, filter domain.AnalyticsFilter) *gorm.DB {
	return scopeAnalytics(r.db.WithContext(ctx).Model(&DeliveryModel{}), filter)
}

func scopeAnalytics(query *gorm.DB, filter domain.AnalyticsFilter) *gorm.DB {
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}
	if filter.ClientID != "" {
		query = query.Where("client_id = ?", filter.ClientID)
	}
	return query
}
