package domain

import (
	"fmt"
	"strings"
	"time"
)

// TimeRange is the look-back window of an analytics query.
type TimeRange string

const (
	TimeRangeHour    TimeRange = "1h"
	TimeRangeDay     TimeRange = "24h"
	TimeRangeWeek    TimeRange = "7d"
	TimeRangeMonth   TimeRange = "30d"
	TimeRangeQuarter TimeRange = "90d"
	TimeRangeAll     TimeRange = "all"
)

var timeRangeSpans = map[TimeRange]time.Duration{
	TimeRangeHour:    time.Hour,
	TimeRangeDay:     24 * time.Hour,
	TimeRangeWeek:    7 * 24 * time.Hour,
	TimeRangeMonth:   30 * 24 * time.Hour,
	TimeRangeQuarter: 90 * 24 * time.Hour,
}

// ParseTimeRange defaults to the last 24 hours when s is empty.
func ParseTimeRange(s string) (TimeRange, error) {
	r := TimeRange(strings.ToLower(strings.TrimSpace(s)))
	if r == "" {
		return TimeRangeDay, nil
	}
	if _, ok := timeRangeSpans[r]; ok || r == TimeRangeAll {
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown range %q", ErrValidation, s)
}

// Since returns the start of the window ending at now. TimeRangeAll yields
// the zero time.
func (r TimeRange) Since(now time.Time) time.Time {
	span, ok := timeRangeSpans[r]
	if !ok {
		return time.Time{}
	}
	return now.Add(-span)
}

// Granularity is the width of a volume bucket.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return GranularityHour, nil
	case GranularityHour, GranularityDay:
		return g, nil
	}
	return "", fmt.Errorf("%w: granularity must be hour or day", ErrValidation)
}

// AnalyticsFilter scopes an aggregate to one client and a creation window.
// A zero Since means no lower bound.
type AnalyticsFilter struct {
	ClientID string
	Since    time.Time
}

// StatusCounts aggregates deliveries by outcome. Sent counts every delivery a
// provider accepted, so it includes later deliveries and bounces.
type StatusCounts struct {
	Total     int64 `json:"total"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Bounced   int64 `json:"bounced"`
	Failed    int64 `json:"failed"`
}

// Rates are percentages of Sent.
func (c StatusCounts) DeliveryRate() float64 { return percent(c.Delivered, c.Sent) }
func (c StatusCounts) BounceRate() float64   { return percent(c.Bounced, c.Sent) }

// FailureRate is a percentage of Total, since failed mail was never sent.
func (c StatusCounts) FailureRate() float64 { return percent(c.Failed, c.Total) }

type AnalyticsOverview struct {
	Range TimeRange `json:"range"`
	StatusCounts
	DeliveryRate float64 `json:"deliveryRate"`
	BounceRate   float64 `json:"bounceRate"`
	FailureRate  float64 `json:"failureRate"`
	// AvgDeliverySeconds is nil until some delivery has both timestamps.
	AvgDeliverySeconds *float64  `json:"avgDeliverySeconds"`
	GeneratedAt        time.Time `json:"generatedAt"`
}

type VolumePoint struct {
	Bucket time.Time `json:"bucket"`
	StatusCounts
}

type ProviderStats struct {
	Provider string `json:"provider"`
	StatusCounts
	DeliveryRate   float64 `json:"deliveryRate"`
	Attempts       int64   `json:"attempts"`
	FailedAttempts int64   `json:"failedAttempts"`
}

// DomainStats counts one row per recipient address, so a delivery to two
// addresses at the same domain counts twice.
type DomainStats struct {
	Domain string `json:"domain"`
	StatusCounts
	DeliveryRate float64 `json:"deliveryRate"`
}

func percent(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
