package handler

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

type AnalyticsService interface {
	Overview(ctx context.Context, clientID string, rng domain.TimeRange) (*domain.AnalyticsOverview, error)
	Volume(ctx context.Context, clientID string, rng domain.TimeRange, granularity domain.Granularity) ([]domain.VolumePoint, error)
	Providers(ctx context.Context, clientID string, rng domain.TimeRange) ([]domain.ProviderStats, error)
	Domains(ctx context.Context, clientID string, rng domain.TimeRange, limit int) ([]domain.DomainStats, error)
	StatusBreakdown(ctx context.Context, clientID string, rng domain.TimeRange) (map[domain.Status]int64, error)
}

// AnalyticsHandler reports aggregates scoped to the calling client.
type AnalyticsHandler struct {
	service AnalyticsService
}

func NewAnalyticsHandler(service AnalyticsService) (*AnalyticsHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("analytics service is required")
	}
	return &AnalyticsHandler{service: service}, nil
}

type analyticsMeta struct {
	Range       domain.TimeRange   `json:"range"`
	Granularity domain.Granularity `json:"granularity,omitempty"`
}

type analyticsResponse[T any] struct {
	Data T             `json:"data"`
	Meta analyticsMeta `json:"meta"`
}

func (h *AnalyticsHandler) Overview(c *fiber.Ctx) error {
	rng, err := domain.ParseTimeRange(c.Query("range"))
	if err != nil {
		return err
	}
	overview, err := h.service.Overview(requestContext(c), requestClientID(c), rng)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(analyticsResponse[*domain.AnalyticsOverview]{
		Data: overview,
		Meta: analyticsMeta{Range: rng},
	})
}

func (h *AnalyticsHandler) Volume(c *fiber.Ctx) error {
	rng, err := domain.ParseTimeRange(c.Query("range"))
	if err != nil {
		return err
	}
	granularity, err := domain.ParseGranularity(c.Query("granularity"))
	if err != nil {
		return err
	}
	points, err := h.service.Volume(requestContext(c), requestClientID(c), rng, granularity)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(analyticsResponse[[]domain.VolumePoint]{
		Data: nonNil(points),
		Meta: analyticsMeta{Range: rng, Granularity: granularity},
	})
}

func (h *AnalyticsHandler) Providers(c *fiber.Ctx) error {
	rng, err := domain.ParseTimeRange(c.Query("range"))
	if err != nil {
		return err
	}
	stats, err := h.service.Providers(requestContext(c), requestClientID(c), rng)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(analyticsResponse[[]domain.ProviderStats]{
		Data: nonNil(stats),
		Meta: analyticsMeta{Range: rng},
	})
}

func (h *AnalyticsHandler) Domains(c *fiber.Ctx) error {
	rng, err := domain.ParseTimeRange(c.Query("range"))
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return fmt.Errorf("%w: limit must be positive", domain.ErrValidation)
	}
	stats, err := h.service.Domains(requestContext(c), requestClientID(c), rng, limit)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(analyticsResponse[[]domain.DomainStats]{
		Data: nonNil(stats),
		Meta: analyticsMeta{Range: rng},
	})
}

func (h *AnalyticsHandler) Status(c *fiber.Ctx) error {
	rng, err := domain.ParseTimeRange(c.Query("range"))
	if err != nil {
		return err
	}
	breakdown, err := h.service.StatusBreakdown(requestContext(c), requestClientID(c), rng)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(analyticsResponse[map[domain.Status]int64]{
		Data: breakdown,
		Meta: analyticsMeta{Range: rng},
	})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
