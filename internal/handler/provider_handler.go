package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/email-dispatch/internal/provider"
	"github.com/kursadbilgin/email-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/email-dispatch/internal/transport"
)

const providerHealthTimeout = 5 * time.Second

type ProviderCatalog interface {
	Names() []string
	Capabilities() map[string]provider.Capabilities
	HealthCheck(ctx context.Context) map[string]provider.HealthStatus
}

// StatusHandler exposes the provider catalog and the caller's rate limit window.
type StatusHandler struct {
	providers ProviderCatalog
	limiter   ratelimit.RateLimiter
}

func NewStatusHandler(providers ProviderCatalog, limiter ratelimit.RateLimiter) (*StatusHandler, error) {
	if providers == nil {
		return nil, fmt.Errorf("provider catalog is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	return &StatusHandler{providers: providers, limiter: limiter}, nil
}

type providerResponse struct {
	Name         string                `json:"name"`
	Priority     int                   `json:"priority"`
	Capabilities provider.Capabilities `json:"capabilities"`
	Health       provider.HealthStatus `json:"health"`
}

type rateLimitResponse struct {
	ClientID  string    `json:"clientId"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

func (h *StatusHandler) Providers(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(requestContext(c), providerHealthTimeout)
	defer cancel()

	capabilities := h.providers.Capabilities()
	health := h.providers.HealthCheck(ctx)

	names := h.providers.Names()
	out := make([]providerResponse, 0, len(names))
	for i, name := range names {
		out = append(out, providerResponse{
			Name:         name,
			Priority:     i + 1,
			Capabilities: capabilities[name],
			Health:       health[name],
		})
	}
	return c.Status(fiber.StatusOK).JSON(listResponse[providerResponse]{Data: out})
}

func (h *StatusHandler) RateLimit(c *fiber.Ctx) error {
	clientID := requestClientID(c)
	decision, err := h.limiter.Status(requestContext(c), clientID)
	if err != nil {
		return err
	}

	transport.SetRateLimitHeaders(c, decision.Limit, decision.Remaining, decision.ResetAt)
	return c.Status(fiber.StatusOK).JSON(rateLimitResponse{
		ClientID:  clientID,
		Limit:     decision.Limit,
		Remaining: decision.Remaining,
		ResetAt:   decision.ResetAt,
	})
}
