package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/email-dispatch/internal/ratelimit"
)

// Services bundles the dependencies of the public API routes.
type Services struct {
	Emails       EmailService
	Batches      BatchService
	Suppressions SuppressionService
	Webhooks     WebhookService
	Analytics    AnalyticsService
	Providers    ProviderCatalog
	Limiter      ratelimit.RateLimiter
}

func RegisterRoutes(router fiber.Router, services Services) error {
	emails, err := NewEmailHandler(services.Emails)
	if err != nil {
		return err
	}
	batches, err := NewBatchHandler(services.Batches)
	if err != nil {
		return err
	}
	suppressions, err := NewSuppressionHandler(services.Suppressions)
	if err != nil {
		return err
	}
	webhooks, err := NewWebhookHandler(services.Webhooks)
	if err != nil {
		return err
	}
	analytics, err := NewAnalyticsHandler(services.Analytics)
	if err != nil {
		return err
	}
	status, err := NewStatusHandler(services.Providers, services.Limiter)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/emails", emails.Send)
	v1.Get("/emails", emails.List)
	v1.Post("/emails/batch", batches.SendBatch)
	v1.Post("/emails/batch/async", batches.QueueBatch)
	v1.Get("/emails/:id", emails.Get)
	v1.Get("/emails/:id/events", emails.Events)
	v1.Get("/emails/:id/attempts", emails.Attempts)

	v1.Get("/batches/:batchId", batches.GetStatus)
	v1.Get("/batches/:batchId/results", batches.GetResults)
	v1.Post("/batches/:batchId/cancel", batches.Cancel)

	v1.Get("/suppressions", suppressions.List)
	v1.Post("/suppressions", suppressions.Add)
	v1.Get("/suppressions/stats", suppressions.Stats)
	v1.Post("/suppressions/check", suppressions.Check)
	v1.Post("/suppressions/cleanup", suppressions.Cleanup)
	v1.Get("/suppressions/:email", suppressions.Get)
	v1.Delete("/suppressions/:email", suppressions.Remove)

	v1.Get("/analytics/overview", analytics.Overview)
	v1.Get("/analytics/volume", analytics.Volume)
	v1.Get("/analytics/providers", analytics.Providers)
	v1.Get("/analytics/domains", analytics.Domains)
	v1.Get("/analytics/status", analytics.Status)

	v1.Get("/rate-limit", status.RateLimit)
	v1.Get("/providers", status.Providers)

	hooks := router.Group("/webhooks")
	hooks.Get("/events/:messageId", webhooks.Events)
	hooks.Post("/:provider", webhooks.Receive)
	hooks.Get("/:provider", webhooks.Verify)

	return nil
}
