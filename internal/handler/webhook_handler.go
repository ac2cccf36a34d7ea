package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/service"
)

type WebhookService interface {
	ProcessWebhook(ctx context.Context, provider string, headers http.Header, body []byte) (*service.WebhookResult, error)
	EventsForMessage(ctx context.Context, messageID string) ([]domain.WebhookEvent, error)
}

type WebhookHandler struct {
	service WebhookService
}

func NewWebhookHandler(service WebhookService) (*WebhookHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("webhook service is required")
	}
	return &WebhookHandler{service: service}, nil
}

type webhookEventSummary struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	MessageID string    `json:"messageId"`
	Recipient string    `json:"recipient"`
	Timestamp time.Time `json:"timestamp"`
}

type webhookResponse struct {
	Processed int                   `json:"processed"`
	Events    []webhookEventSummary `json:"events"`
}

func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	provider := strings.ToLower(strings.TrimSpace(c.Params("provider")))

	// fasthttp reuses the body buffer after the handler returns.
	body := append([]byte(nil), c.Body()...)

	result, err := h.service.ProcessWebhook(requestContext(c), provider, requestHeaders(c), body)
	if err != nil {
		return err
	}

	events := make([]webhookEventSummary, 0, len(result.Events))
	for _, e := range result.Events {
		events = append(events, webhookEventSummary{
			ID:        e.ID,
			Type:      e.Type.String(),
			MessageID: e.MessageID,
			Recipient: e.Recipient,
			Timestamp: e.Timestamp,
		})
	}
	return c.Status(fiber.StatusOK).JSON(webhookResponse{Processed: result.Processed, Events: events})
}

// Verify answers provider endpoint verification by echoing the challenge.
func (h *WebhookHandler) Verify(c *fiber.Ctx) error {
	if challenge := c.Query("challenge"); challenge != "" {
		return c.Status(fiber.StatusOK).SendString(challenge)
	}
	return c.Status(fiber.StatusOK).SendString("OK")
}

func (h *WebhookHandler) Events(c *fiber.Ctx) error {
	messageID := strings.TrimSpace(c.Params("messageId"))
	if messageID == "" {
		return fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}

	events, err := h.service.EventsForMessage(requestContext(c), messageID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(listResponse[eventResponse]{Data: toEventResponses(events)})
}
