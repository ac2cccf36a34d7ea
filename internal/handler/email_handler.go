package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type EmailService interface {
	Send(ctx context.Context, req *domain.SendRequest, clientID string, opts service.SendOptions) (*service.SendResult, error)
	GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	List(ctx context.Context, params domain.DeliveryListParams) ([]domain.DeliveryRecord, int64, error)
	EventsForMessage(ctx context.Context, id string) ([]domain.WebhookEvent, error)
	AttemptsForMessage(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
}

type EmailHandler struct {
	service EmailService
}

func NewEmailHandler(service EmailService) (*EmailHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("email service is required")
	}
	return &EmailHandler{service: service}, nil
}

type sendResponse struct {
	MessageID         string                       `json:"messageId"`
	Status            string                       `json:"status"`
	Provider          string                       `json:"provider,omitempty"`
	ProviderMessageID string                       `json:"providerMessageId,omitempty"`
	Suppressed        []domain.SuppressedRecipient `json:"suppressed,omitempty"`
	Duplicate         bool                         `json:"duplicate,omitempty"`
	ScheduledAt       *time.Time                   `json:"scheduledAt,omitempty"`
}

type deliveryResponse struct {
	ID                   string     `json:"id"`
	ClientID             string     `json:"clientId"`
	Recipients           []string   `json:"recipients"`
	SuppressedRecipients []string   `json:"suppressedRecipients,omitempty"`
	From                 string     `json:"from"`
	Subject              string     `json:"subject"`
	Status               string     `json:"status"`
	BounceClassification string     `json:"bounceClassification,omitempty"`
	Provider             string     `json:"provider,omitempty"`
	ProviderMessageID    string     `json:"providerMessageId,omitempty"`
	IdempotencyKey       string     `json:"idempotencyKey,omitempty"`
	LastError            string     `json:"lastError,omitempty"`
	ScheduledAt          *time.Time `json:"scheduledAt,omitempty"`
	SentAt               *time.Time `json:"sentAt,omitempty"`
	DeliveredAt          *time.Time `json:"deliveredAt,omitempty"`
	BouncedAt            *time.Time `json:"bouncedAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

type eventResponse struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Provider  string            `json:"provider"`
	MessageID string            `json:"messageId"`
	Recipient string            `json:"recipient"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type attemptResponse struct {
	Attempt    int       `json:"attempt"`
	Provider   string    `json:"provider"`
	StatusCode *int      `json:"statusCode,omitempty"`
	Error      *string   `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type listResponse[T any] struct {
	Data []T `json:"data"`
}

type pagedResponse[T any] struct {
	Data []T      `json:"data"`
	Meta listMeta `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *EmailHandler) Send(c *fiber.Ctx) error {
	var req domain.SendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if key := strings.TrimSpace(c.Get("Idempotency-Key")); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	result, err := h.service.Send(requestContext(c), &req, requestClientID(c), service.SendOptions{})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(toSendResponse(result))
}

func (h *EmailHandler) Get(c *fiber.Ctx) error {
	record, err := h.service.GetByID(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toDeliveryResponse(record))
}

// List returns the calling client's deliveries, newest first.
func (h *EmailHandler) List(c *fiber.Ctx) error {
	params, err := parseDeliveryListParams(c)
	if err != nil {
		return err
	}

	records, total, err := h.service.List(requestContext(c), params)
	if err != nil {
		return err
	}

	data := make([]deliveryResponse, 0, len(records))
	for i := range records {
		data = append(data, toDeliveryResponse(&records[i]))
	}
	return c.Status(fiber.StatusOK).JSON(pagedResponse[deliveryResponse]{
		Data: data,
		Meta: listMeta{Page: params.Page, PageSize: params.PageSize, Total: total},
	})
}

func (h *EmailHandler) Events(c *fiber.Ctx) error {
	events, err := h.service.EventsForMessage(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(listResponse[eventResponse]{Data: toEventResponses(events)})
}

// Attempts lists the provider calls made for a message, in failover order.
func (h *EmailHandler) Attempts(c *fiber.Ctx) error {
	attempts, err := h.service.AttemptsForMessage(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}

	data := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		data = append(data, attemptResponse{
			Attempt:    a.AttemptNumber,
			Provider:   a.Provider,
			StatusCode: a.StatusCode,
			Error:      a.Error,
			CreatedAt:  a.CreatedAt,
		})
	}
	return c.Status(fiber.StatusOK).JSON(listResponse[attemptResponse]{Data: data})
}

func parseDeliveryListParams(c *fiber.Ctx) (domain.DeliveryListParams, error) {
	params := domain.DeliveryListParams{
		ClientID: requestClientID(c),
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return domain.DeliveryListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return domain.DeliveryListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return domain.DeliveryListParams{}, err
		}
		params.Status = &status
	}

	return params, nil
}

func toSendResponse(result *service.SendResult) sendResponse {
	if result == nil || result.Record == nil {
		return sendResponse{}
	}
	r := result.Record
	return sendResponse{
		MessageID:         r.ID,
		Status:            r.Status.String(),
		Provider:          r.Provider,
		ProviderMessageID: r.ProviderMessageID,
		Suppressed:        result.Suppressed,
		Duplicate:         result.Duplicate,
		ScheduledAt:       r.ScheduledAt,
	}
}

func toDeliveryResponse(r *domain.DeliveryRecord) deliveryResponse {
	if r == nil {
		return deliveryResponse{}
	}
	return deliveryResponse{
		ID:                   r.ID,
		ClientID:             r.ClientID,
		Recipients:           r.Recipients,
		SuppressedRecipients: r.SuppressedRecipients,
		From:                 r.From,
		Subject:              r.Subject,
		Status:               r.Status.String(),
		BounceClassification: string(r.BounceClassification),
		Provider:             r.Provider,
		ProviderMessageID:    r.ProviderMessageID,
		IdempotencyKey:       r.IdempotencyKey,
		LastError:            r.LastError,
		ScheduledAt:          r.ScheduledAt,
		SentAt:               r.SentAt,
		DeliveredAt:          r.DeliveredAt,
		BouncedAt:            r.BouncedAt,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

func toEventResponses(events []domain.WebhookEvent) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			ID:        e.ID,
			Type:      e.Type.String(),
			Provider:  e.Provider,
			MessageID: e.MessageID,
			Recipient: e.Recipient,
			Timestamp: e.Timestamp,
			Metadata:  e.Metadata,
		})
	}
	return out
}
