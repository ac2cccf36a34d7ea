package handler

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/service"
)

const (
	defaultSuppressionLimit = 50
	maxSuppressionLimit     = 100
	maxSuppressionChecks    = 100
)

type SuppressionService interface {
	List(ctx context.Context, params domain.SuppressionListParams) ([]domain.SuppressionEntry, int64, error)
	AddEmail(ctx context.Context, email string, reason domain.SuppressionReason, opts service.SuppressionOptions) (*domain.SuppressionEntry, error)
	AddEmails(ctx context.Context, items []service.AddSuppressionRequest) (*service.BulkSuppressionResult, error)
	Stats(ctx context.Context) (*domain.SuppressionStats, error)
	CheckMany(ctx context.Context, emails []string) (map[string]domain.SuppressionStatus, error)
	GetEntry(ctx context.Context, email string) (*domain.SuppressionEntry, error)
	RemoveEmail(ctx context.Context, email string) (bool, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

type SuppressionHandler struct {
	service SuppressionService
}

func NewSuppressionHandler(service SuppressionService) (*SuppressionHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("suppression service is required")
	}
	return &SuppressionHandler{service: service}, nil
}

type addSuppressionRequest struct {
	Email     string     `json:"email" validate:"required,email"`
	Reason    string     `json:"reason" validate:"required,oneof=bounce complaint manual unsubscribe"`
	Notes     string     `json:"notes" validate:"max=1000"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// addSuppressionsRequest accepts a single entry or an entries list.
type addSuppressionsRequest struct {
	addSuppressionRequest
	Entries []addSuppressionRequest `json:"entries"`
}

type checkSuppressionsRequest struct {
	Emails []string `json:"emails" validate:"required,min=1,max=100,dive,email"`
}

type suppressionResponse struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	Reason          string     `json:"reason"`
	SourceMessageID *string    `json:"sourceMessageId,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type suppressionListResponse struct {
	Data []suppressionResponse `json:"data"`
	Meta suppressionListMeta   `json:"meta"`
}

type suppressionListMeta struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

func (h *SuppressionHandler) List(c *fiber.Ctx) error {
	params := domain.SuppressionListParams{
		Limit:  c.QueryInt("limit", defaultSuppressionLimit),
		Offset: c.QueryInt("offset", 0),
		Search: strings.TrimSpace(c.Query("search")),
	}
	if params.Limit < 1 {
		return fmt.Errorf("%w: limit must be >= 1", domain.ErrValidation)
	}
	params.Limit = min(params.Limit, maxSuppressionLimit)
	if params.Offset < 0 {
		return fmt.Errorf("%w: offset must be >= 0", domain.ErrValidation)
	}
	if raw := strings.TrimSpace(c.Query("reason")); raw != "" {
		reason, err := domain.ParseSuppressionReason(raw)
		if err != nil {
			return err
		}
		params.Reason = &reason
	}

	entries, total, err := h.service.List(requestContext(c), params)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(suppressionListResponse{
		Data: toSuppressionResponses(entries),
		Meta: suppressionListMeta{Total: total, Limit: params.Limit, Offset: params.Offset},
	})
}

// Add registers one address, or every item of "entries" when present.
func (h *SuppressionHandler) Add(c *fiber.Ctx) error {
	var req addSuppressionsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	ctx := requestContext(c)

	if len(req.Entries) > 0 {
		items := make([]service.AddSuppressionRequest, 0, len(req.Entries))
		for _, entry := range req.Entries {
			items = append(items, service.AddSuppressionRequest{
				Email:  entry.Email,
				Reason: domain.SuppressionReason(strings.ToLower(strings.TrimSpace(entry.Reason))),
				SuppressionOptions: service.SuppressionOptions{
					Notes:     entry.Notes,
					ExpiresAt: entry.ExpiresAt,
				},
			})
		}
		result, err := h.service.AddEmails(ctx, items)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(result)
	}

	if err := validateBody(req.addSuppressionRequest); err != nil {
		return err
	}
	entry, err := h.service.AddEmail(ctx,
		req.Email,
		domain.SuppressionReason(req.Reason),
		service.SuppressionOptions{Notes: req.Notes, ExpiresAt: req.ExpiresAt},
	)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(toSuppressionResponse(entry))
}

func (h *SuppressionHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(requestContext(c))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(stats)
}

func (h *SuppressionHandler) Check(c *fiber.Ctx) error {
	var req checkSuppressionsRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	statuses, err := h.service.CheckMany(requestContext(c), req.Emails)
	if err != nil {
		return err
	}

	results := make(map[string]domain.SuppressionStatus, len(req.Emails))
	for _, email := range req.Emails {
		results[email] = statuses[domain.NormalizeEmail(email)]
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"results": results})
}

func (h *SuppressionHandler) Get(c *fiber.Ctx) error {
	email, err := emailParam(c)
	if err != nil {
		return err
	}

	entry, err := h.service.GetEntry(requestContext(c), email)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toSuppressionResponse(entry))
}

func (h *SuppressionHandler) Remove(c *fiber.Ctx) error {
	email, err := emailParam(c)
	if err != nil {
		return err
	}

	removed, err := h.service.RemoveEmail(requestContext(c), email)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s is not suppressed", domain.ErrNotFound, email)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"removed": true})
}

func (h *SuppressionHandler) Cleanup(c *fiber.Ctx) error {
	removed, err := h.service.CleanupExpired(requestContext(c))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"removed": removed})
}

func emailParam(c *fiber.Ctx) (string, error) {
	email, err := url.PathUnescape(c.Params("email"))
	if err != nil {
		return "", fmt.Errorf("%w: malformed email path parameter", domain.ErrValidation)
	}
	return strings.TrimSpace(email), nil
}

func toSuppressionResponses(entries []domain.SuppressionEntry) []suppressionResponse {
	out := make([]suppressionResponse, 0, len(entries))
	for i := range entries {
		out = append(out, toSuppressionResponse(&entries[i]))
	}
	return out
}

func toSuppressionResponse(e *domain.SuppressionEntry) suppressionResponse {
	if e == nil {
		return suppressionResponse{}
	}
	return suppressionResponse{
		ID:              e.ID,
		Email:           e.Email,
		Reason:          e.Reason.String(),
		SourceMessageID: e.SourceMessageID,
		Notes:           e.Notes,
		ExpiresAt:       e.ExpiresAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}
