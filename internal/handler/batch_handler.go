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

type BatchService interface {
	SendBatch(ctx context.Context, items []domain.SendRequest, clientID string, opts domain.BatchOptions) (*domain.BatchResult, error)
	QueueBatch(ctx context.Context, items []domain.SendRequest, clientID string, opts domain.BatchOptions) (*service.QueuedBatch, error)
	GetBatchStatus(ctx context.Context, batchID string) (*domain.BatchJob, error)
	GetBatchResults(ctx context.Context, batchID string) ([]domain.BatchItemResult, error)
	CancelBatch(ctx context.Context, batchID string) (*domain.BatchJob, error)
}

type BatchHandler struct {
	service BatchService
}

func NewBatchHandler(service BatchService) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	return &BatchHandler{service: service}, nil
}

type batchRequest struct {
	Emails  []domain.SendRequest `json:"emails" validate:"required,min=1"`
	Options *batchOptionsRequest `json:"options"`
}

type batchOptionsRequest struct {
	SkipSuppressed *bool `json:"skipSuppressed"`
	StopOnError    bool  `json:"stopOnError"`
	MaxConcurrent  int   `json:"maxConcurrent" validate:"omitempty,min=1,max=50"`
	DelayBetweenMs int   `json:"delayBetweenMs" validate:"min=0,max=10000"`
}

type batchResultResponse struct {
	BatchID        string                   `json:"batchId"`
	TotalRequested int                      `json:"totalRequested"`
	TotalSent      int                      `json:"totalSent"`
	TotalFailed    int                      `json:"totalFailed"`
	TotalSkipped   int                      `json:"totalSkipped"`
	DurationMs     int64                    `json:"durationMs"`
	Results        []domain.BatchItemResult `json:"results"`
	Error          *domain.BatchItemError   `json:"error,omitempty"`
}

func (r batchRequest) options() domain.BatchOptions {
	opts := service.DefaultBatchOptions()
	if r.Options == nil {
		return opts
	}
	if r.Options.SkipSuppressed != nil {
		opts.SkipSuppressed = *r.Options.SkipSuppressed
	}
	opts.StopOnError = r.Options.StopOnError
	if r.Options.MaxConcurrent > 0 {
		opts.MaxConcurrent = r.Options.MaxConcurrent
	}
	opts.DelayBetween = time.Duration(r.Options.DelayBetweenMs) * time.Millisecond
	return opts
}

// SendBatch dispatches synchronously. A batch halted by stopOnError still
// answers with the partial results and the halting error.
func (h *BatchHandler) SendBatch(c *fiber.Ctx) error {
	var req batchRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	result, err := h.service.SendBatch(requestContext(c), req.Emails, requestClientID(c), req.options())
	if err != nil && result == nil {
		return err
	}

	resp := toBatchResultResponse(result)
	if err != nil {
		resp.Error = &domain.BatchItemError{Code: domain.ErrorCode(err), Message: err.Error()}
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *BatchHandler) QueueBatch(c *fiber.Ctx) error {
	var req batchRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	queued, err := h.service.QueueBatch(requestContext(c), req.Emails, requestClientID(c), req.options())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(queued)
}

func (h *BatchHandler) GetStatus(c *fiber.Ctx) error {
	job, err := h.service.GetBatchStatus(requestContext(c), strings.TrimSpace(c.Params("batchId")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(job)
}

func (h *BatchHandler) GetResults(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	results, err := h.service.GetBatchResults(requestContext(c), batchID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId": batchID,
		"results": results,
	})
}

func (h *BatchHandler) Cancel(c *fiber.Ctx) error {
	job, err := h.service.CancelBatch(requestContext(c), strings.TrimSpace(c.Params("batchId")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(job)
}

func toBatchResultResponse(r *domain.BatchResult) batchResultResponse {
	return batchResultResponse{
		BatchID:        r.BatchID,
		TotalRequested: r.Requested,
		TotalSent:      r.Sent,
		TotalFailed:    r.Failed,
		TotalSkipped:   r.Skipped,
		DurationMs:     r.Duration.Milliseconds(),
		Results:        r.Results,
	}
}
