package transport

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"go.uber.org/zap"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

var codeStatus = map[string]int{
	domain.CodeValidation:         fiber.StatusBadRequest,
	domain.CodeNotFound:           fiber.StatusNotFound,
	domain.CodeConflict:           fiber.StatusConflict,
	domain.CodeRateLimited:        fiber.StatusTooManyRequests,
	domain.CodeRecipientBlocked:   fiber.StatusUnprocessableEntity,
	domain.CodeAuthentication:     fiber.StatusUnauthorized,
	domain.CodeProvider:           fiber.StatusBadGateway,
	domain.CodeAllProvidersFailed: fiber.StatusBadGateway,
	domain.CodeInternal:           fiber.StatusInternalServerError,
}

// StatusForCode returns the HTTP status for a stable error code.
func StatusForCode(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

// ErrorHandler renders every error as {"error":{"code","message"}}.
// Internal errors are logged in full and answered with a generic message.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		code, status, message := classify(err)

		var rateErr *domain.RateLimitError
		if errors.As(err, &rateErr) {
			SetRateLimitHeaders(c, rateErr.Limit, rateErr.Remaining, rateErr.ResetAt)
			retryAfter := int(rateErr.RetryAfter(time.Now()).Seconds())
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(max(retryAfter, 1)))
		}

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.String("code", code),
			zap.Error(err),
		}
		if status >= fiber.StatusInternalServerError {
			logger.Error("request error", fields...)
		} else {
			logger.Debug("request rejected", fields...)
		}

		return c.Status(status).JSON(errorResponse{
			Error: errorBody{Code: code, Message: message},
		})
	}
}

// SetRateLimitHeaders writes the client window headers.
func SetRateLimitHeaders(c *fiber.Ctx, limit, remaining int, resetAt time.Time) {
	c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

func classify(err error) (code string, status int, message string) {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberCode(fiberErr.Code), fiberErr.Code, fiberErr.Message
	}

	code = domain.ErrorCode(err)
	status = StatusForCode(code)
	if code == domain.CodeInternal {
		return code, status, "internal server error"
	}
	return code, status, err.Error()
}

func fiberCode(status int) string {
	switch status {
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity, fiber.StatusRequestEntityTooLarge:
		return domain.CodeValidation
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return domain.CodeNotFound
	case fiber.StatusConflict:
		return domain.CodeConflict
	case fiber.StatusTooManyRequests:
		return domain.CodeRateLimited
	case fiber.StatusUnauthorized, fiber.StatusForbidden:
		return domain.CodeAuthentication
	default:
		return domain.CodeInternal
	}
}
