package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/observability"
)

// ClientIDHeader identifies the calling client for rate limiting and idempotency.
const ClientIDHeader = "X-Client-ID"

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// validateBody runs struct tag validation and reports the first failing field.
func validateBody(v any) error {
	err := requestValidator().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		if fe.Param() != "" {
			return fmt.Errorf("%w: %s failed %s=%s", domain.ErrValidation, fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("%w: %s failed %s", domain.ErrValidation, fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", domain.ErrValidation, err)
}

func parseBody(c *fiber.Ctx, dest any) error {
	if err := c.BodyParser(dest); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return validateBody(dest)
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// requestContext carries the correlation and client ids into service calls.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return observability.WithClientID(ctx, requestClientID(c))
}

func requestClientID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(ClientIDHeader)); value != "" {
		return value
	}
	return c.IP()
}

// requestHeaders copies the fasthttp headers into a net/http header map.
func requestHeaders(c *fiber.Ctx) http.Header {
	headers := make(http.Header)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers.Add(string(key), string(value))
	})
	return headers
}
