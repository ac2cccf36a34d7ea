package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrRecipientBlocked   = errors.New("recipient blocked")
	ErrAuthentication     = errors.New("authentication failed")
	ErrProvider           = errors.New("provider error")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrInternal           = errors.New("internal error")
)

// Stable error codes exposed to API clients.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeRecipientBlocked   = "RECIPIENT_BLOCKED"
	CodeAuthentication     = "AUTHENTICATION_ERROR"
	CodeProvider           = "PROVIDER_ERROR"
	CodeAllProvidersFailed = "ALL_PROVIDERS_FAILED"
	CodeInternal           = "INTERNAL_ERROR"
)

// RateLimitError is returned when a client exhausts its sending window.
type RateLimitError struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per window, resets at %s",
		e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter returns the wait until the window frees a slot, never negative.
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RecipientBlockedError is returned when every recipient of a send is suppressed.
type RecipientBlockedError struct {
	Recipients []SuppressedRecipient
}

func (e *RecipientBlockedError) Error() string {
	emails := make([]string, 0, len(e.Recipients))
	for _, r := range e.Recipients {
		emails = append(emails, r.Email)
	}
	return fmt.Sprintf("all recipients are suppressed: %s", strings.Join(emails, ", "))
}

func (e *RecipientBlockedError) Is(target error) bool { return target == ErrRecipientBlocked }

// ProviderFailure is a single provider outcome inside an exhausted failover.
type ProviderFailure struct {
	Provider string
	Message  string
}

// AllProvidersFailedError aggregates every provider failure of one send.
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Failures) == 0 {
		return "all providers failed: no providers available"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Provider, f.Message))
	}
	return "all providers failed: " + strings.Join(parts, ", ")
}

func (e *AllProvidersFailedError) Is(target error) bool { return target == ErrAllProvidersFailed }

// ErrorCode maps an error chain to its stable client-facing code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrRecipientBlocked):
		return CodeRecipientBlocked
	case errors.Is(err, ErrAuthentication):
		return CodeAuthentication
	case errors.Is(err, ErrAllProvidersFailed):
		return CodeAllProvidersFailed
	case errors.Is(err, ErrProvider):
		return CodeProvider
	default:
		return CodeInternal
	}
}
