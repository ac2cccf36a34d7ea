package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

// ErrorKind classifies provider call failures.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
	KindAuth      ErrorKind = "auth"
)

// ProviderError classifies provider call failures as transient, permanent or auth.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Kind       ErrorKind
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	} else {
		parts = append(parts, "provider error")
	}

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is lets callers match provider failures against the domain sentinels.
func (e *ProviderError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case domain.ErrProvider:
		return true
	case domain.ErrAuthentication:
		return e.Kind == KindAuth
	}
	return false
}

// IsTransient reports whether an error may succeed on another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind == KindTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// IsAuthError reports whether the provider rejected our credentials.
func IsAuthError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.Kind == KindAuth
}

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests:
		return KindTransient
	case statusCode >= http.StatusInternalServerError && statusCode <= 599:
		return KindTransient
	default:
		return KindPermanent
	}
}

// transportError wraps a failure that happened before any HTTP status arrived.
func transportError(provider string, err error) *ProviderError {
	kind := KindTransient
	if errors.Is(err, context.Canceled) {
		kind = KindPermanent
	}
	return &ProviderError{
		Provider: provider,
		Message:  "request failed",
		Kind:     kind,
		Cause:    err,
	}
}

func statusError(provider string, statusCode int, body string) *ProviderError {
	message := fmt.Sprintf("provider returned status %d", statusCode)
	if body = strings.TrimSpace(body); body != "" {
		if len(body) > 512 {
			body = body[:512]
		}
		message = fmt.Sprintf("%s: %s", message, body)
	}
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		Kind:       KindForStatus(statusCode),
	}
}
