package provider

import (
	"context"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

// Provider is the outbound email delivery port. Implementations own their
// wire format and report failures as *ProviderError.
type Provider interface {
	Name() string
	Send(ctx context.Context, req *domain.SendRequest) (*SendResult, error)
	HealthCheck(ctx context.Context) HealthStatus
	Capabilities() Capabilities
}

// SendResult stores provider call metadata for audit and persistence.
type SendResult struct {
	Provider   string
	MessageID  string
	StatusCode int
}

// Capabilities describes what a provider can carry in one request.
type Capabilities struct {
	SupportsAttachments     bool `json:"supportsAttachments"`
	SupportsBCC             bool `json:"supportsBcc"`
	MaxRecipientsPerRequest int  `json:"maxRecipientsPerRequest"`
}

// CanCarry reports whether req fits within the capabilities.
func (c Capabilities) CanCarry(req *domain.SendRequest) bool {
	if req == nil {
		return false
	}
	if len(req.Attachments) > 0 && !c.SupportsAttachments {
		return false
	}
	if len(req.BCC) > 0 && !c.SupportsBCC {
		return false
	}
	if c.MaxRecipientsPerRequest > 0 && req.RecipientCount() > c.MaxRecipientsPerRequest {
		return false
	}
	return true
}

// HealthStatus is the result of a provider reachability check.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

func healthFromErr(start time.Time, err error) HealthStatus {
	status := HealthStatus{
		Healthy:   err == nil,
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
