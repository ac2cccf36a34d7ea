package webhook

import (
	"net/http"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

var resendEventTypes = map[string]domain.EventType{
	"email.sent":       domain.EventSent,
	"email.delivered":  domain.EventDelivered,
	"email.bounced":    domain.EventBounced,
	"email.complained": domain.EventComplained,
	"email.failed":     domain.EventFailed,
}

type resendPayload struct {
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		EmailID string   `json:"email_id"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
		Bounce  *struct {
			Type    string `json:"type"`
			SubType string `json:"subType"`
			Message string `json:"message"`
		} `json:"bounce,omitempty"`
	} `json:"data"`
}

// ResendParser handles Resend (svix signed) webhooks.
type ResendParser struct {
	now func() time.Time
}

func NewResendParser() *ResendParser {
	return &ResendParser{now: time.Now}
}

func (p *ResendParser) Name() string { return "resend" }

func (p *ResendParser) Parse(body []byte, _ http.Header) ([]domain.WebhookEvent, error) {
	var payload resendPayload
	if err := decode(p.Name(), body, &payload); err != nil {
		return nil, err
	}

	typ, ok := resendEventTypes[payload.Type]
	if !ok || payload.Data.EmailID == "" {
		return nil, nil
	}

	at := parseTimestamp(payload.CreatedAt, p.now())
	var metadata map[string]string
	if b := payload.Data.Bounce; b != nil {
		metadata = compactMetadata(map[string]string{
			"bounceType":    b.Type,
			"bounceSubType": b.SubType,
			"reason":        b.Message,
		})
	}

	events := make([]domain.WebhookEvent, 0, len(payload.Data.To))
	for _, recipient := range payload.Data.To {
		e := newEvent(p.Name(), typ, payload.Data.EmailID, recipient, at, body)
		e.Metadata = metadata
		events = append(events, e)
	}
	return events, nil
}

func (p *ResendParser) VerifySignature(body []byte, headers http.Header, secret string) error {
	return verifySvix(p.Name(), body, headers, secret, p.now())
}
