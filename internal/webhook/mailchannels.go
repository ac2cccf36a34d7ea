package webhook

import (
	"net/http"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

var mailChannelsEventTypes = map[string]domain.EventType{
	"sent":       domain.EventSent,
	"delivered":  domain.EventDelivered,
	"bounced":    domain.EventBounced,
	"failed":     domain.EventFailed,
	"complained": domain.EventComplained,
}

type mailChannelsPayload struct {
	EventType string            `json:"event_type"`
	MessageID string            `json:"message_id"`
	Recipient string            `json:"recipient"`
	Timestamp string            `json:"timestamp"`
	Details   map[string]string `json:"details"`
}

// MailChannelsParser handles single-event MailChannels webhooks.
type MailChannelsParser struct {
	now func() time.Time
}

func NewMailChannelsParser() *MailChannelsParser {
	return &MailChannelsParser{now: time.Now}
}

func (p *MailChannelsParser) Name() string { return "mailchannels" }

func (p *MailChannelsParser) Parse(body []byte, _ http.Header) ([]domain.WebhookEvent, error) {
	var payload mailChannelsPayload
	if err := decode(p.Name(), body, &payload); err != nil {
		return nil, err
	}

	typ, ok := mailChannelsEventTypes[payload.EventType]
	if !ok || payload.MessageID == "" {
		return nil, nil
	}

	e := newEvent(p.Name(), typ, payload.MessageID, payload.Recipient, parseTimestamp(payload.Timestamp, p.now()), body)
	e.Metadata = compactMetadata(payload.Details)
	return []domain.WebhookEvent{e}, nil
}

func (p *MailChannelsParser) VerifySignature(body []byte, headers http.Header, secret string) error {
	return verifyHexHMAC(p.Name(), body, headers, secret)
}
