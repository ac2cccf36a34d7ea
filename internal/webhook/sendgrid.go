package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

var sendGridEventTypes = map[string]domain.EventType{
	"processed":  domain.EventSent,
	"delivered":  domain.EventDelivered,
	"bounce":     domain.EventBounced,
	"dropped":    domain.EventFailed,
	"spamreport": domain.EventComplained,
}

type sendGridEvent struct {
	Event                string `json:"event"`
	SGMessageID          string `json:"sg_message_id"`
	Email                string `json:"email"`
	Timestamp            int64  `json:"timestamp"`
	Reason               string `json:"reason"`
	BounceClassification string `json:"bounce_classification"`
}

// SendGridParser handles SendGrid event webhook batches.
type SendGridParser struct{}

func NewSendGridParser() *SendGridParser { return &SendGridParser{} }

func (p *SendGridParser) Name() string { return "sendgrid" }

func (p *SendGridParser) Parse(body []byte, _ http.Header) ([]domain.WebhookEvent, error) {
	var batch []sendGridEvent
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var single sendGridEvent
		if err := decode(p.Name(), body, &single); err != nil {
			return nil, err
		}
		batch = []sendGridEvent{single}
	} else if err := decode(p.Name(), body, &batch); err != nil {
		return nil, err
	}

	events := make([]domain.WebhookEvent, 0, len(batch))
	for _, e := range batch {
		typ, ok := sendGridEventTypes[e.Event]
		if !ok || e.SGMessageID == "" {
			continue
		}
		// sg_message_id is "<x-message-id>.<filter suffix>".
		messageID, _, _ := strings.Cut(e.SGMessageID, ".")

		raw, err := json.Marshal(e)
		if err != nil {
			raw = body
		}
		event := newEvent(p.Name(), typ, messageID, e.Email, time.Unix(e.Timestamp, 0).UTC(), raw)
		event.Metadata = compactMetadata(map[string]string{
			"reason":               e.Reason,
			"bounceClassification": e.BounceClassification,
		})
		events = append(events, event)
	}
	return events, nil
}

func (p *SendGridParser) VerifySignature(body []byte, headers http.Header, secret string) error {
	return verifyHexHMAC(p.Name(), body, headers, secret)
}
