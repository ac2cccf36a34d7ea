package webhook

import (
	"net/http"
	"strings"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

type postmarkPayload struct {
	RecordType  string `json:"RecordType"`
	MessageID   string `json:"MessageID"`
	Recipient   string `json:"Recipient"`
	Email       string `json:"Email"`
	DeliveredAt string `json:"DeliveredAt"`
	BouncedAt   string `json:"BouncedAt"`
	Type        string `json:"Type"`
	Description string `json:"Description"`
}

// PostmarkParser handles Postmark delivery, bounce and spam complaint hooks.
type PostmarkParser struct {
	now func() time.Time
}

func NewPostmarkParser() *PostmarkParser {
	return &PostmarkParser{now: time.Now}
}

func (p *PostmarkParser) Name() string { return "postmark" }

func (p *PostmarkParser) Parse(body []byte, _ http.Header) ([]domain.WebhookEvent, error) {
	var payload postmarkPayload
	if err := decode(p.Name(), body, &payload); err != nil {
		return nil, err
	}
	if payload.MessageID == "" {
		return nil, nil
	}

	var (
		typ       domain.EventType
		occurred  string
		recipient = payload.Recipient
	)
	switch payload.RecordType {
	case "Delivery":
		typ, occurred = domain.EventDelivered, payload.DeliveredAt
	case "Bounce":
		typ, occurred, recipient = domain.EventBounced, payload.BouncedAt, payload.Email
		// Soft bounces are retried by Postmark and do not invalidate the address.
		if strings.HasPrefix(payload.Type, "Soft") || payload.Type == "Transient" {
			return nil, nil
		}
	case "SpamComplaint":
		typ, occurred, recipient = domain.EventComplained, payload.BouncedAt, payload.Email
	default:
		return nil, nil
	}

	e := newEvent(p.Name(), typ, payload.MessageID, recipient, parseTimestamp(occurred, p.now()), body)
	e.Metadata = compactMetadata(map[string]string{
		"bounceType": payload.Type,
		"reason":     payload.Description,
	})
	return []domain.WebhookEvent{e}, nil
}

func (p *PostmarkParser) VerifySignature(body []byte, headers http.Header, secret string) error {
	return verifyHexHMAC(p.Name(), body, headers, secret)
}
