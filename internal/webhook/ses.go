package webhook

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID   string   `json:"messageId"`
		Timestamp   string   `json:"timestamp"`
		Destination []string `json:"destination"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string         `json:"bounceType"`
		BounceSubType     string         `json:"bounceSubType"`
		BouncedRecipients []sesRecipient `json:"bouncedRecipients"`
		Timestamp         string         `json:"timestamp"`
	} `json:"bounce"`
	Complaint *struct {
		ComplainedRecipients  []sesRecipient `json:"complainedRecipients"`
		ComplaintFeedbackType string         `json:"complaintFeedbackType"`
		Timestamp             string         `json:"timestamp"`
	} `json:"complaint"`
	Delivery *struct {
		Recipients []string `json:"recipients"`
		Timestamp  string   `json:"timestamp"`
	} `json:"delivery"`
	Send *struct{} `json:"send"`
}

// SESParser handles SES notifications delivered through an SNS subscription.
type SESParser struct {
	now func() time.Time
}

func NewSESParser() *SESParser {
	return &SESParser{now: time.Now}
}

func (p *SESParser) Name() string { return "ses" }

func (p *SESParser) Parse(body []byte, _ http.Header) ([]domain.WebhookEvent, error) {
	var envelope snsEnvelope
	if err := decode(p.Name(), body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Type == "SubscriptionConfirmation" || envelope.Type == "UnsubscribeConfirmation" {
		return nil, nil
	}

	var n sesNotification
	if err := decode(p.Name(), []byte(envelope.Message), &n); err != nil {
		return nil, fmt.Errorf("sns message: %w", err)
	}
	if n.Mail.MessageID == "" {
		return nil, nil
	}

	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}

	now := p.now()
	var events []domain.WebhookEvent
	add := func(typ domain.EventType, recipient, occurred string, metadata map[string]string) {
		e := newEvent(p.Name(), typ, n.Mail.MessageID, recipient, parseTimestamp(occurred, now), body)
		e.Metadata = compactMetadata(metadata)
		events = append(events, e)
	}

	switch kind {
	case "Send":
		for _, r := range n.Mail.Destination {
			add(domain.EventSent, r, n.Mail.Timestamp, nil)
		}
	case "Delivery":
		if n.Delivery != nil {
			for _, r := range n.Delivery.Recipients {
				add(domain.EventDelivered, r, n.Delivery.Timestamp, nil)
			}
		}
	case "Bounce":
		// Transient bounces are retried by SES and never suppress.
		if n.Bounce != nil && n.Bounce.BounceType != "Transient" {
			for _, r := range n.Bounce.BouncedRecipients {
				add(domain.EventBounced, r.EmailAddress, n.Bounce.Timestamp, map[string]string{
					"bounceType":    n.Bounce.BounceType,
					"bounceSubType": n.Bounce.BounceSubType,
				})
			}
		}
	case "Complaint":
		if n.Complaint != nil {
			for _, r := range n.Complaint.ComplainedRecipients {
				add(domain.EventComplained, r.EmailAddress, n.Complaint.Timestamp, map[string]string{
					"complaintFeedbackType": n.Complaint.ComplaintFeedbackType,
				})
			}
		}
	case "Reject", "Rendering Failure":
		for _, r := range n.Mail.Destination {
			add(domain.EventFailed, r, n.Mail.Timestamp, nil)
		}
	}
	return events, nil
}

func (p *SESParser) VerifySignature(body []byte, headers http.Header, secret string) error {
	return verifyHexHMAC(p.Name(), body, headers, secret)
}
