package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventType is the canonical delivery event kind shared by all providers.
type EventType string

const (
	EventSent       EventType = "sent"
	EventDelivered  EventType = "delivered"
	EventBounced    EventType = "bounced"
	EventComplained EventType = "complained"
	EventFailed     EventType = "failed"
)

func (t EventType) String() string { return string(t) }

func (t EventType) IsValid() bool {
	switch t {
	case EventSent, EventDelivered, EventBounced, EventComplained, EventFailed:
		return true
	}
	return false
}

// DeliveryStatus maps an event to the record status it produces.
// Complaints collapse into bounced; the classification is kept separately.
func (t EventType) DeliveryStatus() (Status, error) {
	switch t {
	case EventSent:
		return StatusSent, nil
	case EventDelivered:
		return StatusDelivered, nil
	case EventBounced, EventComplained:
		return StatusBounced, nil
	case EventFailed:
		return StatusFailed, nil
	}
	return "", fmt.Errorf("%w: unknown event type %q", ErrValidation, t)
}

// SuppressionReason returns the registry reason an event implies, if any.
func (t EventType) SuppressionReason() (SuppressionReason, bool) {
	switch t {
	case EventBounced:
		return SuppressionReasonBounce, true
	case EventComplained:
		return SuppressionReasonComplaint, true
	}
	return "", false
}

func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid event type %q", ErrValidation, s)
	}
	return t, nil
}

// WebhookEvent is a provider delivery event normalized to one recipient.
type WebhookEvent struct {
	ID         string
	Type       EventType
	Provider   string
	MessageID  string
	Recipient  string
	Timestamp  time.Time
	Metadata   map[string]string
	RawPayload []byte
	CreatedAt  time.Time
}

// DedupKey identifies an event for idempotent status application.
func (e WebhookEvent) DedupKey() string {
	return fmt.Sprintf("webhook:%s:%s:%s", e.Provider, e.MessageID, e.Type)
}

// SuppressionKey identifies the per-recipient suppression step of an event;
// one multi-recipient bounce shares a DedupKey but not a SuppressionKey.
func (e WebhookEvent) SuppressionKey() string {
	return fmt.Sprintf("webhook:%s:%s:%s:%s", e.Provider, e.MessageID, e.Type, strings.ToLower(e.Recipient))
}
