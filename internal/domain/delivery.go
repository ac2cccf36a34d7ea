package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a delivery record.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusBounced   Status = "bounced"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusScheduled, StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusBounced, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further dispatch transition is expected.
// Webhook reconciliation may still overwrite a terminal status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusBounced, StatusFailed:
		return true
	}
	return false
}

var dispatchTransitions = map[Status][]Status{
	StatusScheduled: {StatusQueued, StatusFailed},
	StatusQueued:    {StatusSending, StatusFailed},
	StatusSending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusBounced},
}

// CanTransition reports whether the dispatch path may move from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range dispatchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// BounceClassification distinguishes hard bounces from spam complaints,
// both of which surface as StatusBounced.
type BounceClassification string

const (
	BounceClassificationBounce    BounceClassification = "bounce"
	BounceClassificationComplaint BounceClassification = "complaint"
)

// DeliveryRecord tracks one accepted send through its lifecycle.
type DeliveryRecord struct {
	ID                   string
	ClientID             string
	Recipients           []string
	SuppressedRecipients []string
	From                 string
	Subject              string
	Provider             string
	ProviderMessageID    string
	Status               Status
	BounceClassification BounceClassification
	IdempotencyKey       string
	LastError            string
	Payload              []byte
	ScheduledAt          *time.Time
	SentAt               *time.Time
	DeliveredAt          *time.Time
	BouncedAt            *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DeliveryAttempt records a single provider call made for a delivery.
type DeliveryAttempt struct {
	ID            string
	DeliveryID    string
	AttemptNumber int
	Provider      string
	StatusCode    *int
	Error         *string
	CreatedAt     time.Time
}

// DeliveryListParams filters delivery listings.
type DeliveryListParams struct {
	ClientID string
	Status   *Status
	Page     int
	PageSize int
}
