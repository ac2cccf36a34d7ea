package domain

import (
	"fmt"
	"strings"
	"time"
)

// SuppressionReason explains why an address is blocked from sending.
type SuppressionReason string

const (
	SuppressionReasonBounce      SuppressionReason = "bounce"
	SuppressionReasonComplaint   SuppressionReason = "complaint"
	SuppressionReasonManual      SuppressionReason = "manual"
	SuppressionReasonUnsubscribe SuppressionReason = "unsubscribe"
)

func (r SuppressionReason) String() string { return string(r) }

func (r SuppressionReason) IsValid() bool {
	switch r {
	case SuppressionReasonBounce, SuppressionReasonComplaint, SuppressionReasonManual, SuppressionReasonUnsubscribe:
		return true
	}
	return false
}

// SuppressionReasons lists every reason in a stable order.
func SuppressionReasons() []SuppressionReason {
	return []SuppressionReason{
		SuppressionReasonBounce,
		SuppressionReasonComplaint,
		SuppressionReasonManual,
		SuppressionReasonUnsubscribe,
	}
}

func ParseSuppressionReason(s string) (SuppressionReason, error) {
	r := SuppressionReason(strings.ToLower(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", fmt.Errorf("%w: invalid suppression reason %q", ErrValidation, s)
	}
	return r, nil
}

// SuppressionEntry is a blocked address. Email is stored lower-cased.
type SuppressionEntry struct {
	ID              string
	Email           string
	Reason          SuppressionReason
	SourceMessageID *string
	Notes           *string
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActiveAt reports whether the entry still blocks sending at t.
func (e *SuppressionEntry) ActiveAt(t time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(t)
}

// SuppressionStatus is the lookup answer for a single address.
type SuppressionStatus struct {
	Suppressed bool              `json:"suppressed"`
	Reason     SuppressionReason `json:"reason,omitempty"`
}

// SuppressedRecipient is an address dropped from a send and why.
type SuppressedRecipient struct {
	Email  string            `json:"email"`
	Reason SuppressionReason `json:"reason"`
}

// SuppressionListParams filters suppression listings.
type SuppressionListParams struct {
	Reason *SuppressionReason
	Search string
	Limit  int
	Offset int
}

// SuppressionStats counts active entries per reason.
type SuppressionStats struct {
	Total    int64                       `json:"total"`
	ByReason map[SuppressionReason]int64 `json:"byReason"`
}
