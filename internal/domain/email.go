package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Attachment is a base64 encoded file carried with a message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Content     string `json:"content"`
}

// SendRequest is a single outbound email as submitted by a client.
type SendRequest struct {
	From           string            `json:"from"`
	To             []string          `json:"to"`
	CC             []string          `json:"cc,omitempty"`
	BCC            []string          `json:"bcc,omitempty"`
	ReplyTo        string            `json:"replyTo,omitempty"`
	Subject        string            `json:"subject"`
	HTML           string            `json:"html,omitempty"`
	Text           string            `json:"text,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	ScheduledAt    *time.Time        `json:"scheduledAt,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func emailValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ValidEmail reports whether address is a syntactically valid email address.
func ValidEmail(address string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return false
	}
	return emailValidator().Var(address, "email") == nil
}

// NormalizeEmail lower-cases and trims an address for registry lookups.
func NormalizeEmail(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Normalize trims whitespace on every address and the idempotency key.
func (r *SendRequest) Normalize() {
	r.From = strings.TrimSpace(r.From)
	r.ReplyTo = strings.TrimSpace(r.ReplyTo)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	r.To = trimAll(r.To)
	r.CC = trimAll(r.CC)
	r.BCC = trimAll(r.BCC)
}

func (r *SendRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request is required", ErrValidation)
	}
	if len(r.To) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	if strings.TrimSpace(r.HTML) == "" && strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: html or text content is required", ErrValidation)
	}
	if r.From == "" {
		return fmt.Errorf("%w: from address is required", ErrValidation)
	}
	if !ValidEmail(extractAddress(r.From)) {
		return fmt.Errorf("%w: invalid from address %q", ErrValidation, r.From)
	}
	for _, list := range [][]string{r.To, r.CC, r.BCC} {
		for _, address := range list {
			if !ValidEmail(address) {
				return fmt.Errorf("%w: invalid email address %q", ErrValidation, address)
			}
		}
	}
	if r.ReplyTo != "" && !ValidEmail(r.ReplyTo) {
		return fmt.Errorf("%w: invalid reply-to address %q", ErrValidation, r.ReplyTo)
	}
	for i, a := range r.Attachments {
		if strings.TrimSpace(a.Filename) == "" {
			return fmt.Errorf("%w: attachment %d has no filename", ErrValidation, i)
		}
		if _, err := base64.StdEncoding.DecodeString(a.Content); err != nil {
			return fmt.Errorf("%w: attachment %q is not valid base64", ErrValidation, a.Filename)
		}
	}
	return nil
}

// Recipients returns To, CC and BCC concatenated in that order.
func (r *SendRequest) Recipients() []string {
	out := make([]string, 0, len(r.To)+len(r.CC)+len(r.BCC))
	out = append(out, r.To...)
	out = append(out, r.CC...)
	out = append(out, r.BCC...)
	return out
}

// RecipientCount is the number of addresses a provider has to accept.
func (r *SendRequest) RecipientCount() int {
	return len(r.To) + len(r.CC) + len(r.BCC)
}

// WithRecipients returns a copy restricted to the allowed address set.
func (r *SendRequest) WithRecipients(allowed map[string]struct{}) *SendRequest {
	clone := *r
	clone.To = keepAllowed(r.To, allowed)
	clone.CC = keepAllowed(r.CC, allowed)
	clone.BCC = keepAllowed(r.BCC, allowed)
	return &clone
}

// Restrict drops every address outside allowed. When no To address survives,
// CC survivors move up to To. BCC survivors are never made visible: if only
// they remain, the sender becomes the To address and they stay blind copies.
func (r *SendRequest) Restrict(allowed map[string]struct{}) *SendRequest {
	clone := r.WithRecipients(allowed)
	if len(clone.To) > 0 {
		return clone
	}
	switch {
	case len(clone.CC) > 0:
		clone.To, clone.CC = clone.CC, nil
	case len(clone.BCC) > 0:
		clone.To = []string{extractAddress(clone.From)}
	}
	return clone
}

// extractAddress returns the bare address of "Name <addr>" style values.
func extractAddress(value string) string {
	if start := strings.LastIndex(value, "<"); start >= 0 {
		if end := strings.LastIndex(value, ">"); end > start {
			return strings.TrimSpace(value[start+1 : end])
		}
	}
	return value
}

func keepAllowed(addresses []string, allowed map[string]struct{}) []string {
	if len(addresses) == 0 {
		return nil
	}
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if _, ok := allowed[NormalizeEmail(a)]; ok {
			out = append(out, a)
		}
	}
	return out
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
