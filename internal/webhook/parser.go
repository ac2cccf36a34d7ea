// Package webhook turns provider delivery-event payloads into canonical
// domain events and verifies their signatures.
package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

// Parser understands one provider's webhook format.
type Parser interface {
	Name() string
	// Parse returns one event per recipient. Unknown event kinds are skipped.
	Parse(body []byte, headers http.Header) ([]domain.WebhookEvent, error)
	// VerifySignature checks the request against the provider signing secret.
	VerifySignature(body []byte, headers http.Header, secret string) error
}

// Registry maps provider names to parsers.
type Registry struct {
	parsers map[string]Parser
}

func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{parsers: make(map[string]Parser, len(parsers))}
	for _, p := range parsers {
		r.parsers[strings.ToLower(p.Name())] = p
	}
	return r
}

// DefaultRegistry registers a parser for every supported provider.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewResendParser(),
		NewSendGridParser(),
		NewMailChannelsParser(),
		NewPostmarkParser(),
		NewSESParser(),
	)
}

func (r *Registry) Get(provider string) (Parser, error) {
	p, ok := r.parsers[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, fmt.Errorf("%w: no webhook parser for provider %q", domain.ErrNotFound, provider)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func decode(provider string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed %s webhook payload: %v", domain.ErrValidation, provider, err)
	}
	return nil
}

// parseTimestamp accepts RFC 3339 strings and unix seconds; zero means now.
func parseTimestamp(raw string, now time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now.UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return now.UTC()
}

func newEvent(provider string, typ domain.EventType, messageID, recipient string, at time.Time, raw []byte) domain.WebhookEvent {
	return domain.WebhookEvent{
		Type:       typ,
		Provider:   provider,
		MessageID:  strings.TrimSpace(messageID),
		Recipient:  domain.NormalizeEmail(recipient),
		Timestamp:  at,
		RawPayload: raw,
	}
}

func compactMetadata(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
