package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/service"
)

func TestWebhookIntegration_Receive(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	payload := `{"type":"email.bounced","data":{"email_id":"re_1","to":["a@x.com"]}}`

	svc := &stubWebhookService{
		processFn: func(ctx context.Context, provider string, headers http.Header, body []byte) (*service.WebhookResult, error) {
			if provider != "resend" {
				t.Fatalf("provider = %q, want resend", provider)
			}
			if headers.Get("Svix-Id") != "msg_1" {
				t.Fatalf("svix-id header = %q, want msg_1", headers.Get("Svix-Id"))
			}
			if string(body) != payload {
				t.Fatalf("body = %s", body)
			}
			return &service.WebhookResult{
				Processed: 1,
				Events: []domain.WebhookEvent{
					{ID: "e1", Type: domain.EventBounced, MessageID: "re_1", Recipient: "a@x.com", Timestamp: at},
				},
			}, nil
		},
	}
	app := newTestApp(t, Services{Webhooks: svc})

	resp, body := performRequestWithHeaders(t, app, http.MethodPost, "/webhooks/Resend", payload, map[string]string{
		"svix-id": "msg_1",
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed webhookResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Processed != 1 || len(parsed.Events) != 1 || parsed.Events[0].Type != "bounced" {
		t.Fatalf("response = %+v", parsed)
	}
}

func TestWebhookIntegration_ReceiveErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "unknown provider", err: fmt.Errorf("%w: unknown webhook provider", domain.ErrNotFound), wantStatus: fiber.StatusNotFound},
		{name: "bad signature", err: fmt.Errorf("%w: signature mismatch", domain.ErrAuthentication), wantStatus: fiber.StatusUnauthorized},
		{name: "malformed", err: fmt.Errorf("%w: malformed payload", domain.ErrValidation), wantStatus: fiber.StatusBadRequest},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &stubWebhookService{
				processFn: func(context.Context, string, http.Header, []byte) (*service.WebhookResult, error) {
					return nil, tt.err
				},
			}
			app := newTestApp(t, Services{Webhooks: svc})

			resp, body := performRequest(t, app, http.MethodPost, "/webhooks/sendgrid", `[]`)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantStatus, string(body))
			}
		})
	}
}

func TestWebhookIntegration_VerifyAndEvents(t *testing.T) {
	t.Parallel()

	svc := &stubWebhookService{
		eventsFn: func(ctx context.Context, messageID string) ([]domain.WebhookEvent, error) {
			if messageID != "re_1" {
				t.Fatalf("messageID = %q, want re_1", messageID)
			}
			return []domain.WebhookEvent{{ID: "e1", Type: domain.EventDelivered, MessageID: "re_1"}}, nil
		},
	}
	app := newTestApp(t, Services{Webhooks: svc})

	resp, body := performRequest(t, app, http.MethodGet, "/webhooks/resend?challenge=abc123", "")
	if resp.StatusCode != fiber.StatusOK || string(body) != "abc123" {
		t.Fatalf("status = %d body = %q, want 200 abc123", resp.StatusCode, string(body))
	}

	resp, body = performRequest(t, app, http.MethodGet, "/webhooks/sendgrid", "")
	if resp.StatusCode != fiber.StatusOK || string(body) != "OK" {
		t.Fatalf("status = %d body = %q, want 200 OK", resp.StatusCode, string(body))
	}

	resp, body = performRequest(t, app, http.MethodGet, "/webhooks/events/re_1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var events listResponse[eventResponse]
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(events.Data) != 1 || events.Data[0].Type != "delivered" {
		t.Fatalf("events = %+v", events.Data)
	}
}
