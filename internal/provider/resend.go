package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

const (
	NameResend           = "resend"
	defaultResendBaseURL = "https://api.resend.com"
)

type resendAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendRequest struct {
	From        string             `json:"from"`
	To          []string           `json:"to"`
	CC          []string           `json:"cc,omitempty"`
	BCC         []string           `json:"bcc,omitempty"`
	ReplyTo     string             `json:"reply_to,omitempty"`
	Subject     string             `json:"subject"`
	HTML        string             `json:"html,omitempty"`
	Text        string             `json:"text,omitempty"`
	Headers     map[string]string  `json:"headers,omitempty"`
	Attachments []resendAttachment `json:"attachments,omitempty"`
	Tags        []resendTag        `json:"tags,omitempty"`
}

type resendResponse struct {
	ID string `json:"id"`
}

// ResendProvider delivers through the Resend HTTP API.
type ResendProvider struct {
	api    *httpAPI
	apiKey string
}

func NewResendProvider(opts HTTPOptions) (*ResendProvider, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	api, err := newHTTPAPI(NameResend, defaultResendBaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &ResendProvider{api: api, apiKey: apiKey}, nil
}

func (p *ResendProvider) Name() string { return NameResend }

func (p *ResendProvider) Capabilities() Capabilities {
	return Capabilities{SupportsAttachments: true, SupportsBCC: true, MaxRecipientsPerRequest: 50}
}

func (p *ResendProvider) Send(ctx context.Context, req *domain.SendRequest) (*SendResult, error) {
	body := resendRequest{
		From:    req.From,
		To:      req.To,
		CC:      req.CC,
		BCC:     req.BCC,
		ReplyTo: req.ReplyTo,
		Subject: req.Subject,
		HTML:    req.HTML,
		Text:    req.Text,
		Headers: req.Headers,
	}
	for _, a := range req.Attachments {
		body.Attachments = append(body.Attachments, resendAttachment{
			Filename:    a.Filename,
			Content:     a.Content,
			ContentType: a.ContentType,
		})
	}
	for name, value := range req.Tags {
		body.Tags = append(body.Tags, resendTag{Name: name, Value: value})
	}

	headers := p.authHeaders()
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}

	var out resendResponse
	response, err := p.api.do(ctx, http.MethodPost, "/emails", headers, body, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &ProviderError{
			Provider:   NameResend,
			StatusCode: response.StatusCode(),
			Message:    "response did not include an email id",
			Kind:       KindTransient,
		}
	}

	return &SendResult{Provider: NameResend, MessageID: out.ID, StatusCode: response.StatusCode()}, nil
}

func (p *ResendProvider) HealthCheck(ctx context.Context) HealthStatus {
	return p.api.checkHealth(ctx, "/domains", p.authHeaders())
}

func (p *ResendProvider) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}
