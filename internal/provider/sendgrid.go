package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

const (
	NameSendGrid           = "sendgrid"
	defaultSendGridBaseURL = "https://api.sendgrid.com"
)

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To         []sendGridAddress `json:"to"`
	CC         []sendGridAddress `json:"cc,omitempty"`
	BCC        []sendGridAddress `json:"bcc,omitempty"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridAttachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	ReplyTo          *sendGridAddress          `json:"reply_to,omitempty"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	Attachments      []sendGridAttachment      `json:"attachments,omitempty"`
	Headers          map[string]string         `json:"headers,omitempty"`
}

// SendGridProvider delivers through the SendGrid v3 mail API.
type SendGridProvider struct {
	api    *httpAPI
	apiKey string
}

func NewSendGridProvider(opts HTTPOptions) (*SendGridProvider, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	api, err := newHTTPAPI(NameSendGrid, defaultSendGridBaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &SendGridProvider{api: api, apiKey: apiKey}, nil
}

func (p *SendGridProvider) Name() string { return NameSendGrid }

func (p *SendGridProvider) Capabilities() Capabilities {
	return Capabilities{SupportsAttachments: true, SupportsBCC: true, MaxRecipientsPerRequest: 1000}
}

func (p *SendGridProvider) Send(ctx context.Context, req *domain.SendRequest) (*SendResult, error) {
	name, address := splitAddress(req.From)
	body := sendGridRequest{
		Personalizations: []sendGridPersonalization{{
			To:         sendGridAddresses(req.To),
			CC:         sendGridAddresses(req.CC),
			BCC:        sendGridAddresses(req.BCC),
			CustomArgs: req.Tags,
		}},
		From:    sendGridAddress{Email: address, Name: name},
		Subject: req.Subject,
		Headers: req.Headers,
	}
	if req.ReplyTo != "" {
		body.ReplyTo = &sendGridAddress{Email: req.ReplyTo}
	}
	// SendGrid requires text/plain before text/html.
	if req.Text != "" {
		body.Content = append(body.Content, sendGridContent{Type: "text/plain", Value: req.Text})
	}
	if req.HTML != "" {
		body.Content = append(body.Content, sendGridContent{Type: "text/html", Value: req.HTML})
	}
	for _, a := range req.Attachments {
		body.Attachments = append(body.Attachments, sendGridAttachment{
			Content:     a.Content,
			Filename:    a.Filename,
			Type:        a.ContentType,
			Disposition: "attachment",
		})
	}

	response, err := p.api.do(ctx, http.MethodPost, "/v3/mail/send", p.authHeaders(), body, nil)
	if err != nil {
		return nil, err
	}

	messageID := strings.TrimSpace(response.Header().Get("X-Message-Id"))
	if messageID == "" {
		return nil, &ProviderError{
			Provider:   NameSendGrid,
			StatusCode: response.StatusCode(),
			Message:    "response did not include X-Message-Id",
			Kind:       KindTransient,
		}
	}

	return &SendResult{Provider: NameSendGrid, MessageID: messageID, StatusCode: response.StatusCode()}, nil
}

func (p *SendGridProvider) HealthCheck(ctx context.Context) HealthStatus {
	return p.api.checkHealth(ctx, "/v3/scopes", p.authHeaders())
}

func (p *SendGridProvider) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func sendGridAddresses(addresses []string) []sendGridAddress {
	if len(addresses) == 0 {
		return nil
	}
	out := make([]sendGridAddress, 0, len(addresses))
	for _, a := range addresses {
		out = append(out, sendGridAddress{Email: a})
	}
	return out
}
