package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

const (
	NameMailChannels           = "mailchannels"
	defaultMailChannelsBaseURL = "https://api.mailchannels.net"
)

type mailChannelsAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type mailChannelsPersonalization struct {
	To  []mailChannelsAddress `json:"to"`
	CC  []mailChannelsAddress `json:"cc,omitempty"`
	BCC []mailChannelsAddress `json:"bcc,omitempty"`
}

type mailChannelsContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mailChannelsRequest struct {
	Personalizations []mailChannelsPersonalization `json:"personalizations"`
	From             mailChannelsAddress           `json:"from"`
	ReplyTo          *mailChannelsAddress          `json:"reply_to,omitempty"`
	Subject          string                        `json:"subject"`
	Content          []mailChannelsContent         `json:"content"`
	Headers          map[string]string             `json:"headers,omitempty"`
}

// MailChannelsProvider delivers through the MailChannels transactional API.
// The API does not return an id, so one is generated and sent as Message-ID.
type MailChannelsProvider struct {
	api    *httpAPI
	apiKey string
	newID  func() string
}

func NewMailChannelsProvider(opts HTTPOptions) (*MailChannelsProvider, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("mailchannels api key is required")
	}
	api, err := newHTTPAPI(NameMailChannels, defaultMailChannelsBaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &MailChannelsProvider{api: api, apiKey: apiKey, newID: uuid.NewString}, nil
}

func (p *MailChannelsProvider) Name() string { return NameMailChannels }

func (p *MailChannelsProvider) Capabilities() Capabilities {
	return Capabilities{SupportsAttachments: false, SupportsBCC: true, MaxRecipientsPerRequest: 1000}
}

func (p *MailChannelsProvider) Send(ctx context.Context, req *domain.SendRequest) (*SendResult, error) {
	messageID := p.newID()
	name, address := splitAddress(req.From)

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	_, domainPart, _ := strings.Cut(address, "@")
	headers["Message-ID"] = fmt.Sprintf("<%s@%s>", messageID, domainPart)

	body := mailChannelsRequest{
		Personalizations: []mailChannelsPersonalization{{
			To:  mailChannelsAddresses(req.To),
			CC:  mailChannelsAddresses(req.CC),
			BCC: mailChannelsAddresses(req.BCC),
		}},
		From:    mailChannelsAddress{Email: address, Name: name},
		Subject: req.Subject,
		Headers: headers,
	}
	if req.ReplyTo != "" {
		body.ReplyTo = &mailChannelsAddress{Email: req.ReplyTo}
	}
	if req.Text != "" {
		body.Content = append(body.Content, mailChannelsContent{Type: "text/plain", Value: req.Text})
	}
	if req.HTML != "" {
		body.Content = append(body.Content, mailChannelsContent{Type: "text/html", Value: req.HTML})
	}

	response, err := p.api.do(ctx, http.MethodPost, "/tx/v1/send", p.authHeaders(), body, nil)
	if err != nil {
		return nil, err
	}

	return &SendResult{Provider: NameMailChannels, MessageID: messageID, StatusCode: response.StatusCode()}, nil
}

func (p *MailChannelsProvider) HealthCheck(ctx context.Context) HealthStatus {
	return p.api.checkHealth(ctx, "/tx/v1/usage", p.authHeaders())
}

func (p *MailChannelsProvider) authHeaders() map[string]string {
	return map[string]string{"X-Api-Key": p.apiKey}
}

func mailChannelsAddresses(addresses []string) []mailChannelsAddress {
	if len(addresses) == 0 {
		return nil
	}
	out := make([]mailChannelsAddress, 0, len(addresses))
	for _, a := range addresses {
		out = append(out, mailChannelsAddress{Email: a})
	}
	return out
}
