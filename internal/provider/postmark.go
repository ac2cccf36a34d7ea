package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

const (
	NamePostmark           = "postmark"
	defaultPostmarkBaseURL = "https://api.postmarkapp.com"

	// postmarkErrInvalidToken is Postmark's API error code for a bad server token.
	postmarkErrInvalidToken = 10
)

type postmarkHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type postmarkAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

type postmarkRequest struct {
	From          string               `json:"From"`
	To            string               `json:"To"`
	Cc            string               `json:"Cc,omitempty"`
	Bcc           string               `json:"Bcc,omitempty"`
	ReplyTo       string               `json:"ReplyTo,omitempty"`
	Subject       string               `json:"Subject"`
	HTMLBody      string               `json:"HtmlBody,omitempty"`
	TextBody      string               `json:"TextBody,omitempty"`
	Headers       []postmarkHeader     `json:"Headers,omitempty"`
	Attachments   []postmarkAttachment `json:"Attachments,omitempty"`
	Metadata      map[string]string    `json:"Metadata,omitempty"`
	MessageStream string               `json:"MessageStream"`
}

type postmarkResponse struct {
	MessageID string `json:"MessageID"`
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// PostmarkProvider delivers through the Postmark HTTP API.
type PostmarkProvider struct {
	api   *httpAPI
	token string
}

func NewPostmarkProvider(opts HTTPOptions) (*PostmarkProvider, error) {
	token := strings.TrimSpace(opts.APIKey)
	if token == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	api, err := newHTTPAPI(NamePostmark, defaultPostmarkBaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &PostmarkProvider{api: api, token: token}, nil
}

func (p *PostmarkProvider) Name() string { return NamePostmark }

func (p *PostmarkProvider) Capabilities() Capabilities {
	return Capabilities{SupportsAttachments: true, SupportsBCC: true, MaxRecipientsPerRequest: 50}
}

func (p *PostmarkProvider) Send(ctx context.Context, req *domain.SendRequest) (*SendResult, error) {
	body := postmarkRequest{
		From:          req.From,
		To:            strings.Join(req.To, ","),
		Cc:            strings.Join(req.CC, ","),
		Bcc:           strings.Join(req.BCC, ","),
		ReplyTo:       req.ReplyTo,
		Subject:       req.Subject,
		HTMLBody:      req.HTML,
		TextBody:      req.Text,
		Metadata:      req.Tags,
		MessageStream: "outbound",
	}
	for name, value := range req.Headers {
		body.Headers = append(body.Headers, postmarkHeader{Name: name, Value: value})
	}
	for _, a := range req.Attachments {
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		body.Attachments = append(body.Attachments, postmarkAttachment{
			Name:        a.Filename,
			Content:     a.Content,
			ContentType: contentType,
		})
	}

	var out postmarkResponse
	response, err := p.api.do(ctx, http.MethodPost, "/email", p.authHeaders(), body, &out)
	if err != nil {
		return nil, err
	}

	if out.ErrorCode != 0 {
		kind := KindPermanent
		if out.ErrorCode == postmarkErrInvalidToken {
			kind = KindAuth
		}
		return nil, &ProviderError{
			Provider:   NamePostmark,
			StatusCode: response.StatusCode(),
			Message:    fmt.Sprintf("error code %d: %s", out.ErrorCode, out.Message),
			Kind:       kind,
		}
	}

	return &SendResult{Provider: NamePostmark, MessageID: out.MessageID, StatusCode: response.StatusCode()}, nil
}

func (p *PostmarkProvider) HealthCheck(ctx context.Context) HealthStatus {
	return p.api.checkHealth(ctx, "/server", p.authHeaders())
}

func (p *PostmarkProvider) authHeaders() map[string]string {
	return map[string]string{"X-Postmark-Server-Token": p.token}
}
