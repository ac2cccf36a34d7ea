package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPOptions configures an HTTP API based provider.
type HTTPOptions struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// Client overrides the resty client, mainly for tests.
	Client *resty.Client
}

// httpAPI is the resty plumbing shared by HTTP API providers.
type httpAPI struct {
	name    string
	client  *resty.Client
	baseURL string
}

func newHTTPAPI(name string, defaultBaseURL string, opts HTTPOptions) (*httpAPI, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%s: invalid base url: %w", name, err)
	}

	client := opts.Client
	if client == nil {
		client = resty.New()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(timeout)
	}
	// Failover across providers replaces in-client retries.
	client.SetRetryCount(0)

	return &httpAPI{
		name:    name,
		client:  client,
		baseURL: baseURL,
	}, nil
}

// do sends a JSON request and decodes a 2xx body into result when non-nil.
func (a *httpAPI) do(
	ctx context.Context,
	method string,
	path string,
	headers map[string]string,
	body any,
	result any,
) (*resty.Response, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	req := a.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeaders(headers)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	response, err := req.Execute(method, a.baseURL+path)
	if err != nil {
		return nil, transportError(a.name, err)
	}
	if response == nil {
		return nil, &ProviderError{
			Provider: a.name,
			Message:  "provider returned empty response",
			Kind:     KindTransient,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return response, nil
	}

	return response, statusError(a.name, statusCode, response.String())
}

func (a *httpAPI) checkHealth(ctx context.Context, path string, headers map[string]string) HealthStatus {
	start := time.Now()
	_, err := a.do(ctx, http.MethodGet, path, headers, nil, nil)
	return healthFromErr(start, err)
}

// splitAddress splits "Name <addr>" into its parts.
func splitAddress(value string) (name string, address string) {
	value = strings.TrimSpace(value)
	start := strings.LastIndex(value, "<")
	end := strings.LastIndex(value, ">")
	if start >= 0 && end > start {
		return strings.Trim(strings.TrimSpace(value[:start]), `"`), strings.TrimSpace(value[start+1 : end])
	}
	return "", value
}
