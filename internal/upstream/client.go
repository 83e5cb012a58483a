// Package upstream opens streaming requests against vendor endpoints and
// hands back the raw SSE body for decoding.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/config"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
)

const (
	anthropicVersion = "2023-06-01"
	maxErrorBody     = 4096
)

// endpoint holds the vendor defaults for a protocol.
type endpoint struct {
	baseURL string
	path    string
}

var endpoints = map[domain.Protocol]endpoint{
	domain.ProtocolOpenAI:    {"https://api.openai.com", "/v1/chat/completions"},
	domain.ProtocolResponses: {"https://api.openai.com", "/v1/responses"},
	domain.ProtocolAnthropic: {"https://api.anthropic.com", "/v1/messages"},
	domain.ProtocolGemini:    {"https://generativelanguage.googleapis.com", "/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse"},
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// WithPath sets the default request path.
func WithPath(path string) Option {
	return func(c *Client) {
		c.path = path
	}
}

// Client posts streaming requests to one vendor.
type Client struct {
	protocol   domain.Protocol
	apiKey     string
	baseURL    string
	path       string
	headers    http.Header
	httpClient *http.Client
}

// NewClient creates a client for protocol. Authentication headers follow
// the vendor's convention.
func NewClient(protocol domain.Protocol, apiKey string, opts ...Option) (*Client, error) {
	ep, ok := endpoints[protocol]
	if !ok {
		return nil, domain.NewUnsupportedError(fmt.Sprintf("unknown upstream protocol %q", protocol))
	}
	c := &Client{
		protocol: protocol,
		apiKey:   apiKey,
		baseURL:  ep.baseURL,
		path:     ep.path,
		headers:  make(http.Header),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FromConfig creates a client for a configured upstream.
func FromConfig(cfg config.UpstreamConfig, opts ...Option) (*Client, error) {
	var base []Option
	if cfg.BaseURL != "" {
		base = append(base, WithBaseURL(cfg.BaseURL))
	}
	if cfg.Path != "" {
		base = append(base, WithPath(cfg.Path))
	}
	return NewClient(domain.Protocol(cfg.Protocol), cfg.APIKey, append(base, opts...)...)
}

// Protocol returns the wire protocol the upstream streams in.
func (c *Client) Protocol() domain.Protocol {
	return c.protocol
}

// Stream posts body to the default path. See StreamPath.
func (c *Client) Stream(ctx context.Context, body any) (io.ReadCloser, error) {
	return c.StreamPath(ctx, c.path, body)
}

// StreamPath posts body to path and returns the response body. body may be
// raw JSON ([]byte, json.RawMessage, string) or a value to marshal. Non-2xx
// responses are returned as upstream errors. The caller closes the body.
func (c *Client) StreamPath(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, domain.NewUpstreamError(resp.StatusCode, strings.TrimSpace(string(respBody))).WithProtocol(c.protocol)
	}

	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	if c.apiKey != "" {
		switch c.protocol {
		case domain.ProtocolAnthropic:
			req.Header.Set("x-api-key", c.apiKey)
			req.Header.Set("anthropic-version", anthropicVersion)
		case domain.ProtocolGemini:
			req.Header.Set("x-goog-api-key", c.apiKey)
		default:
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
	}

	for key, values := range c.headers {
		req.Header[key] = values
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}
