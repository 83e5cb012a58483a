package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec/openai"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/config"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/testutil"
)

func TestClient_StreamHeaders(t *testing.T) {
	tests := []struct {
		name     string
		protocol domain.Protocol
		header   string
		want     string
		path     string
	}{
		{"openai bearer", domain.ProtocolOpenAI, "Authorization", "Bearer sk-test", "/v1/chat/completions"},
		{"responses bearer", domain.ProtocolResponses, "Authorization", "Bearer sk-test", "/v1/responses"},
		{"anthropic key", domain.ProtocolAnthropic, "X-Api-Key", "sk-test", "/v1/messages"},
		{"gemini key", domain.ProtocolGemini, "X-Goog-Api-Key", "sk-test", "/v1beta/models/gemini-2.0-flash:streamGenerateContent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotHeader, gotPath, gotBody, gotCustom string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotHeader = r.Header.Get(tt.header)
				gotPath = r.URL.Path
				gotCustom = r.Header.Get("X-Trace")
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				w.Header().Set("Content-Type", "text/event-stream")
				io.WriteString(w, "data: [DONE]\n\n")
			}))
			defer srv.Close()

			c, err := NewClient(tt.protocol, "sk-test",
				WithBaseURL(srv.URL+"/"),
				WithHTTPClient(srv.Client()),
				WithHeader("X-Trace", "abc"),
			)
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}

			body, err := c.Stream(context.Background(), map[string]any{"stream": true})
			if err != nil {
				t.Fatalf("Stream() error = %v", err)
			}
			data, _ := io.ReadAll(body)
			body.Close()

			if gotHeader != tt.want {
				t.Errorf("%s = %q, want %q", tt.header, gotHeader, tt.want)
			}
			if gotPath != tt.path {
				t.Errorf("path = %q, want %q", gotPath, tt.path)
			}
			if gotCustom != "abc" {
				t.Errorf("X-Trace = %q, want abc", gotCustom)
			}
			if gotBody != `{"stream":true}` {
				t.Errorf("body = %q, want {\"stream\":true}", gotBody)
			}
			if string(data) != "data: [DONE]\n\n" {
				t.Errorf("stream = %q, want done frame", data)
			}
		})
	}
}

func TestClient_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	c, err := NewClient(domain.ProtocolAnthropic, "k", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = c.Stream(context.Background(), []byte(`{}`))
	if !domain.IsKind(err, domain.ErrorKindUpstream) {
		t.Fatalf("Stream() error = %v, want upstream error", err)
	}
	se := domain.ToStreamError(err)
	if got := se.HTTPStatusCode(); got != http.StatusTooManyRequests {
		t.Errorf("HTTPStatusCode() = %d, want %d", got, http.StatusTooManyRequests)
	}
	if !strings.Contains(se.Message, "rate limited") {
		t.Errorf("Message = %q, want upstream body", se.Message)
	}
	if se.Protocol != domain.ProtocolAnthropic {
		t.Errorf("Protocol = %v, want anthropic", se.Protocol)
	}
}

func TestNewClient_UnknownProtocol(t *testing.T) {
	_, err := NewClient("cohere", "k")
	if !domain.IsKind(err, domain.ErrorKindUnsupported) {
		t.Errorf("NewClient() error = %v, want unsupported", err)
	}
}

func TestFromConfig(t *testing.T) {
	c, err := FromConfig(config.UpstreamConfig{
		Name:     "local",
		Protocol: "openai-responses",
		BaseURL:  "http://localhost:9999/",
		Path:     "/proxy/responses",
	})
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if c.Protocol() != domain.ProtocolResponses {
		t.Errorf("Protocol() = %v, want openai-responses", c.Protocol())
	}
	if c.baseURL != "http://localhost:9999" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
	if c.path != "/proxy/responses" {
		t.Errorf("path = %q, want /proxy/responses", c.path)
	}
}

func TestClient_RecordedChatStream(t *testing.T) {
	// Skip if no API key and not in replay mode
	if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("VCR_MODE") == "record" {
		t.Skip("Skipping test: OPENAI_API_KEY not set")
	}

	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_chat_stream")
	defer cleanup()

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = "test-key"
	}

	c, err := NewClient(domain.ProtocolOpenAI, apiKey, WithHTTPClient(testutil.VCRHTTPClient(recorder)))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	body, err := c.Stream(context.Background(), map[string]any{
		"model":          "gpt-4o-mini",
		"messages":       []map[string]string{{"role": "user", "content": "Say hello"}},
		"stream":         true,
		"stream_options": map[string]bool{"include_usage": true},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer body.Close()

	var results []domain.Result
	d := stream.NewDriver(openai.NewDecoder(), stream.WithProtocol(string(domain.ProtocolOpenAI)))
	if err := d.Run(context.Background(), body, func(r domain.Result) error {
		results = append(results, r)
		return nil
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	events := testutil.Collect(t, results)

	var text strings.Builder
	var ends []domain.StreamEvent
	for _, ev := range events {
		switch ev.Type {
		case domain.EventTypeContentDelta:
			text.WriteString(ev.Text)
		case domain.EventTypeStreamEnd:
			ends = append(ends, ev)
		}
	}
	if text.String() == "" {
		t.Error("expected content in stream")
	}
	if len(ends) != 1 {
		t.Fatalf("stream ends = %d, want 1", len(ends))
	}
	if events[0].Type != domain.EventTypeStreamStart {
		t.Errorf("first event = %v, want stream_start", events[0].Type)
	}
}
