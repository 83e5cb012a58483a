package codec

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
)

func TestFormatError(t *testing.T) {
	tests := []struct {
		name       string
		protocol   domain.Protocol
		err        error
		wantStatus int
		path       []string
		want       any
	}{
		{
			name:       "openai rate limit",
			protocol:   domain.ProtocolOpenAI,
			err:        domain.NewUpstreamError(429, "slow down"),
			wantStatus: http.StatusTooManyRequests,
			path:       []string{"error", "type"},
			want:       "rate_limit_error",
		},
		{
			name:       "responses kind as code",
			protocol:   domain.ProtocolResponses,
			err:        domain.NewUnsupportedError("unknown protocol: cohere"),
			wantStatus: http.StatusNotFound,
			path:       []string{"error", "code"},
			want:       "unsupported",
		},
		{
			name:       "anthropic overloaded",
			protocol:   domain.ProtocolAnthropic,
			err:        domain.NewUpstreamError(529, "overloaded"),
			wantStatus: 529,
			path:       []string{"error", "type"},
			want:       "overloaded_error",
		},
		{
			name:       "anthropic envelope",
			protocol:   domain.ProtocolAnthropic,
			err:        domain.NewDecodeError(domain.ProtocolOpenAI, "bad frame", nil),
			wantStatus: http.StatusBadRequest,
			path:       []string{"type"},
			want:       "error",
		},
		{
			name:       "gemini status",
			protocol:   domain.ProtocolGemini,
			err:        domain.NewDecodeError(domain.ProtocolOpenAI, "bad frame", nil),
			wantStatus: http.StatusBadRequest,
			path:       []string{"error", "status"},
			want:       "INVALID_ARGUMENT",
		},
		{
			name:       "plain error is internal",
			protocol:   domain.ProtocolGemini,
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			path:       []string{"error", "code"},
			want:       float64(500),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := FormatterFor(tt.protocol).FormatError(tt.err)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			var body any
			if err := json.Unmarshal(resp.Body, &body); err != nil {
				t.Fatalf("body %s: %v", resp.Body, err)
			}
			for _, key := range tt.path {
				m, ok := body.(map[string]any)
				if !ok {
					t.Fatalf("body %s has no %v", resp.Body, tt.path)
				}
				body = m[key]
			}
			if body != tt.want {
				t.Errorf("%v = %v, want %v", tt.path, body, tt.want)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, domain.NewUnsupportedError("nope"), domain.ProtocolAnthropic)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Code = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}
