package codec

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
)

// ErrorResponse is an error body shaped for one vendor protocol.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ErrorFormatter formats transcoder errors the way a vendor API reports
// them, so clients of the target protocol can parse failures that happen
// before the stream starts.
type ErrorFormatter interface {
	FormatError(err error) *ErrorResponse
}

// FormatterFor returns the error formatter for p. Unknown protocols use
// the OpenAI shape.
func FormatterFor(p domain.Protocol) ErrorFormatter {
	switch p {
	case domain.ProtocolAnthropic:
		return &AnthropicErrorFormatter{}
	case domain.ProtocolGemini:
		return &GeminiErrorFormatter{}
	default:
		return &OpenAIErrorFormatter{}
	}
}

// WriteError writes err as a JSON error in the shape of protocol p.
func WriteError(w http.ResponseWriter, err error, p domain.Protocol) {
	resp := FormatterFor(p).FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// OpenAIErrorFormatter formats errors for Chat Completions and Responses
// clients.
type OpenAIErrorFormatter struct{}

// FormatError formats err as an OpenAI API error response. The stream
// error kind is reported as the code.
func (f *OpenAIErrorFormatter) FormatError(err error) *ErrorResponse {
	se := domain.ToStreamError(err)
	status := se.HTTPStatusCode()

	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": se.Message,
			"type":    openAIErrorType(status),
			"code":    string(se.Kind),
		},
	})

	return &ErrorResponse{StatusCode: status, Body: body}
}

func openAIErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable, 529:
		return "service_unavailable"
	default:
		return "server_error"
	}
}

// AnthropicErrorFormatter formats errors for Anthropic Messages clients.
type AnthropicErrorFormatter struct{}

// FormatError formats err as an Anthropic API error response.
func (f *AnthropicErrorFormatter) FormatError(err error) *ErrorResponse {
	se := domain.ToStreamError(err)
	status := se.HTTPStatusCode()

	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    anthropicErrorType(status),
			"message": se.Message,
		},
	})

	return &ErrorResponse{StatusCode: status, Body: body}
}

func anthropicErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable, 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// GeminiErrorFormatter formats errors the way Google APIs report them.
type GeminiErrorFormatter struct{}

// FormatError formats err as a google.rpc.Status style error.
func (f *GeminiErrorFormatter) FormatError(err error) *ErrorResponse {
	se := domain.ToStreamError(err)
	status := se.HTTPStatusCode()

	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": se.Message,
			"status":  geminiStatus(status),
		},
	})

	return &ErrorResponse{StatusCode: status, Body: body}
}

func geminiStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}
