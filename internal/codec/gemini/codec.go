// Package gemini converts between Gemini streamGenerateContent SSE chunks
// and unified stream events.
package gemini

import (
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
)

// ProviderMetadataKey is the default providerMetadata namespace.
const ProviderMetadataKey = "google"

const (
	customReasoning = "gemini:reasoning"
	customTool      = "gemini:tool"
	customSource    = "gemini:source"
)

// Register adds the protocol to the codec registry. It is a no-op when
// already registered.
func Register() {
	if codec.IsRegistered(domain.ProtocolGemini) {
		return
	}
	codec.RegisterFactory(codec.Factory{
		Protocol:    domain.ProtocolGemini,
		Description: "Gemini streamGenerateContent?alt=sse data frames",
		NewDecoder:  func(opts ...codec.Option) ports.Decoder { return NewDecoder(opts...) },
		NewEncoder:  func(opts ...codec.Option) ports.Encoder { return NewEncoder(opts...) },
	})
}

// mapFinishReason maps a Gemini finishReason to a unified finish reason.
// hasFunctionCalls promotes STOP to tool-calls.
func mapFinishReason(reason string, hasFunctionCalls bool) *domain.FinishReason {
	switch reason {
	case "STOP":
		if hasFunctionCalls {
			return domain.Finish(domain.FinishToolCalls)
		}
		return domain.Finish(domain.FinishStop)
	case "MAX_TOKENS":
		return domain.Finish(domain.FinishLength)
	case "IMAGE_SAFETY", "RECITATION", "SAFETY", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return domain.Finish(domain.FinishContentFilter)
	case "MALFORMED_FUNCTION_CALL":
		return domain.Finish(domain.FinishError)
	default:
		return domain.OtherFinish(reason)
	}
}

// wireFinishReason maps a unified finish reason back to Gemini.
func wireFinishReason(f *domain.FinishReason) string {
	switch f.Unified() {
	case string(domain.FinishLength):
		return "MAX_TOKENS"
	case string(domain.FinishContentFilter):
		return "SAFETY"
	default:
		return "STOP"
	}
}
