// Package openai converts between OpenAI Chat Completions chunk streams
// (and the many compatible vendors) and unified stream events.
package openai

import (
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
)

// ProviderMetadataKey is the default providerMetadata namespace.
const ProviderMetadataKey = "openai"

// Register adds the protocol to the codec registry. It is a no-op when
// already registered.
func Register() {
	if codec.IsRegistered(domain.ProtocolOpenAI) {
		return
	}
	codec.RegisterFactory(codec.Factory{
		Protocol:    domain.ProtocolOpenAI,
		Description: "OpenAI Chat Completions chat.completion.chunk frames",
		NewDecoder:  func(opts ...codec.Option) ports.Decoder { return NewDecoder(opts...) },
		NewEncoder:  func(opts ...codec.Option) ports.Encoder { return NewEncoder(opts...) },
	})
}

// mapFinishReason maps a Chat Completions finish_reason.
func mapFinishReason(reason string) *domain.FinishReason {
	switch reason {
	case "stop":
		return domain.Finish(domain.FinishStop)
	case "length":
		return domain.Finish(domain.FinishLength)
	case "tool_calls", "function_call":
		return domain.Finish(domain.FinishToolCalls)
	case "content_filter":
		return domain.Finish(domain.FinishContentFilter)
	case "error":
		return domain.Finish(domain.FinishError)
	default:
		return domain.OtherFinish(reason)
	}
}

// wireFinishReason maps a unified finish reason back to the wire. Other and
// unknown finishes have no wire value.
func wireFinishReason(f *domain.FinishReason) *string {
	var s string
	switch f.Unified() {
	case string(domain.FinishStop):
		s = "stop"
	case string(domain.FinishLength):
		s = "length"
	case string(domain.FinishToolCalls):
		s = "tool_calls"
	case string(domain.FinishContentFilter):
		s = "content_filter"
	case string(domain.FinishError):
		s = "error"
	default:
		return nil
	}
	return &s
}
