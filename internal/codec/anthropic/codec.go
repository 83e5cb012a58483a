// Package anthropic converts between Anthropic Messages streaming events
// and unified stream events.
package anthropic

import (
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
)

// ProviderMetadataKey is the default providerMetadata namespace.
const ProviderMetadataKey = "anthropic"

// Custom event types emitted by the decoder.
const (
	customTextStart      = "anthropic:text-start"
	customTextDelta      = "anthropic:text-delta"
	customTextEnd        = "anthropic:text-end"
	customReasoningStart = "anthropic:reasoning-start"
	customReasoningEnd   = "anthropic:reasoning-end"
	customSignature      = "anthropic:thinking-signature-delta"
	customToolCall       = "anthropic:tool-call"
	customToolResult     = "anthropic:tool-result"
	customSource         = "anthropic:source"
)

// Register adds the protocol to the codec registry. It is a no-op when
// already registered.
func Register() {
	if codec.IsRegistered(domain.ProtocolAnthropic) {
		return
	}
	codec.RegisterFactory(codec.Factory{
		Protocol:    domain.ProtocolAnthropic,
		Description: "Anthropic Messages named streaming events",
		NewDecoder:  func(opts ...codec.Option) ports.Decoder { return NewDecoder(opts...) },
		NewEncoder:  func(opts ...codec.Option) ports.Encoder { return NewEncoder(opts...) },
	})
}

// mapStopReason maps a Messages stop_reason.
func mapStopReason(reason string) *domain.FinishReason {
	switch reason {
	case "end_turn":
		return domain.Finish(domain.FinishStop)
	case "max_tokens", "model_context_window_exceeded":
		return domain.Finish(domain.FinishLength)
	case "tool_use":
		return domain.Finish(domain.FinishToolCalls)
	case "stop_sequence":
		return domain.Finish(domain.FinishStopSequence)
	case "refusal":
		return domain.Finish(domain.FinishContentFilter)
	default:
		return domain.OtherFinish(reason)
	}
}

// wireStopReason maps a unified finish reason back to the wire. Other and
// unknown finishes are written as null.
func wireStopReason(f *domain.FinishReason) *string {
	if f == nil {
		return nil
	}
	var s string
	switch f.Kind {
	case domain.FinishStop:
		s = "end_turn"
	case domain.FinishLength:
		s = "max_tokens"
	case domain.FinishToolCalls:
		s = "tool_use"
	case domain.FinishStopSequence:
		s = "stop_sequence"
	case domain.FinishContentFilter:
		s = "refusal"
	case domain.FinishError:
		s = "error"
	default:
		return nil
	}
	return &s
}
