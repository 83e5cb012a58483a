// Package responses converts between OpenAI Responses API streaming events
// and unified stream events.
package responses

import (
	"github.com/tidwall/gjson"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
)

// ProviderMetadataKey is the default providerMetadata namespace.
const ProviderMetadataKey = "openai"

// Custom event types emitted by the decoder and understood by the encoder.
const (
	customStreamStart      = "openai:stream-start"
	customResponseMetadata = "openai:response-metadata"
	customTextStart        = "openai:text-start"
	customTextDelta        = "openai:text-delta"
	customTextEnd          = "openai:text-end"
	customReasoningStart   = "openai:reasoning-start"
	customReasoningDelta   = "openai:reasoning-delta"
	customReasoningEnd     = "openai:reasoning-end"
	customToolInputStart   = "openai:tool-input-start"
	customToolInputDelta   = "openai:tool-input-delta"
	customToolInputEnd     = "openai:tool-input-end"
	customToolCall         = "openai:tool-call"
	customToolResult       = "openai:tool-result"
	customApprovalRequest  = "openai:tool-approval-request"
	customSource           = "openai:source"
	customFinish           = "openai:finish"
	customError            = "openai:error"
)

// Register adds the protocol to the codec registry. It is a no-op when
// already registered.
func Register() {
	if codec.IsRegistered(domain.ProtocolResponses) {
		return
	}
	codec.RegisterFactory(codec.Factory{
		Protocol:    domain.ProtocolResponses,
		Description: "OpenAI Responses API named streaming events",
		NewDecoder:  func(opts ...codec.Option) ports.Decoder { return NewDecoder(opts...) },
		NewEncoder:  func(opts ...codec.Option) ports.Encoder { return NewEncoder(opts...) },
	})
}

// mapFinish maps a terminal response object. sawFunctionCall turns a
// completed response into a tool-calls finish.
func mapFinish(status string, resp gjson.Result, sawFunctionCall bool) *domain.FinishReason {
	switch status {
	case "completed":
		if sawFunctionCall {
			return domain.Finish(domain.FinishToolCalls)
		}
		return domain.Finish(domain.FinishStop)
	case "incomplete":
		switch reason := resp.Get("incomplete_details.reason").String(); reason {
		case "max_output_tokens":
			return domain.Finish(domain.FinishLength)
		case "content_filter":
			return domain.Finish(domain.FinishContentFilter)
		default:
			return domain.OtherFinish(reason)
		}
	case "failed":
		return domain.Finish(domain.FinishError)
	}
	return domain.OtherFinish(status)
}

// usageFrom reads a Responses usage object. Chat style field names are
// accepted as well.
func usageFrom(u gjson.Result) domain.Usage {
	prompt := u.Get("input_tokens")
	if !prompt.Exists() {
		prompt = u.Get("prompt_tokens")
	}
	completion := u.Get("output_tokens")
	if !completion.Exists() {
		completion = u.Get("completion_tokens")
	}
	usage := domain.NewUsage(int(prompt.Int()), int(completion.Int()))
	if total := u.Get("total_tokens"); total.Exists() {
		usage.TotalTokens = int(total.Int())
	}
	if cached := u.Get("input_tokens_details.cached_tokens"); cached.Exists() {
		usage = usage.WithCached(int(cached.Int()))
	}
	reasoning := u.Get("output_tokens_details.reasoning_tokens")
	if !reasoning.Exists() {
		reasoning = u.Get("reasoning_tokens")
	}
	if reasoning.Exists() {
		usage = usage.WithReasoning(int(reasoning.Int()))
	}
	return usage
}
