package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Protocol identifies a vendor wire grammar.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"           // Chat Completions chunks
	ProtocolResponses Protocol = "openai-responses" // OpenAI Responses API
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolGemini    Protocol = "gemini"
)

// StreamEventType identifies the variant carried by a StreamEvent.
type StreamEventType string

const (
	EventTypeStreamStart   StreamEventType = "stream_start"
	EventTypeContentDelta  StreamEventType = "content_delta"
	EventTypeThinkingDelta StreamEventType = "thinking_delta"
	EventTypeToolCallDelta StreamEventType = "tool_call_delta"
	EventTypeUsageUpdate   StreamEventType = "usage_update"
	EventTypeStreamEnd     StreamEventType = "stream_end"
	EventTypeError         StreamEventType = "error"
	EventTypeCustom        StreamEventType = "custom"
)

// ResponseMetadata describes the response a turn belongs to.
type ResponseMetadata struct {
	ID       string    `json:"id,omitempty"`
	Model    string    `json:"model,omitempty"`
	Provider string    `json:"provider"`
	Created  time.Time `json:"created,omitzero"`
}

// ToolCallDelta is one fragment of a tool invocation. CallID correlates
// fragments; FunctionName is set on at most one fragment per call.
type ToolCallDelta struct {
	CallID         string `json:"call_id"`
	FunctionName   string `json:"function_name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
	Index          *int   `json:"index,omitempty"`
}

// StreamResponse is the terminal payload of a turn.
type StreamResponse struct {
	ID               string          `json:"id,omitempty"`
	Model            string          `json:"model,omitempty"`
	Text             string          `json:"text,omitempty"`
	FinishReason     *FinishReason   `json:"finish_reason,omitempty"`
	Usage            *Usage          `json:"usage,omitempty"`
	ProviderMetadata json.RawMessage `json:"provider_metadata,omitempty"`
}

// CustomEvent carries a vendor-specific structured event. EventType is
// namespaced as "<vendor>:<kind>" and Data is a JSON object with a "type"
// discriminator.
type CustomEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// Kind returns the payload's "type" discriminator.
func (c *CustomEvent) Kind() string {
	return gjson.GetBytes(c.Data, "type").String()
}

// Vendor returns the namespace prefix of EventType.
func (c *CustomEvent) Vendor() string {
	vendor, _, _ := strings.Cut(c.EventType, ":")
	return vendor
}

// Get returns a field of the payload.
func (c *CustomEvent) Get(path string) gjson.Result {
	return gjson.GetBytes(c.Data, path)
}

// StreamEvent is the unified streaming event. Exactly one payload is
// populated, selected by Type.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// StreamStart
	Metadata *ResponseMetadata `json:"metadata,omitempty"`

	// ContentDelta, ThinkingDelta
	Text  string `json:"text,omitempty"`
	Index *int   `json:"index,omitempty"`

	// ToolCallDelta
	ToolCall *ToolCallDelta `json:"tool_call,omitempty"`

	// UsageUpdate
	Usage *Usage `json:"usage,omitempty"`

	// StreamEnd
	Response *StreamResponse `json:"response,omitempty"`

	// Error
	Message string `json:"message,omitempty"`

	// Custom
	Custom *CustomEvent `json:"custom,omitempty"`
}

// NewStreamStart opens a turn with the given response metadata.
func NewStreamStart(meta ResponseMetadata) StreamEvent {
	return StreamEvent{Type: EventTypeStreamStart, Metadata: &meta}
}

// NewContentDelta carries a fragment of assistant text. index is the
// choice index when the vendor reports one.
func NewContentDelta(text string, index *int) StreamEvent {
	return StreamEvent{Type: EventTypeContentDelta, Text: text, Index: index}
}

// NewThinkingDelta carries a fragment of model reasoning.
func NewThinkingDelta(text string) StreamEvent {
	return StreamEvent{Type: EventTypeThinkingDelta, Text: text}
}

// NewToolCallDelta carries a fragment of a tool call. functionName is set
// at most once per callID; argumentsDelta is appended by consumers.
func NewToolCallDelta(callID, functionName, argumentsDelta string, index *int) StreamEvent {
	return StreamEvent{
		Type: EventTypeToolCallDelta,
		ToolCall: &ToolCallDelta{
			CallID:         callID,
			FunctionName:   functionName,
			ArgumentsDelta: argumentsDelta,
			Index:          index,
		},
	}
}

// NewUsageUpdate reports token usage.
func NewUsageUpdate(usage Usage) StreamEvent {
	return StreamEvent{Type: EventTypeUsageUpdate, Usage: &usage}
}

// NewStreamEnd closes a turn with the accumulated response.
func NewStreamEnd(resp StreamResponse) StreamEvent {
	return StreamEvent{Type: EventTypeStreamEnd, Response: &resp}
}

// NewError reports a vendor error carried in-band on the stream.
func NewError(message string) StreamEvent {
	return StreamEvent{Type: EventTypeError, Message: message}
}

// NewCustom marshals payload and wraps it in a Custom event. The payload
// must marshal to a JSON object carrying a "type" field.
func NewCustom(eventType string, payload any) (StreamEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return StreamEvent{}, NewEncodeError("", "failed to marshal custom payload", err)
	}
	return StreamEvent{Type: EventTypeCustom, Custom: &CustomEvent{EventType: eventType, Data: data}}, nil
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int {
	return &i
}

// Result is one decoder output: either an event or a per-frame error.
type Result struct {
	Event *StreamEvent
	Err   error
}

// Ok wraps an event in a Result.
func Ok(ev StreamEvent) Result {
	return Result{Event: &ev}
}

// Fail wraps an error in a Result.
func Fail(err error) Result {
	return Result{Err: err}
}

// Events returns the events of results, skipping errors.
func Events(results []Result) []StreamEvent {
	out := make([]StreamEvent, 0, len(results))
	for _, r := range results {
		if r.Event != nil {
			out = append(out, *r.Event)
		}
	}
	return out
}
