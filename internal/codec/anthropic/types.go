package anthropic

// Streaming types written by the encoder. The decoder reads frames with
// gjson because block payloads vary by block type.

// MessageStartEvent is sent at the start of a message.
type MessageStartEvent struct {
	Type    string       `json:"type"`
	Message MessageStart `json:"message"`
}

// MessageStart is the initial, empty message.
type MessageStart struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Role         string  `json:"role"`
	Model        string  `json:"model"`
	Content      []any   `json:"content"`
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
	Usage        Usage   `json:"usage"`
}

// ContentBlockStartEvent is sent at the start of a content block.
type ContentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

// ContentBlock is the initial state of a block.
type ContentBlock struct {
	Type     string  `json:"type"`
	Text     *string `json:"text,omitempty"`
	Thinking *string `json:"thinking,omitempty"`
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name,omitempty"`
	Input    any     `json:"input,omitempty"`
}

// ContentBlockDeltaEvent is sent for content block updates.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// BlockDelta represents the delta in a content block.
type BlockDelta struct {
	Type        string  `json:"type"`
	Text        *string `json:"text,omitempty"`
	Thinking    *string `json:"thinking,omitempty"`
	Signature   *string `json:"signature,omitempty"`
	PartialJSON *string `json:"partial_json,omitempty"`
}

// ContentBlockStopEvent is sent at the end of a content block.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaEvent is sent for message-level updates.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage Usage        `json:"usage"`
}

// MessageDelta carries the stop reason. A nil StopReason is written as null.
type MessageDelta struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// Usage is the token usage of a message.
type Usage struct {
	InputTokens          int  `json:"input_tokens"`
	OutputTokens         int  `json:"output_tokens"`
	CacheReadInputTokens *int `json:"cache_read_input_tokens,omitempty"`
}

// MessageStopEvent is sent at the end of a message.
type MessageStopEvent struct {
	Type string `json:"type"`
}

// ErrorEvent is an in-stream error.
type ErrorEvent struct {
	Type  string   `json:"type"`
	Error APIError `json:"error"`
}

// APIError contains error details.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
