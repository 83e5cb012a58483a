package responses

// Streaming types written by the encoder. Every event is stamped with a
// sequence_number after marshaling.

// Event is a Responses streaming event. Only the fields relevant to Type
// are populated.
type Event struct {
	Type            string       `json:"type"`
	Response        *Response    `json:"response,omitempty"`
	OutputIndex     *int         `json:"output_index,omitempty"`
	ItemID          string       `json:"item_id,omitempty"`
	ContentIndex    *int         `json:"content_index,omitempty"`
	SummaryIndex    *int         `json:"summary_index,omitempty"`
	AnnotationIndex *int         `json:"annotation_index,omitempty"`
	Item            any          `json:"item,omitempty"`
	Part            *ContentPart `json:"part,omitempty"`
	Delta           *string      `json:"delta,omitempty"`
	Text            *string      `json:"text,omitempty"`
	Arguments       *string      `json:"arguments,omitempty"`
	Annotation      any          `json:"annotation,omitempty"`
	Logprobs        any          `json:"logprobs,omitempty"`
	Usage           *Usage       `json:"usage,omitempty"`
	Error           *APIError    `json:"error,omitempty"`
}

// Response is the response object carried by lifecycle events.
type Response struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	CreatedAt         int64              `json:"created_at"`
	Status            string             `json:"status"`
	Model             string             `json:"model"`
	Output            []any              `json:"output"`
	Usage             *Usage             `json:"usage"`
	Metadata          map[string]any     `json:"metadata"`
	IncompleteDetails *IncompleteDetails `json:"incomplete_details,omitempty"`
}

// IncompleteDetails explains a response.incomplete.
type IncompleteDetails struct {
	Reason string `json:"reason"`
}

// OutputItem is a message, reasoning or function_call output item.
type OutputItem struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Status    string  `json:"status,omitempty"`
	Role      string  `json:"role,omitempty"`
	Content   any     `json:"content,omitempty"`
	Summary   any     `json:"summary,omitempty"`
	CallID    string  `json:"call_id,omitempty"`
	Name      string  `json:"name,omitempty"`
	Arguments *string `json:"arguments,omitempty"`
}

// ContentPart is an output_text part of a message.
type ContentPart struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Annotations []any  `json:"annotations"`
	Logprobs    []any  `json:"logprobs"`
}

// Usage is the token usage of a response.
type Usage struct {
	InputTokens         int                  `json:"input_tokens"`
	OutputTokens        int                  `json:"output_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	InputTokensDetails  *InputTokensDetails  `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *OutputTokensDetails `json:"output_tokens_details,omitempty"`
}

// InputTokensDetails breaks down input tokens.
type InputTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// OutputTokensDetails breaks down output tokens.
type OutputTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// APIError contains error details.
type APIError struct {
	Message string `json:"message"`
}
