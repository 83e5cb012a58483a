package domain

// Usage is a token accounting snapshot. Later snapshots supersede earlier
// ones within a turn.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	CachedTokens     *int `json:"cached_tokens,omitempty"`
	ReasoningTokens  *int `json:"reasoning_tokens,omitempty"`
}

// NewUsage builds a usage snapshot with TotalTokens as the sum.
func NewUsage(prompt, completion int) Usage {
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// WithCached sets CachedTokens.
func (u Usage) WithCached(n int) Usage {
	u.CachedTokens = &n
	return u
}

// WithReasoning sets ReasoningTokens.
func (u Usage) WithReasoning(n int) Usage {
	u.ReasoningTokens = &n
	return u
}

// Cached returns the reported cached prompt tokens, or 0.
func (u Usage) Cached() int {
	if u.CachedTokens == nil {
		return 0
	}
	return *u.CachedTokens
}

// Reasoning returns the reported reasoning tokens, or 0.
func (u Usage) Reasoning() int {
	if u.ReasoningTokens == nil {
		return 0
	}
	return *u.ReasoningTokens
}

// UsageBreakdown splits usage into non-negative sub-categories.
type UsageBreakdown struct {
	InputTotal      int `json:"inputTotal"`
	InputNoCache    int `json:"inputNoCache"`
	InputCacheRead  int `json:"inputCacheRead"`
	OutputTotal     int `json:"outputTotal"`
	OutputText      int `json:"outputText"`
	OutputReasoning int `json:"outputReasoning"`
}

// Breakdown derives the sub-categories by clamped subtraction. Vendors
// occasionally report sub-fields larger than their totals; those are
// clamped instead of rejected.
func (u Usage) Breakdown() UsageBreakdown {
	input := max(u.PromptTokens, 0)
	output := max(u.CompletionTokens, 0)
	cacheRead := min(max(u.Cached(), 0), input)
	reasoning := min(max(u.Reasoning(), 0), output)
	return UsageBreakdown{
		InputTotal:      input,
		InputNoCache:    input - cacheRead,
		InputCacheRead:  cacheRead,
		OutputTotal:     output,
		OutputText:      output - reasoning,
		OutputReasoning: reasoning,
	}
}

// Merge adds two snapshots. Only meaningful across turns; a single
// decoder never sums usage from the same turn.
func (u Usage) Merge(other Usage) Usage {
	out := Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
	if u.CachedTokens != nil || other.CachedTokens != nil {
		out = out.WithCached(u.Cached() + other.Cached())
	}
	if u.ReasoningTokens != nil || other.ReasoningTokens != nil {
		out = out.WithReasoning(u.Reasoning() + other.Reasoning())
	}
	return out
}
