package anthropic

import (
	"slices"
	"sync"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

const noBlock = -1

// Encoder renders unified events as Anthropic Messages streaming events.
// Blocks are opened lazily and all closed when the turn ends.
type Encoder struct {
	mu   sync.Mutex
	opts codec.Options

	id          string
	model       string
	started     bool
	ended       bool
	slots       stream.SlotAllocator
	open        []int
	textIdx     int
	thinkingIdx int
	toolIdx     map[string]int
	usage       *domain.Usage
}

// NewEncoder returns an Anthropic encoder.
func NewEncoder(opts ...codec.Option) *Encoder {
	e := &Encoder{opts: codec.Apply(ProviderMetadataKey, opts...)}
	e.reset(domain.ResponseMetadata{})
	return e
}

func (e *Encoder) reset(meta domain.ResponseMetadata) {
	e.id = meta.ID
	if e.id == "" {
		e.id = "msg_0"
	}
	e.model = meta.Model
	if e.model == "" {
		e.model = e.opts.Model
	}
	if e.model == "" {
		e.model = "unknown"
	}
	e.started = false
	e.ended = false
	e.slots.Reset()
	e.open = nil
	e.textIdx = noBlock
	e.thinkingIdx = noBlock
	e.toolIdx = make(map[string]int)
	e.usage = nil
}

// SerializeEvent encodes one event.
func (e *Encoder) SerializeEvent(ev domain.StreamEvent) ([]byte, error) {
	return stream.GuardErr(&e.mu, e.opts.Logger, "anthropic.serialize", func() ([]byte, error) {
		return e.serialize(ev)
	})
}

func (e *Encoder) serialize(ev domain.StreamEvent) ([]byte, error) {
	switch ev.Type {
	case domain.EventTypeStreamStart:
		var meta domain.ResponseMetadata
		if ev.Metadata != nil {
			meta = *ev.Metadata
		}
		e.reset(meta)
		return e.messageStart()

	case domain.EventTypeContentDelta:
		if ev.Text == "" {
			return nil, nil
		}
		return e.blockDelta(&e.textIdx, ContentBlock{Type: "text", Text: new(string)},
			BlockDelta{Type: "text_delta", Text: &ev.Text})

	case domain.EventTypeThinkingDelta:
		if ev.Text == "" {
			return nil, nil
		}
		return e.blockDelta(&e.thinkingIdx, ContentBlock{Type: "thinking", Thinking: new(string)},
			BlockDelta{Type: "thinking_delta", Thinking: &ev.Text})

	case domain.EventTypeToolCallDelta:
		return e.toolCall(ev.ToolCall)

	case domain.EventTypeUsageUpdate:
		e.usage = ev.Usage
		return nil, nil

	case domain.EventTypeStreamEnd:
		return e.end(ev.Response)

	case domain.EventTypeError:
		return stream.EventFrame("error", ErrorEvent{
			Type:  "error",
			Error: APIError{Type: "api_error", Message: ev.Message},
		})

	case domain.EventTypeCustom:
		return e.custom(ev.Custom)
	}
	return nil, nil
}

// begin emits message_start when the turn has not produced one yet.
func (e *Encoder) begin() ([]byte, error) {
	if e.started {
		return nil, nil
	}
	if e.ended {
		e.reset(domain.ResponseMetadata{})
	}
	return e.messageStart()
}

func (e *Encoder) messageStart() ([]byte, error) {
	e.started = true
	return stream.EventFrame("message_start", MessageStartEvent{
		Type: "message_start",
		Message: MessageStart{
			ID:      e.id,
			Type:    "message",
			Role:    "assistant",
			Model:   e.model,
			Content: []any{},
		},
	})
}

// openBlock allocates an index and emits content_block_start.
func (e *Encoder) openBlock(block ContentBlock) (int, []byte, error) {
	idx := e.slots.Claim(nil)
	e.open = append(e.open, idx)
	frame, err := stream.EventFrame("content_block_start", ContentBlockStartEvent{
		Type:         "content_block_start",
		Index:        idx,
		ContentBlock: block,
	})
	return idx, frame, err
}

func (e *Encoder) blockDelta(slot *int, block ContentBlock, delta BlockDelta) ([]byte, error) {
	out, err := e.begin()
	if err != nil {
		return nil, err
	}
	if *slot == noBlock {
		idx, frame, err := e.openBlock(block)
		if err != nil {
			return nil, err
		}
		*slot = idx
		out = append(out, frame...)
	}
	frame, err := e.delta(*slot, delta)
	return append(out, frame...), err
}

func (e *Encoder) delta(idx int, delta BlockDelta) ([]byte, error) {
	return stream.EventFrame("content_block_delta", ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: idx,
		Delta: delta,
	})
}

func (e *Encoder) toolCall(tc *domain.ToolCallDelta) ([]byte, error) {
	if tc == nil || tc.CallID == "" {
		return nil, nil
	}
	out, err := e.begin()
	if err != nil {
		return nil, err
	}
	idx, known := e.toolIdx[tc.CallID]
	if !known {
		name := tc.FunctionName
		if name == "" {
			name = "tool"
		}
		var frame []byte
		idx, frame, err = e.openBlock(ContentBlock{Type: "tool_use", ID: tc.CallID, Name: name, Input: map[string]any{}})
		if err != nil {
			return nil, err
		}
		e.toolIdx[tc.CallID] = idx
		out = append(out, frame...)
	}
	if tc.ArgumentsDelta == "" {
		return out, nil
	}
	args := tc.ArgumentsDelta
	frame, err := e.delta(idx, BlockDelta{Type: "input_json_delta", PartialJSON: &args})
	return append(out, frame...), err
}

func (e *Encoder) custom(c *domain.CustomEvent) ([]byte, error) {
	if c == nil || c.Kind() != "thinking-signature-delta" || e.thinkingIdx == noBlock {
		return nil, nil
	}
	sig := c.Get("signatureDelta").String()
	if sig == "" {
		return nil, nil
	}
	return e.delta(e.thinkingIdx, BlockDelta{Type: "signature_delta", Signature: &sig})
}

func (e *Encoder) end(resp *domain.StreamResponse) ([]byte, error) {
	if e.ended && !e.started {
		return nil, nil
	}
	out, err := e.begin()
	if err != nil {
		return nil, err
	}

	slices.Sort(e.open)
	for _, idx := range e.open {
		frame, err := stream.EventFrame("content_block_stop", ContentBlockStopEvent{Type: "content_block_stop", Index: idx})
		if err != nil {
			return nil, err
		}
		out = append(out, frame...)
	}

	var finish *domain.FinishReason
	usage := e.usage
	if resp != nil {
		finish = resp.FinishReason
		if resp.Usage != nil {
			usage = resp.Usage
		}
	}
	frame, err := stream.EventFrame("message_delta", MessageDeltaEvent{
		Type:  "message_delta",
		Delta: MessageDelta{StopReason: wireStopReason(finish)},
		Usage: wireUsage(usage),
	})
	if err != nil {
		return nil, err
	}
	out = append(out, frame...)

	frame, err = stream.EventFrame("message_stop", MessageStopEvent{Type: "message_stop"})
	if err != nil {
		return nil, err
	}
	out = append(out, frame...)

	e.started = false
	e.ended = true
	e.open = nil
	return out, nil
}

// wireUsage reverses the decoder's prompt accounting: input_tokens excludes
// cache reads.
func wireUsage(u *domain.Usage) Usage {
	if u == nil {
		return Usage{}
	}
	out := Usage{
		InputTokens:  max(u.PromptTokens-u.Cached(), 0),
		OutputTokens: u.CompletionTokens,
	}
	if u.CachedTokens != nil {
		cached := *u.CachedTokens
		out.CacheReadInputTokens = &cached
	}
	return out
}
