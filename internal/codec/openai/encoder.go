package openai

import (
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

const chunkObject = "chat.completion.chunk"

// Encoder renders unified events as Chat Completions chunks.
type Encoder struct {
	mu   sync.Mutex
	opts codec.Options

	id        string
	model     string
	created   int64
	roleSent  bool
	toolSlots stream.SlotAllocator
	toolIndex map[string]int
	usage     *domain.Usage
}

// NewEncoder returns a Chat Completions encoder.
func NewEncoder(opts ...codec.Option) *Encoder {
	e := &Encoder{opts: codec.Apply(ProviderMetadataKey, opts...)}
	e.reset(domain.ResponseMetadata{})
	return e
}

func (e *Encoder) reset(meta domain.ResponseMetadata) {
	e.id = meta.ID
	if e.id == "" {
		e.id = "chatcmpl-0"
	}
	e.model = meta.Model
	if e.model == "" {
		e.model = e.opts.Model
	}
	e.created = time.Now().Unix()
	if !meta.Created.IsZero() {
		e.created = meta.Created.Unix()
	}
	e.roleSent = false
	e.toolSlots.Reset()
	e.toolIndex = make(map[string]int)
	e.usage = nil
}

// SerializeEvent encodes one event.
func (e *Encoder) SerializeEvent(ev domain.StreamEvent) ([]byte, error) {
	return stream.GuardErr(&e.mu, e.opts.Logger, "openai.serialize", func() ([]byte, error) {
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
		return e.roleChunk()

	case domain.EventTypeContentDelta:
		out, err := e.ensureRole()
		if err != nil {
			return nil, err
		}
		idx := 0
		if ev.Index != nil {
			idx = *ev.Index
		}
		text := ev.Text
		frame, err := e.frame([]ChunkChoice{{Index: idx, Delta: ChunkDelta{Content: &text}}}, nil)
		return append(out, frame...), err

	case domain.EventTypeThinkingDelta:
		out, err := e.ensureRole()
		if err != nil {
			return nil, err
		}
		frame, err := e.frame([]ChunkChoice{{Delta: ChunkDelta{ReasoningContent: ev.Text}}}, nil)
		return append(out, frame...), err

	case domain.EventTypeToolCallDelta:
		return e.toolCall(ev.ToolCall)

	case domain.EventTypeUsageUpdate:
		e.usage = ev.Usage
		return e.frame([]ChunkChoice{}, wireUsage(ev.Usage))

	case domain.EventTypeStreamEnd:
		return e.end(ev.Response)

	case domain.EventTypeError:
		return stream.DataFrame(ErrorResponse{Error: APIError{Message: ev.Message, Type: "server_error"}})
	}
	return nil, nil
}

func (e *Encoder) toolCall(tc *domain.ToolCallDelta) ([]byte, error) {
	if tc == nil {
		return nil, nil
	}
	out, err := e.ensureRole()
	if err != nil {
		return nil, err
	}
	chunk := ToolCallChunk{Function: &FunctionCallChunk{Name: tc.FunctionName, Arguments: tc.ArgumentsDelta}}
	idx, known := e.toolIndex[tc.CallID]
	if !known {
		idx = e.toolSlots.Claim(tc.Index)
		e.toolIndex[tc.CallID] = idx
		chunk.ID = tc.CallID
		chunk.Type = "function"
	}
	chunk.Index = idx
	frame, err := e.frame([]ChunkChoice{{Delta: ChunkDelta{ToolCalls: []ToolCallChunk{chunk}}}}, nil)
	return append(out, frame...), err
}

func (e *Encoder) end(resp *domain.StreamResponse) ([]byte, error) {
	var finish *domain.FinishReason
	usage := e.usage
	if resp != nil {
		finish = resp.FinishReason
		if resp.Usage != nil {
			usage = resp.Usage
		}
	}
	out, err := e.frame([]ChunkChoice{{Delta: ChunkDelta{}, FinishReason: wireFinishReason(finish)}}, wireUsage(usage))
	if err != nil {
		return nil, err
	}
	return append(out, stream.DoneFrame()...), nil
}

func (e *Encoder) ensureRole() ([]byte, error) {
	if e.roleSent {
		return nil, nil
	}
	return e.roleChunk()
}

func (e *Encoder) roleChunk() ([]byte, error) {
	e.roleSent = true
	empty := ""
	return e.frame([]ChunkChoice{{Delta: ChunkDelta{Role: "assistant", Content: &empty}}}, nil)
}

func (e *Encoder) frame(choices []ChunkChoice, usage *Usage) ([]byte, error) {
	return stream.DataFrame(ChatCompletionChunk{
		ID:      e.id,
		Object:  chunkObject,
		Created: e.created,
		Model:   e.model,
		Choices: choices,
		Usage:   usage,
	})
}

func wireUsage(u *domain.Usage) *Usage {
	if u == nil {
		return nil
	}
	out := &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if u.CachedTokens != nil {
		out.PromptTokensDetails = &PromptTokensDetails{CachedTokens: *u.CachedTokens}
	}
	if u.ReasoningTokens != nil {
		out.CompletionTokensDetails = &CompletionTokensDetails{ReasoningTokens: *u.ReasoningTokens}
	}
	return out
}
