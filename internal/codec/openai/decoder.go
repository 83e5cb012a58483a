package openai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

// Decoder converts Chat Completions chunks into unified events.
type Decoder struct {
	mu   sync.Mutex
	opts codec.Options

	state     *stream.StateStore
	id        string
	model     string
	text      strings.Builder
	sawDelta  bool
	toolIDs   map[int]string
	lastUsage *domain.Usage
}

// NewDecoder returns a Chat Completions decoder.
func NewDecoder(opts ...codec.Option) *Decoder {
	return &Decoder{
		opts:    codec.Apply(ProviderMetadataKey, opts...),
		state:   stream.NewStateStore("src_"),
		toolIDs: make(map[int]string),
	}
}

// ConvertEvent decodes one chunk.
func (d *Decoder) ConvertEvent(_ context.Context, frame domain.Frame) []domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "openai.convert", func() []domain.Result {
		if frame.IsEmpty() || frame.IsDone() {
			return nil
		}
		chunk, ok, err := d.opts.ParseFrame(domain.ProtocolOpenAI, frame)
		if err != nil {
			return []domain.Result{domain.Fail(err)}
		}
		if !ok {
			return nil
		}
		return d.convert(chunk)
	})
}

func (d *Decoder) convert(chunk gjson.Result) []domain.Result {
	var b codec.Batch

	if d.state.Tracker.NeedsStreamStart() {
		d.id = chunk.Get("id").String()
		d.model = chunk.Get("model").String()
		if d.model == "" {
			d.model = d.opts.Model
		}
		meta := domain.ResponseMetadata{ID: d.id, Model: d.model, Provider: string(domain.ProtocolOpenAI)}
		if created := chunk.Get("created").Int(); created > 0 {
			meta.Created = time.Unix(created, 0).UTC()
		}
		b.Add(domain.NewStreamStart(meta))
	}

	// Some compatible servers stream bare JSON strings.
	if chunk.Type == gjson.String {
		if s := chunk.String(); s != "" {
			d.text.WriteString(s)
			d.sawDelta = true
			b.Add(domain.NewContentDelta(s, nil))
		}
		return b.Results()
	}

	if errObj := chunk.Get("error"); errObj.Exists() {
		msg := errObj.Get("message").String()
		if msg == "" {
			msg = fmt.Sprintf("OpenAI streaming error: %s", errObj.Raw)
		}
		b.Add(domain.NewError(msg))
		return b.Results()
	}

	var finish string
	chunk.Get("choices").ForEach(func(_, choice gjson.Result) bool {
		idx := int(choice.Get("index").Int())
		delta := choice.Get("delta")

		if content := delta.Get("content").String(); content != "" {
			d.text.WriteString(content)
			d.sawDelta = true
			b.Add(domain.NewContentDelta(content, domain.IntPtr(idx)))
		}
		// Non-streaming compat servers send the full message instead.
		if content := choice.Get("message.content").String(); content != "" && !delta.Exists() {
			d.text.WriteString(content)
		}

		for _, key := range []string{"reasoning_content", "reasoning", "thinking"} {
			if thinking := delta.Get(key).String(); thinking != "" {
				b.Add(domain.NewThinkingDelta(thinking))
				break
			}
		}

		calls := delta.Get("tool_calls")
		if !calls.Exists() {
			calls = choice.Get("message.tool_calls")
		}
		calls.ForEach(func(pos, call gjson.Result) bool {
			tcIdx := int(pos.Int())
			if i := call.Get("index"); i.Exists() {
				tcIdx = int(i.Int())
			}
			id := call.Get("id").String()
			if id != "" {
				if _, seen := d.toolIDs[tcIdx]; !seen {
					d.toolIDs[tcIdx] = id
				}
			} else {
				id = d.toolIDs[tcIdx]
			}
			if id == "" {
				d.opts.Logger.Debug("dropping tool call fragment without id",
					slog.Int("index", tcIdx))
				return true
			}
			name := call.Get("function.name").String()
			// Some compatible servers repeat the name on every fragment.
			if name != "" && !d.state.Emitted.Add("tool-name:"+id) {
				name = ""
			}
			args := call.Get("function.arguments").String()
			if name == "" && args == "" {
				return true
			}
			b.Add(domain.NewToolCallDelta(id, name, args, domain.IntPtr(tcIdx)))
			return true
		})

		if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.String() != "" && finish == "" {
			finish = fr.String()
		}
		return true
	})

	if usage := chunk.Get("usage"); usage.IsObject() {
		u := usageFrom(usage)
		d.lastUsage = &u
		b.Add(domain.NewUsageUpdate(u))
	}

	if finish != "" && d.state.Tracker.NeedsStreamEnd() {
		d.state.Tracker.MarkStreamEnded()
		d.state.Finalizer.MarkEnded()
		if !d.sawDelta && d.text.Len() > 0 {
			d.sawDelta = true
			b.Add(domain.NewContentDelta(d.text.String(), nil))
		}
		b.Add(domain.NewStreamEnd(domain.StreamResponse{
			ID:           d.id,
			Model:        d.model,
			Text:         d.text.String(),
			FinishReason: mapFinishReason(finish),
			Usage:        d.lastUsage,
		}))
	}

	return b.Results()
}

// HandleStreamEnd returns the unknown-finish fallback once when the stream
// closed without a finish_reason.
func (d *Decoder) HandleStreamEnd() *domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "openai.end", func() *domain.Result {
		return codec.PopEnd(&d.state.Finalizer, d.fallback())
	})
}

// HandleStreamEndEvents is HandleStreamEnd as a slice.
func (d *Decoder) HandleStreamEndEvents() []domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "openai.end", func() []domain.Result {
		return codec.DrainEnd(&d.state.Finalizer, d.fallback())
	})
}

// FinalizeOnDisconnect is false: finish_reason ends the turn inline.
func (d *Decoder) FinalizeOnDisconnect() bool {
	return false
}

func (d *Decoder) fallback() func() domain.StreamEvent {
	return stream.UnknownEnd(domain.StreamResponse{ID: d.id, Model: d.model, Text: d.text.String(), Usage: d.lastUsage})
}

func usageFrom(u gjson.Result) domain.Usage {
	usage := domain.NewUsage(int(u.Get("prompt_tokens").Int()), int(u.Get("completion_tokens").Int()))
	if total := u.Get("total_tokens"); total.Exists() {
		usage.TotalTokens = int(total.Int())
	}
	if cached := u.Get("prompt_tokens_details.cached_tokens"); cached.Exists() {
		usage = usage.WithCached(int(cached.Int()))
	}
	if reasoning := u.Get("completion_tokens_details.reasoning_tokens"); reasoning.Exists() {
		usage = usage.WithReasoning(int(reasoning.Int()))
	}
	return usage
}
