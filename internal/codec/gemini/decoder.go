package gemini

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

// Decoder converts Gemini chunks into unified events.
type Decoder struct {
	mu   sync.Mutex
	opts codec.Options

	state       *stream.StateStore
	blockIDs    *stream.Counter
	callIDs     *stream.Allocator
	reasoningID string
	pendingExec string
	text        strings.Builder
	lastUsage   *domain.Usage
}

// NewDecoder returns a Gemini decoder.
func NewDecoder(opts ...codec.Option) *Decoder {
	return &Decoder{
		opts:     codec.Apply(ProviderMetadataKey, opts...),
		state:    stream.NewStateStore("src_"),
		blockIDs: stream.NewCounter(0),
		callIDs:  stream.NewAllocator("call_", 0),
	}
}

// ConvertEvent decodes one Gemini chunk.
func (d *Decoder) ConvertEvent(_ context.Context, frame domain.Frame) []domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "gemini.convert", func() []domain.Result {
		if frame.IsEmpty() || frame.IsDone() {
			return nil
		}
		chunk, ok, err := d.opts.ParseFrame(domain.ProtocolGemini, frame)
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
		b.Add(domain.NewStreamStart(domain.ResponseMetadata{
			ID:       chunk.Get("responseId").String(),
			Model:    d.model(chunk),
			Provider: string(domain.ProtocolGemini),
			Created:  time.Now().UTC(),
		}))
	}

	if errObj := chunk.Get("error"); errObj.Exists() {
		msg := errObj.Get("message").String()
		if msg == "" {
			msg = "Gemini streaming error: " + errObj.Raw
		}
		b.Add(domain.NewError(msg))
		return b.Results()
	}

	parts := chunk.Get("candidates.#.content.parts|@flatten")

	parts.ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text").String(); text != "" && !part.Get("thought").Bool() {
			d.text.WriteString(text)
			b.Add(domain.NewContentDelta(text, nil))
		}
		return true
	})

	parts.ForEach(func(_, part gjson.Result) bool {
		text := part.Get("text").String()
		if text == "" || !part.Get("thought").Bool() {
			return true
		}
		meta := d.thoughtSignature(part.Get("thoughtSignature").String())
		if d.reasoningID == "" {
			d.reasoningID = strconv.Itoa(d.blockIDs.Next())
			b.Custom(customReasoning, reasoningPayload("reasoning-start", d.reasoningID, "", meta))
		}
		b.Custom(customReasoning, reasoningPayload("reasoning-delta", d.reasoningID, text, meta))
		b.Add(domain.NewThinkingDelta(text))
		return true
	})

	parts.ForEach(func(_, part gjson.Result) bool {
		if exec := part.Get("executableCode"); exec.Exists() {
			d.pendingExec = "call_" + uuid.NewString()
			language := exec.Get("language").String()
			if language == "" {
				language = "PYTHON"
			}
			b.Custom(customTool, map[string]any{
				"type":             "tool-call",
				"toolCallId":       d.pendingExec,
				"toolName":         "code_execution",
				"providerExecuted": true,
				"input":            map[string]any{"language": language, "code": exec.Get("code").String()},
			})
		}
		if res := part.Get("codeExecutionResult"); res.Exists() {
			id := d.pendingExec
			d.pendingExec = ""
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			outcome := res.Get("outcome").String()
			if outcome == "" {
				outcome = "OUTCOME_OK"
			}
			b.Custom(customTool, map[string]any{
				"type":             "tool-result",
				"toolCallId":       id,
				"toolName":         "code_execution",
				"providerExecuted": true,
				"result":           map[string]any{"outcome": outcome, "output": res.Get("output").String()},
			})
		}
		if fr := part.Get("functionResponse"); fr.Exists() {
			id := fr.Get("id").String()
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			b.Custom(customTool, map[string]any{
				"type":       "tool-result",
				"toolCallId": id,
				"toolName":   fr.Get("name").String(),
				"result":     rawOr(fr.Get("response"), "{}"),
			})
		}
		return true
	})

	hasCalls := false
	parts.ForEach(func(_, part gjson.Result) bool {
		call := part.Get("functionCall")
		if !call.Exists() {
			return true
		}
		hasCalls = true
		id := call.Get("id").String()
		if id == "" {
			id = d.callIDs.Next()
		}
		args := "{}"
		if a := call.Get("args"); a.Exists() && a.Type != gjson.Null {
			args = a.Raw
		}
		b.Add(domain.NewToolCallDelta(id, call.Get("name").String(), args, nil))
		return true
	})

	if um := chunk.Get("usageMetadata"); um.Exists() {
		u := usageFrom(um)
		d.lastUsage = &u
		b.Add(domain.NewUsageUpdate(u))
	}

	chunk.Get("candidates").ForEach(func(_, cand gjson.Result) bool {
		for _, src := range extractSources(cand.Get("groundingMetadata")) {
			id, fresh := d.state.Sources.Claim(src.key())
			if !fresh {
				continue
			}
			b.Custom(customSource, sourcePayload(id, src))
		}
		return true
	})

	first := chunk.Get("candidates.0")
	// Gemini may repeat finishReason on a trailing usage-only chunk.
	if reason := first.Get("finishReason").String(); reason != "" && d.state.Tracker.NeedsStreamEnd() {
		if d.reasoningID != "" {
			b.Custom(customReasoning, map[string]any{"type": "reasoning-end", "id": d.reasoningID})
			d.reasoningID = ""
		}
		d.state.Tracker.MarkStreamEnded()
		d.state.Finalizer.MarkEnded()
		b.Add(domain.NewStreamEnd(domain.StreamResponse{
			ID:               chunk.Get("responseId").String(),
			Model:            chunk.Get("modelVersion").String(),
			Text:             d.text.String(),
			FinishReason:     mapFinishReason(reason, hasCalls),
			Usage:            d.lastUsage,
			ProviderMetadata: d.providerMetadata(chunk, first),
		}))
	}

	return b.Results()
}

func (d *Decoder) model(chunk gjson.Result) string {
	if d.opts.Model != "" {
		return d.opts.Model
	}
	return chunk.Get("modelVersion").String()
}

func (d *Decoder) thoughtSignature(sig string) map[string]any {
	if strings.TrimSpace(sig) == "" {
		return nil
	}
	return map[string]any{d.opts.ProviderMetadataKey: map[string]any{"thoughtSignature": sig}}
}

// providerMetadata collects candidate metadata under the configured key.
func (d *Decoder) providerMetadata(chunk, cand gjson.Result) []byte {
	out := []byte(`{}`)
	set := func(field string, v gjson.Result) {
		if !v.Exists() {
			return
		}
		if next, err := sjson.SetRawBytes(out, d.opts.ProviderMetadataKey+"."+field, []byte(v.Raw)); err == nil {
			out = next
		}
	}
	set("groundingMetadata", cand.Get("groundingMetadata"))
	set("urlContextMetadata", cand.Get("urlContextMetadata"))
	if ratings := cand.Get("safetyRatings"); len(ratings.Array()) > 0 {
		set("safetyRatings", ratings)
	}
	set("promptFeedback", chunk.Get("promptFeedback"))
	if string(out) == `{}` {
		return nil
	}
	return out
}

// HandleStreamEnd returns the unknown-finish fallback if no finishReason
// was seen.
func (d *Decoder) HandleStreamEnd() *domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "gemini.end", func() *domain.Result {
		return codec.PopEnd(&d.state.Finalizer, d.fallback())
	})
}

// HandleStreamEndEvents is HandleStreamEnd as a slice.
func (d *Decoder) HandleStreamEndEvents() []domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "gemini.end", func() []domain.Result {
		return codec.DrainEnd(&d.state.Finalizer, d.fallback())
	})
}

func (d *Decoder) fallback() func() domain.StreamEvent {
	return stream.UnknownEnd(domain.StreamResponse{Text: d.text.String(), Usage: d.lastUsage})
}

// FinalizeOnDisconnect is false: Gemini ends turns inline.
func (d *Decoder) FinalizeOnDisconnect() bool {
	return false
}

func usageFrom(um gjson.Result) domain.Usage {
	prompt := int(um.Get("promptTokenCount").Int())
	completion := int(um.Get("candidatesTokenCount").Int())
	u := domain.NewUsage(prompt, completion)
	if total := um.Get("totalTokenCount"); total.Exists() {
		u.TotalTokens = int(total.Int())
	}
	if thoughts := um.Get("thoughtsTokenCount"); thoughts.Exists() {
		u = u.WithReasoning(int(thoughts.Int()))
	}
	if cached := um.Get("cachedContentTokenCount"); cached.Exists() {
		u = u.WithCached(int(cached.Int()))
	}
	return u
}

func reasoningPayload(kind, id, delta string, meta map[string]any) map[string]any {
	p := map[string]any{"type": kind, "id": id}
	if kind == "reasoning-delta" {
		p["delta"] = delta
	}
	if meta != nil {
		p["providerMetadata"] = meta
	}
	return p
}

func sourcePayload(id string, s source) map[string]any {
	p := map[string]any{"type": "source", "sourceType": s.SourceType, "id": id}
	if s.URL != "" {
		p["url"] = s.URL
	}
	if s.Title != "" {
		p["title"] = s.Title
	}
	if s.MediaType != "" {
		p["mediaType"] = s.MediaType
	}
	if s.Filename != "" {
		p["filename"] = s.Filename
	}
	return p
}

func rawOr(v gjson.Result, fallback string) json.RawMessage {
	if !v.Exists() || v.Type == gjson.Null {
		return json.RawMessage(fallback)
	}
	return json.RawMessage(v.Raw)
}
