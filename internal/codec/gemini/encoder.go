package gemini

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

// Encoder renders unified events as Gemini data frames.
type Encoder struct {
	mu    sync.Mutex
	opts  codec.Options
	calls stream.ArgTable
	usage *domain.Usage
}

// NewEncoder returns a Gemini encoder.
func NewEncoder(opts ...codec.Option) *Encoder {
	return &Encoder{opts: codec.Apply(ProviderMetadataKey, opts...)}
}

// SerializeEvent encodes one event.
func (e *Encoder) SerializeEvent(ev domain.StreamEvent) ([]byte, error) {
	return stream.GuardErr(&e.mu, e.opts.Logger, "gemini.serialize", func() ([]byte, error) {
		return e.serialize(ev)
	})
}

func (e *Encoder) serialize(ev domain.StreamEvent) ([]byte, error) {
	switch ev.Type {
	case domain.EventTypeStreamStart:
		e.calls.Reset()
		e.usage = nil
		return nil, nil

	case domain.EventTypeContentDelta:
		return partFrame(map[string]any{"text": ev.Text})

	case domain.EventTypeThinkingDelta:
		return partFrame(map[string]any{"text": ev.Text, "thought": true})

	case domain.EventTypeToolCallDelta:
		return e.toolCall(ev.ToolCall)

	case domain.EventTypeUsageUpdate:
		e.usage = ev.Usage
		return stream.DataFrame(map[string]any{"usageMetadata": usageMetadata(*ev.Usage)})

	case domain.EventTypeStreamEnd:
		return e.end(ev.Response)

	case domain.EventTypeError:
		return stream.DataFrame(map[string]any{"error": map[string]any{"message": ev.Message}})

	case domain.EventTypeCustom:
		return e.custom(ev.Custom)
	}
	return nil, nil
}

func (e *Encoder) toolCall(tc *domain.ToolCallDelta) ([]byte, error) {
	if tc == nil {
		return nil, nil
	}
	buf := e.calls.Ensure(tc.CallID)
	if tc.FunctionName != "" {
		buf.Name = tc.FunctionName
	}
	text := buf.Append(tc.ArgumentsDelta)
	if buf.Name == "" || !gjson.Parse(text).IsObject() || !buf.ChangedSinceEmit(text) {
		return nil, nil
	}
	buf.MarkEmitted(text)
	return functionCallFrame(buf.Name, text)
}

func (e *Encoder) end(resp *domain.StreamResponse) ([]byte, error) {
	var out []byte
	var err error
	e.calls.Each(func(_ string, buf *stream.ArgBuffer) {
		if err != nil || buf.Name == "" {
			return
		}
		args := buf.Text()
		if args == "" {
			args = "{}"
		}
		if !gjson.Parse(args).IsObject() || !buf.ChangedSinceEmit(args) {
			return
		}
		buf.MarkEmitted(args)
		var frame []byte
		frame, err = functionCallFrame(buf.Name, args)
		out = append(out, frame...)
	})
	if err != nil {
		return nil, err
	}

	var finish *domain.FinishReason
	usage := e.usage
	if resp != nil {
		finish = resp.FinishReason
		if resp.Usage != nil {
			usage = resp.Usage
		}
	}
	payload := map[string]any{
		"candidates": []any{map[string]any{"finishReason": wireFinishReason(finish)}},
	}
	if usage != nil {
		payload["usageMetadata"] = usageMetadata(*usage)
	}
	frame, err := stream.DataFrame(payload)
	if err != nil {
		return nil, err
	}
	e.calls.Reset()
	return append(out, frame...), nil
}

func (e *Encoder) custom(c *domain.CustomEvent) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	switch c.Kind() {
	case "source":
		var chunk map[string]any
		switch c.Get("sourceType").String() {
		case "url":
			web := map[string]any{"uri": c.Get("url").String()}
			if title := c.Get("title").String(); title != "" {
				web["title"] = title
			}
			chunk = map[string]any{"web": web}
		case "document":
			title := c.Get("title").String()
			if filename := c.Get("filename").String(); filename != "" {
				title = fmt.Sprintf("%s (%s)", title, filename)
			}
			chunk = map[string]any{"retrievedContext": map[string]any{"title": title}}
		default:
			return nil, nil
		}
		return stream.DataFrame(map[string]any{
			"candidates": []any{map[string]any{
				"groundingMetadata": map[string]any{"groundingChunks": []any{chunk}},
			}},
		})

	case "tool-call":
		if c.Get("toolName").String() != "code_execution" {
			return nil, nil
		}
		language := c.Get("input.language").String()
		if language == "" {
			language = "PYTHON"
		}
		return partFrame(map[string]any{
			"executableCode": map[string]any{"language": language, "code": c.Get("input.code").String()},
		})

	case "tool-result":
		if c.Get("toolName").String() == "code_execution" {
			res := map[string]any{"outcome": "OUTCOME_OK"}
			if outcome := c.Get("result.outcome").String(); outcome != "" {
				res["outcome"] = outcome
			}
			if output := c.Get("result.output"); output.Exists() {
				res["output"] = output.String()
			}
			return partFrame(map[string]any{"codeExecutionResult": res})
		}
		result := c.Get("result")
		response := json.RawMessage(`{}`)
		if result.IsObject() {
			response = json.RawMessage(result.Raw)
		}
		return partFrame(map[string]any{
			"functionResponse": map[string]any{"name": c.Get("toolName").String(), "response": response},
		})
	}
	return nil, nil
}

func partFrame(part map[string]any) ([]byte, error) {
	return stream.DataFrame(map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"role": "model", "parts": []any{part}},
		}},
	})
}

func functionCallFrame(name, args string) ([]byte, error) {
	return partFrame(map[string]any{
		"functionCall": map[string]any{"name": name, "args": json.RawMessage(args)},
	})
}

func usageMetadata(u domain.Usage) map[string]any {
	m := map[string]any{
		"promptTokenCount":     u.PromptTokens,
		"candidatesTokenCount": u.CompletionTokens,
		"totalTokenCount":      u.PromptTokens + u.CompletionTokens,
	}
	if u.ReasoningTokens != nil {
		m["thoughtsTokenCount"] = *u.ReasoningTokens
	}
	if u.CachedTokens != nil {
		m["cachedContentTokenCount"] = *u.CachedTokens
	}
	return m
}
