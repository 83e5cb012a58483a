package openai

import (
	"bytes"
	"context"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

func convert(t *testing.T, d *Decoder, data string) []domain.StreamEvent {
	t.Helper()
	var out []domain.StreamEvent
	for _, r := range d.ConvertEvent(context.Background(), domain.Frame{Data: data}) {
		if r.Err != nil {
			t.Fatalf("ConvertEvent(%s) error = %v", data, r.Err)
		}
		out = append(out, *r.Event)
	}
	return out
}

func ofType(events []domain.StreamEvent, typ domain.StreamEventType) []domain.StreamEvent {
	var out []domain.StreamEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestDecoder_ContentAndFinish(t *testing.T) {
	d := NewDecoder()
	var events []domain.StreamEvent
	for _, data := range []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11,"prompt_tokens_details":{"cached_tokens":4}}}`,
	} {
		events = append(events, convert(t, d, data)...)
	}

	starts := ofType(events, domain.EventTypeStreamStart)
	if len(starts) != 1 || starts[0].Metadata.Model != "gpt-4o" || starts[0].Metadata.ID != "chatcmpl-1" {
		t.Fatalf("starts = %+v", starts)
	}
	if starts[0].Metadata.Created.Unix() != 1700000000 {
		t.Errorf("Created = %v", starts[0].Metadata.Created)
	}
	deltas := ofType(events, domain.EventTypeContentDelta)
	if len(deltas) != 2 || deltas[0].Text+deltas[1].Text != "Hello" {
		t.Errorf("deltas = %+v", deltas)
	}
	ends := ofType(events, domain.EventTypeStreamEnd)
	if len(ends) != 1 {
		t.Fatalf("ends = %d, want 1", len(ends))
	}
	if ends[0].Response.Text != "Hello" || ends[0].Response.FinishReason.Kind != domain.FinishStop {
		t.Errorf("end = %+v", ends[0].Response)
	}
	usage := ofType(events, domain.EventTypeUsageUpdate)
	if len(usage) != 1 || usage[0].Usage.Cached() != 4 || usage[0].Usage.TotalTokens != 11 {
		t.Errorf("usage = %+v", usage)
	}
	if r := d.HandleStreamEnd(); r != nil {
		t.Errorf("HandleStreamEnd() = %+v, want nil", r.Event)
	}
}

func TestDecoder_ToolCallContinuation(t *testing.T) {
	d := NewDecoder()
	var events []domain.StreamEvent
	for _, data := range []string{
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"a\":1"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	} {
		events = append(events, convert(t, d, data)...)
	}

	calls := ofType(events, domain.EventTypeToolCallDelta)
	if len(calls) != 3 {
		t.Fatalf("tool call deltas = %d, want 3", len(calls))
	}
	var names int
	var args string
	for _, c := range calls {
		if c.ToolCall.CallID != "call_abc" {
			t.Errorf("CallID = %q, want call_abc", c.ToolCall.CallID)
		}
		if c.ToolCall.FunctionName != "" {
			names++
		}
		args += c.ToolCall.ArgumentsDelta
	}
	if names != 1 {
		t.Errorf("fragments with name = %d, want 1", names)
	}
	if args != `{"a":1}` {
		t.Errorf("arguments = %q, want %q", args, `{"a":1}`)
	}
	ends := ofType(events, domain.EventTypeStreamEnd)
	if len(ends) != 1 || ends[0].Response.FinishReason.Kind != domain.FinishToolCalls {
		t.Errorf("end = %+v", ends)
	}
}

func TestDecoder_ToolCallRepeatedName(t *testing.T) {
	d := NewDecoder()
	var events []domain.StreamEvent
	for _, data := range []string{
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get","arguments":"1}"}}]}}]}`,
	} {
		events = append(events, convert(t, d, data)...)
	}

	calls := ofType(events, domain.EventTypeToolCallDelta)
	if len(calls) != 2 {
		t.Fatalf("tool call deltas = %d, want 2", len(calls))
	}
	var names int
	for _, c := range calls {
		if c.ToolCall.FunctionName != "" {
			names++
		}
	}
	if names != 1 {
		t.Errorf("deltas with function_name for call_1 = %d, want 1", names)
	}
	if calls[0].ToolCall.FunctionName != "get" {
		t.Errorf("first FunctionName = %q, want get", calls[0].ToolCall.FunctionName)
	}
	if calls[1].ToolCall.ArgumentsDelta != "1}" {
		t.Errorf("second ArgumentsDelta = %q, want 1}", calls[1].ToolCall.ArgumentsDelta)
	}
}

func TestDecoder_ReasoningAndBareString(t *testing.T) {
	d := NewDecoder()
	events := convert(t, d, `{"choices":[{"index":0,"delta":{"reasoning_content":"think"}}]}`)
	events = append(events, convert(t, d, `"plain"`)...)

	if th := ofType(events, domain.EventTypeThinkingDelta); len(th) != 1 || th[0].Text != "think" {
		t.Errorf("thinking = %+v", th)
	}
	if c := ofType(events, domain.EventTypeContentDelta); len(c) != 1 || c[0].Text != "plain" {
		t.Errorf("content = %+v", c)
	}
}

func TestDecoder_NonDeltaContent(t *testing.T) {
	d := NewDecoder()
	events := convert(t, d, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"whole"},"finish_reason":"stop"}]}`)

	var got []domain.StreamEventType
	for _, ev := range events {
		got = append(got, ev.Type)
	}
	want := []domain.StreamEventType{domain.EventTypeStreamStart, domain.EventTypeContentDelta, domain.EventTypeStreamEnd}
	if len(got) != len(want) {
		t.Fatalf("types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("types[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if events[1].Text != "whole" {
		t.Errorf("synthetic content = %q, want whole", events[1].Text)
	}
}

func TestDecoder_DisconnectFallback(t *testing.T) {
	d := NewDecoder()
	convert(t, d, `{"choices":[{"index":0,"delta":{"content":"cut"}}]}`)

	events := domain.Events(d.HandleStreamEndEvents())
	if len(events) != 1 || events[0].Response.FinishReason.Unified() != "unknown" || events[0].Response.Text != "cut" {
		t.Fatalf("fallback = %+v", events)
	}
	if r := d.HandleStreamEnd(); r != nil {
		t.Error("fallback emitted twice")
	}
}

func TestDecoder_StrictAndTolerant(t *testing.T) {
	strict := NewDecoder()
	results := strict.ConvertEvent(context.Background(), domain.Frame{Data: `{"choices":[{"delta":{"content":"x"`})
	if len(results) != 1 || !domain.IsKind(results[0].Err, domain.ErrorKindDecode) {
		t.Fatalf("strict = %+v, want one decode error", results)
	}

	tolerant := NewDecoder(codec.WithJSONRepair(true))
	results = tolerant.ConvertEvent(context.Background(), domain.Frame{Data: `{"choices":[{"delta":{"content":"x"`})
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("tolerant error = %v", r.Err)
		}
	}
	if c := ofType(domain.Events(results), domain.EventTypeContentDelta); len(c) != 1 || c[0].Text != "x" {
		t.Errorf("tolerant content = %+v", c)
	}
}

func serialize(t *testing.T, e *Encoder, events ...domain.StreamEvent) []domain.Frame {
	t.Helper()
	var buf bytes.Buffer
	for _, ev := range events {
		out, err := e.SerializeEvent(ev)
		if err != nil {
			t.Fatalf("SerializeEvent(%v) error = %v", ev.Type, err)
		}
		buf.Write(out)
	}
	frames, err := stream.ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return frames
}

func TestEncoder_Stream(t *testing.T) {
	e := NewEncoder()
	usage := domain.NewUsage(3, 2)
	frames := serialize(t, e,
		domain.NewStreamStart(domain.ResponseMetadata{ID: "chatcmpl-9", Model: "gpt-4o"}),
		domain.NewContentDelta("Hi", nil),
		domain.NewToolCallDelta("call_1", "lookup", `{"q":`, nil),
		domain.NewToolCallDelta("call_1", "", `1}`, nil),
		domain.NewStreamEnd(domain.StreamResponse{FinishReason: domain.Finish(domain.FinishToolCalls), Usage: &usage}),
	)

	if len(frames) != 6 {
		t.Fatalf("frames = %d, want 6", len(frames))
	}
	role := gjson.Parse(frames[0].Data)
	if role.Get("choices.0.delta.role").String() != "assistant" || role.Get("object").String() != chunkObject {
		t.Errorf("role chunk = %s", frames[0].Data)
	}
	if got := gjson.Get(frames[1].Data, "choices.0.delta.content").String(); got != "Hi" {
		t.Errorf("content = %q", got)
	}
	first := gjson.Get(frames[2].Data, "choices.0.delta.tool_calls.0")
	if first.Get("id").String() != "call_1" || first.Get("type").String() != "function" || first.Get("index").Int() != 0 {
		t.Errorf("first tool chunk = %s", first.Raw)
	}
	second := gjson.Get(frames[3].Data, "choices.0.delta.tool_calls.0")
	if second.Get("id").Exists() || second.Get("function.arguments").String() != "1}" {
		t.Errorf("second tool chunk = %s", second.Raw)
	}
	finish := gjson.Parse(frames[4].Data)
	if finish.Get("choices.0.finish_reason").String() != "tool_calls" || finish.Get("usage.total_tokens").Int() != 5 {
		t.Errorf("finish chunk = %s", frames[4].Data)
	}
	if !frames[5].IsDone() {
		t.Errorf("last frame = %+v, want [DONE]", frames[5])
	}
	if gjson.Get(frames[1].Data, "id").String() != "chatcmpl-9" {
		t.Errorf("id = %s", gjson.Get(frames[1].Data, "id"))
	}
}

func TestEncoder_FinishNullForUnknown(t *testing.T) {
	e := NewEncoder()
	frames := serialize(t, e, domain.NewStreamEnd(domain.StreamResponse{FinishReason: domain.Finish(domain.FinishUnknown)}))
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if fr := gjson.Get(frames[0].Data, "choices.0.finish_reason"); fr.Type != gjson.Null {
		t.Errorf("finish_reason = %s, want null", fr.Raw)
	}
}

func TestRoundTrip(t *testing.T) {
	e := NewEncoder()
	usage := domain.NewUsage(5, 4).WithReasoning(2)
	frames := serialize(t, e,
		domain.NewStreamStart(domain.ResponseMetadata{ID: "chatcmpl-rt", Model: "gpt-4o"}),
		domain.NewThinkingDelta("hmm"),
		domain.NewContentDelta("answer", nil),
		domain.NewUsageUpdate(usage),
	)

	d := NewDecoder()
	var events []domain.StreamEvent
	for _, f := range frames {
		events = append(events, convert(t, d, f.Data)...)
	}
	if th := ofType(events, domain.EventTypeThinkingDelta); len(th) != 1 || th[0].Text != "hmm" {
		t.Errorf("thinking = %+v", th)
	}
	if c := ofType(events, domain.EventTypeContentDelta); len(c) != 1 || c[0].Text != "answer" {
		t.Errorf("content = %+v", c)
	}
	u := ofType(events, domain.EventTypeUsageUpdate)
	if len(u) != 1 || u[0].Usage.PromptTokens != 5 || u[0].Usage.CompletionTokens != 4 || u[0].Usage.Reasoning() != 2 {
		t.Errorf("usage = %+v", u)
	}
}
