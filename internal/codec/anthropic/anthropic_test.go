package anthropic

import (
	"bytes"
	"context"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

type frame struct {
	event string
	data  string
}

func convertAll(t *testing.T, d *Decoder, frames ...frame) []domain.StreamEvent {
	t.Helper()
	var out []domain.StreamEvent
	for _, f := range frames {
		for _, r := range d.ConvertEvent(context.Background(), domain.Frame{Event: f.event, Data: f.data}) {
			if r.Err != nil {
				t.Fatalf("ConvertEvent(%s) error = %v", f.data, r.Err)
			}
			out = append(out, *r.Event)
		}
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

func customKinds(events []domain.StreamEvent) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == domain.EventTypeCustom {
			out = append(out, ev.Custom.Kind())
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var messageStart = frame{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[],"usage":{"input_tokens":10,"output_tokens":1,"cache_read_input_tokens":4}}}`}

func TestDecoder_TextTurn(t *testing.T) {
	d := NewDecoder()
	events := convertAll(t, d,
		messageStart,
		frame{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		frame{"ping", `{"type":"ping"}`},
		frame{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`},
		frame{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`},
		frame{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		frame{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":7}}`},
		frame{"message_stop", `{"type":"message_stop"}`},
	)

	starts := ofType(events, domain.EventTypeStreamStart)
	if len(starts) != 1 || starts[0].Metadata.ID != "msg_1" || starts[0].Metadata.Model != "claude-sonnet-4" {
		t.Fatalf("starts = %+v", starts)
	}
	if events[0].Type != domain.EventTypeStreamStart {
		t.Errorf("first event = %v, want stream_start", events[0].Type)
	}

	want := []string{"text-start", "text-delta", "text-delta", "text-end"}
	if got := customKinds(events); !equalStrings(got, want) {
		t.Errorf("custom kinds = %v, want %v", got, want)
	}

	deltas := ofType(events, domain.EventTypeContentDelta)
	if len(deltas) != 2 || deltas[0].Text+deltas[1].Text != "Hello" {
		t.Errorf("deltas = %+v", deltas)
	}

	usage := ofType(events, domain.EventTypeUsageUpdate)
	if len(usage) != 1 {
		t.Fatalf("usage updates = %d, want 1", len(usage))
	}
	if u := usage[0].Usage; u.PromptTokens != 14 || u.CompletionTokens != 7 || u.Cached() != 4 {
		t.Errorf("usage = %+v", u)
	}

	ends := ofType(events, domain.EventTypeStreamEnd)
	if len(ends) != 1 {
		t.Fatalf("ends = %d, want 1", len(ends))
	}
	if ends[0].Response.FinishReason.Kind != domain.FinishStop || ends[0].Response.Text != "Hello" {
		t.Errorf("end = %+v", ends[0].Response)
	}
	if r := d.HandleStreamEnd(); r != nil {
		t.Errorf("HandleStreamEnd() = %+v, want nil", r.Event)
	}
}

func TestDecoder_ToolUse(t *testing.T) {
	d := NewDecoder()
	events := convertAll(t, d,
		messageStart,
		frame{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}`},
		frame{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"a\":1"}}`},
		frame{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"}"}}`},
		frame{"content_block_delta", `{"type":"content_block_delta","index":7,"delta":{"type":"input_json_delta","partial_json":"{}"}}`},
		frame{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		frame{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`},
	)

	calls := ofType(events, domain.EventTypeToolCallDelta)
	if len(calls) != 3 {
		t.Fatalf("tool call deltas = %d, want 3", len(calls))
	}
	var names int
	var args string
	for _, c := range calls {
		if c.ToolCall.CallID != "toolu_1" {
			t.Errorf("CallID = %q, want toolu_1", c.ToolCall.CallID)
		}
		if c.ToolCall.Index == nil || *c.ToolCall.Index != 1 {
			t.Errorf("Index = %v, want 1", c.ToolCall.Index)
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
		t.Errorf("ends = %+v", ends)
	}
}

func TestDecoder_MessageStopWithoutDelta(t *testing.T) {
	d := NewDecoder()
	events := convertAll(t, d,
		messageStart,
		frame{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`},
		frame{"message_stop", `{"type":"message_stop"}`},
		frame{"message_stop", `{"type":"message_stop"}`},
	)

	ends := ofType(events, domain.EventTypeStreamEnd)
	if len(ends) != 1 || ends[0].Response.FinishReason.Kind != domain.FinishStop {
		t.Fatalf("ends = %+v, want one stop", ends)
	}
}

func TestDecoder_SecondTurn(t *testing.T) {
	d := NewDecoder()
	convertAll(t, d,
		messageStart,
		frame{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`},
	)
	events := convertAll(t, d,
		frame{"message_start", `{"type":"message_start","message":{"id":"msg_2","model":"claude-sonnet-4","usage":{"input_tokens":1}}}`},
		frame{"message_stop", `{"type":"message_stop"}`},
	)

	starts := ofType(events, domain.EventTypeStreamStart)
	if len(starts) != 1 || starts[0].Metadata.ID != "msg_2" {
		t.Fatalf("starts = %+v", starts)
	}
	if ends := ofType(events, domain.EventTypeStreamEnd); len(ends) != 1 {
		t.Errorf("ends = %d, want 1", len(ends))
	}
}

func TestDecoder_ErrorFallback(t *testing.T) {
	d := NewDecoder()
	events := convertAll(t, d,
		messageStart,
		frame{"error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
	)

	errs := ofType(events, domain.EventTypeError)
	if len(errs) != 1 || errs[0].Message != "Overloaded" {
		t.Fatalf("errors = %+v", errs)
	}

	end := domain.Events(d.HandleStreamEndEvents())
	if len(end) != 1 || end[0].Response.FinishReason.Kind != domain.FinishError {
		t.Fatalf("fallback = %+v, want error finish", end)
	}
	if r := d.HandleStreamEnd(); r != nil {
		t.Error("fallback emitted twice")
	}
}

func TestDecoder_DisconnectUnknown(t *testing.T) {
	d := NewDecoder()
	convertAll(t, d, messageStart)

	r := d.HandleStreamEnd()
	if r == nil || r.Event == nil {
		t.Fatal("HandleStreamEnd() = nil, want fallback")
	}
	if got := r.Event.Response.FinishReason.Unified(); got != "unknown" {
		t.Errorf("finish = %q, want unknown", got)
	}
}

func TestDecoder_APIErrorPayload(t *testing.T) {
	d := NewDecoder()
	events := convertAll(t, d, frame{"", `{"error":{"message":"invalid x-api-key"}}`})

	errs := ofType(events, domain.EventTypeError)
	if len(errs) != 1 || errs[0].Message != "Anthropic API error: invalid x-api-key" {
		t.Errorf("errors = %+v", errs)
	}
}

func TestDecoder_WebSearch(t *testing.T) {
	d := NewDecoder()
	events := convertAll(t, d,
		messageStart,
		frame{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"server_tool_use","id":"srvtoolu_1","name":"web_search","input":{"query":"go"}}}`},
		frame{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"web_search_tool_result","tool_use_id":"srvtoolu_1","content":[{"type":"web_search_result","url":"https://go.dev","title":"Go","page_age":"1 day"},{"type":"web_search_result","url":"https://go.dev","title":"Go again"}]}}`},
		frame{"content_block_start", `{"type":"content_block_start","index":2,"content_block":{"type":"text","text":""}}`},
		frame{"content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"citations_delta","citation":{"type":"web_search_result_location","url":"https://go.dev","title":"Go","cited_text":"Go is"}}}`},
	)

	want := []string{"tool-call", "tool-result", "source", "text-start"}
	if got := customKinds(events); !equalStrings(got, want) {
		t.Fatalf("custom kinds = %v, want %v", got, want)
	}

	customs := ofType(events, domain.EventTypeCustom)
	call := customs[0].Custom
	if call.Get("toolCallId").String() != "srvtoolu_1" || !call.Get("providerExecuted").Bool() || call.Get("input.query").String() != "go" {
		t.Errorf("tool-call = %s", call.Data)
	}
	result := customs[1].Custom
	if result.Get("toolName").String() != "web_search" || result.Get("isError").Bool() {
		t.Errorf("tool-result = %s", result.Data)
	}
	src := customs[2].Custom
	if src.Get("id").String() != "srvtoolu_1:0" || src.Get("url").String() != "https://go.dev" {
		t.Errorf("source = %s", src.Data)
	}
	if src.Get("providerMetadata.anthropic.pageAge").String() != "1 day" {
		t.Errorf("pageAge = %s", src.Get("providerMetadata.anthropic.pageAge").Raw)
	}
}

func TestDecoder_DocumentCitation(t *testing.T) {
	d := NewDecoder()
	citation := frame{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"citations_delta","citation":{"type":"page_location","cited_text":"abc","document_index":0,"document_title":"Manual","start_page_number":2,"end_page_number":3}}}`}
	events := convertAll(t, d, messageStart, citation, citation)

	sources := ofType(events, domain.EventTypeCustom)
	if len(sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(sources))
	}
	src := sources[0].Custom
	if src.Get("id").String() != "doc:0:page:2-3" || src.Get("title").String() != "Manual" || src.Get("sourceType").String() != "document" {
		t.Errorf("source = %s", src.Data)
	}
}

func TestDecoder_ThinkingSignature(t *testing.T) {
	d := NewDecoder()
	events := convertAll(t, d,
		messageStart,
		frame{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`},
		frame{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"ponder"}}`},
		frame{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig=="}}`},
		frame{"content_block_stop", `{"type":"content_block_stop","index":0}`},
	)

	want := []string{"reasoning-start", "thinking-signature-delta", "reasoning-end"}
	if got := customKinds(events); !equalStrings(got, want) {
		t.Errorf("custom kinds = %v, want %v", got, want)
	}
	if th := ofType(events, domain.EventTypeThinkingDelta); len(th) != 1 || th[0].Text != "ponder" {
		t.Errorf("thinking = %+v", th)
	}
}

func TestDecoder_BlockMarkers(t *testing.T) {
	tests := []struct {
		name   string
		frames []frame
		want   []string
	}{
		{
			name: "repeated stop closes once",
			frames: []frame{
				{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
				{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`},
				{"content_block_stop", `{"type":"content_block_stop","index":0}`},
				{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			},
			want: []string{"text-start", "text-delta", "text-end"},
		},
		{
			name: "text delta without block start",
			frames: []frame{
				{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`},
				{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"!"}}`},
				{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			},
			want: []string{"text-start", "text-delta", "text-delta", "text-end"},
		},
		{
			name: "thinking delta without block start",
			frames: []frame{
				{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"thinking_delta","thinking":"hmm"}}`},
				{"content_block_stop", `{"type":"content_block_stop","index":1}`},
				{"content_block_stop", `{"type":"content_block_stop","index":1}`},
			},
			want: []string{"reasoning-start", "reasoning-end"},
		},
		{
			name: "stop for unknown block",
			frames: []frame{
				{"content_block_stop", `{"type":"content_block_stop","index":3}`},
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			events := convertAll(t, d, append([]frame{messageStart}, tt.frames...)...)
			if got := customKinds(events); !equalStrings(got, tt.want) {
				t.Errorf("custom kinds = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMapStopReason(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"end_turn", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool-calls"},
		{"stop_sequence", "stop"},
		{"refusal", "content-filter"},
		{"pause_turn", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			if got := mapStopReason(tt.reason).Unified(); got != tt.want {
				t.Errorf("mapStopReason(%q) = %q, want %q", tt.reason, got, tt.want)
			}
		})
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
	usage := domain.NewUsage(10, 5).WithCached(4)
	frames := serialize(t, e,
		domain.NewStreamStart(domain.ResponseMetadata{ID: "msg_9", Model: "claude-sonnet-4"}),
		domain.NewThinkingDelta("hmm"),
		domain.NewContentDelta("Hi", nil),
		domain.NewToolCallDelta("toolu_1", "lookup", `{"q":1}`, nil),
		domain.NewStreamEnd(domain.StreamResponse{FinishReason: domain.Finish(domain.FinishToolCalls), Usage: &usage}),
	)

	wantEvents := []string{
		"message_start",
		"content_block_start", "content_block_delta",
		"content_block_start", "content_block_delta",
		"content_block_start", "content_block_delta",
		"content_block_stop", "content_block_stop", "content_block_stop",
		"message_delta", "message_stop",
	}
	var got []string
	for _, f := range frames {
		got = append(got, f.Event)
		if typ := gjson.Get(f.Data, "type").String(); typ != f.Event {
			t.Errorf("frame type = %q, event = %q", typ, f.Event)
		}
	}
	if !equalStrings(got, wantEvents) {
		t.Fatalf("events = %v, want %v", got, wantEvents)
	}

	if gjson.Get(frames[0].Data, "message.id").String() != "msg_9" {
		t.Errorf("message_start = %s", frames[0].Data)
	}
	if gjson.Get(frames[1].Data, "content_block.type").String() != "thinking" || gjson.Get(frames[1].Data, "index").Int() != 0 {
		t.Errorf("thinking start = %s", frames[1].Data)
	}
	if gjson.Get(frames[4].Data, "delta.text").String() != "Hi" || gjson.Get(frames[4].Data, "index").Int() != 1 {
		t.Errorf("text delta = %s", frames[4].Data)
	}
	tool := gjson.Get(frames[5].Data, "content_block")
	if tool.Get("type").String() != "tool_use" || tool.Get("id").String() != "toolu_1" || tool.Get("name").String() != "lookup" {
		t.Errorf("tool start = %s", frames[5].Data)
	}
	if gjson.Get(frames[6].Data, "delta.partial_json").String() != `{"q":1}` {
		t.Errorf("tool delta = %s", frames[6].Data)
	}
	for i, idx := range []int64{0, 1, 2} {
		if got := gjson.Get(frames[7+i].Data, "index").Int(); got != idx {
			t.Errorf("stop[%d] index = %d, want %d", i, got, idx)
		}
	}
	md := gjson.Parse(frames[10].Data)
	if md.Get("delta.stop_reason").String() != "tool_use" {
		t.Errorf("stop_reason = %s", md.Get("delta.stop_reason").Raw)
	}
	if md.Get("usage.input_tokens").Int() != 6 || md.Get("usage.cache_read_input_tokens").Int() != 4 || md.Get("usage.output_tokens").Int() != 5 {
		t.Errorf("usage = %s", md.Get("usage").Raw)
	}

	out, err := e.SerializeEvent(domain.NewStreamEnd(domain.StreamResponse{}))
	if err != nil || len(out) != 0 {
		t.Errorf("repeated StreamEnd = %q, %v; want nothing", out, err)
	}
}

func TestEncoder_UnknownFinishIsNull(t *testing.T) {
	e := NewEncoder()
	frames := serialize(t, e, domain.NewStreamEnd(domain.StreamResponse{FinishReason: domain.Finish(domain.FinishUnknown)}))
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	if gjson.Get(frames[0].Data, "message.id").String() != "msg_0" {
		t.Errorf("default id = %s", frames[0].Data)
	}
	if sr := gjson.Get(frames[1].Data, "delta.stop_reason"); sr.Type != gjson.Null {
		t.Errorf("stop_reason = %s, want null", sr.Raw)
	}
}

func TestEncoder_Error(t *testing.T) {
	e := NewEncoder()
	frames := serialize(t, e, domain.NewError("boom"))
	if len(frames) != 1 || frames[0].Event != "error" {
		t.Fatalf("frames = %+v", frames)
	}
	if gjson.Get(frames[0].Data, "error.message").String() != "boom" || gjson.Get(frames[0].Data, "error.type").String() != "api_error" {
		t.Errorf("error frame = %s", frames[0].Data)
	}
}

func TestRoundTrip(t *testing.T) {
	e := NewEncoder()
	usage := domain.NewUsage(10, 5).WithCached(4)
	frames := serialize(t, e,
		domain.NewStreamStart(domain.ResponseMetadata{ID: "msg_rt", Model: "claude-sonnet-4"}),
		domain.NewContentDelta("answer", nil),
		domain.NewToolCallDelta("toolu_1", "lookup", `{"q":1}`, nil),
		domain.NewStreamEnd(domain.StreamResponse{FinishReason: domain.Finish(domain.FinishToolCalls), Usage: &usage}),
	)

	d := NewDecoder()
	var in []frame
	for _, f := range frames {
		in = append(in, frame{f.Event, f.Data})
	}
	events := convertAll(t, d, in...)

	if c := ofType(events, domain.EventTypeContentDelta); len(c) != 1 || c[0].Text != "answer" {
		t.Errorf("content = %+v", c)
	}
	var args string
	for _, c := range ofType(events, domain.EventTypeToolCallDelta) {
		args += c.ToolCall.ArgumentsDelta
	}
	if args != `{"q":1}` {
		t.Errorf("arguments = %q", args)
	}
	u := ofType(events, domain.EventTypeUsageUpdate)
	if len(u) != 1 || u[0].Usage.PromptTokens != 10 || u[0].Usage.Cached() != 4 || u[0].Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v", u)
	}
	ends := ofType(events, domain.EventTypeStreamEnd)
	if len(ends) != 1 || ends[0].Response.FinishReason.Kind != domain.FinishToolCalls || ends[0].Response.ID != "msg_rt" {
		t.Errorf("ends = %+v", ends)
	}
}
