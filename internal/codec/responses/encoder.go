package responses

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

const noSlot = -1

type encCall struct {
	itemID      string
	callID      string
	outputIndex int
	name        string
	args        strings.Builder
	flushed     int
	added       bool
	argsDone    bool
	viaInput    bool
}

type outputEntry struct {
	index int
	item  any
}

// Encoder renders unified events as Responses API streaming events.
type Encoder struct {
	mu   sync.Mutex
	opts codec.Options

	seq       *stream.Counter
	id        string
	model     string
	createdAt int64
	created   bool
	completed bool
	slots     stream.SlotAllocator
	items     stream.EmittedSet
	skipped   stream.EmittedSet

	msgIdx      int
	msgID       string
	msgText     strings.Builder
	annotations []any

	rsIdx  int
	rsID   string
	rsText strings.Builder

	calls  map[string]*encCall
	rawIdx map[string]int
	output []outputEntry
	usage  *domain.Usage
}

// NewEncoder returns a Responses encoder.
func NewEncoder(opts ...codec.Option) *Encoder {
	e := &Encoder{
		opts: codec.Apply(ProviderMetadataKey, opts...),
		seq:  stream.NewCounter(0),
	}
	e.reset(domain.ResponseMetadata{})
	return e
}

func (e *Encoder) reset(meta domain.ResponseMetadata) {
	e.id = meta.ID
	if e.id == "" {
		e.id = "resp_0"
	}
	e.model = meta.Model
	if e.model == "" {
		e.model = e.opts.Model
	}
	if e.model == "" {
		e.model = "unknown"
	}
	e.createdAt = time.Now().Unix()
	if !meta.Created.IsZero() {
		e.createdAt = meta.Created.Unix()
	}
	e.created = false
	e.completed = false
	e.slots.Reset()
	e.items.Reset()
	e.skipped.Reset()
	e.msgIdx = noSlot
	e.msgID = ""
	e.msgText.Reset()
	e.annotations = nil
	e.rsIdx = noSlot
	e.rsID = ""
	e.rsText.Reset()
	e.calls = make(map[string]*encCall)
	e.rawIdx = make(map[string]int)
	e.output = nil
	e.usage = nil
}

// frameWriter accumulates frames and keeps the first error.
type frameWriter struct {
	e   *Encoder
	out []byte
	err error
}

// emit stamps the next sequence number onto payload and appends the frame.
func (w *frameWriter) emit(typ string, payload any) {
	if w.err != nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		w.err = domain.NewEncodeError(domain.ProtocolResponses, "failed to marshal "+typ, err)
		return
	}
	data, err = sjson.SetBytes(data, "sequence_number", w.e.seq.Next())
	if err != nil {
		w.err = domain.NewEncodeError(domain.ProtocolResponses, "failed to stamp "+typ, err)
		return
	}
	frame, err := stream.EventFrame(typ, json.RawMessage(data))
	if err != nil {
		w.err = err
		return
	}
	w.out = append(w.out, frame...)
}

func (w *frameWriter) event(ev Event) {
	w.emit(ev.Type, ev)
}

// SerializeEvent encodes one event.
func (e *Encoder) SerializeEvent(ev domain.StreamEvent) ([]byte, error) {
	return stream.GuardErr(&e.mu, e.opts.Logger, "responses.serialize", func() ([]byte, error) {
		w := &frameWriter{e: e}
		e.serialize(w, ev)
		return w.out, w.err
	})
}

func (e *Encoder) serialize(w *frameWriter, ev domain.StreamEvent) {
	switch ev.Type {
	case domain.EventTypeStreamStart:
		var meta domain.ResponseMetadata
		if ev.Metadata != nil {
			meta = *ev.Metadata
		}
		e.reset(meta)
		e.begin(w)

	case domain.EventTypeContentDelta:
		if ev.Text == "" {
			return
		}
		e.begin(w)
		e.textDelta(w, ev.Text)

	case domain.EventTypeThinkingDelta:
		if ev.Text == "" {
			return
		}
		e.begin(w)
		e.reasoningDelta(w, ev.Text)

	case domain.EventTypeToolCallDelta:
		if ev.ToolCall == nil || ev.ToolCall.CallID == "" {
			return
		}
		e.begin(w)
		e.toolCallDelta(w, ev.ToolCall)

	case domain.EventTypeUsageUpdate:
		if ev.Usage == nil {
			return
		}
		e.begin(w)
		e.usage = ev.Usage
		w.event(Event{Type: "response.usage", Usage: wireUsage(ev.Usage)})

	case domain.EventTypeStreamEnd:
		e.end(w, ev.Response)

	case domain.EventTypeError:
		w.event(Event{Type: "response.error", Error: &APIError{Message: ev.Message}})

	case domain.EventTypeCustom:
		if ev.Custom != nil {
			e.custom(w, ev.Custom)
		}
	}
}

// begin emits response.created once per turn. A turn that already
// completed is reset first.
func (e *Encoder) begin(w *frameWriter) {
	if e.created {
		return
	}
	if e.completed {
		e.reset(domain.ResponseMetadata{})
	}
	e.created = true
	w.event(Event{Type: "response.created", Response: e.responseObject("in_progress", nil)})
}

func (e *Encoder) responseObject(status string, usage *Usage) *Response {
	output := make([]any, 0, len(e.output))
	slices.SortStableFunc(e.output, func(a, b outputEntry) int { return a.index - b.index })
	for _, entry := range e.output {
		output = append(output, entry.item)
	}
	return &Response{
		ID:        e.id,
		Object:    "response",
		CreatedAt: e.createdAt,
		Status:    status,
		Model:     e.model,
		Output:    output,
		Usage:     usage,
		Metadata:  map[string]any{},
	}
}

func (e *Encoder) ensureMessage(w *frameWriter) {
	if e.msgIdx != noSlot {
		return
	}
	e.msgIdx = e.slots.Next()
	e.msgID = "msg_" + e.id + "_0"
	w.event(Event{
		Type:        "response.output_item.added",
		OutputIndex: domain.IntPtr(e.msgIdx),
		Item: OutputItem{
			ID:      e.msgID,
			Type:    "message",
			Status:  "in_progress",
			Role:    "assistant",
			Content: []any{},
		},
	})
	w.event(Event{
		Type:         "response.content_part.added",
		ItemID:       e.msgID,
		OutputIndex:  domain.IntPtr(e.msgIdx),
		ContentIndex: domain.IntPtr(0),
		Part:         &ContentPart{Type: "output_text", Annotations: []any{}, Logprobs: []any{}},
	})
}

func (e *Encoder) textDelta(w *frameWriter, text string) {
	e.ensureMessage(w)
	e.msgText.WriteString(text)
	w.event(Event{
		Type:         "response.output_text.delta",
		ItemID:       e.msgID,
		OutputIndex:  domain.IntPtr(e.msgIdx),
		ContentIndex: domain.IntPtr(0),
		Delta:        &text,
		Logprobs:     []any{},
	})
}

func (e *Encoder) reasoningDelta(w *frameWriter, text string) {
	if e.rsIdx == noSlot {
		e.rsIdx = e.slots.Next()
		e.rsID = "rs_" + strconv.Itoa(e.rsIdx)
		w.event(Event{
			Type:        "response.output_item.added",
			OutputIndex: domain.IntPtr(e.rsIdx),
			Item:        OutputItem{ID: e.rsID, Type: "reasoning", Summary: []any{}},
		})
	}
	e.rsText.WriteString(text)
	w.event(Event{
		Type:         "response.reasoning_summary_text.delta",
		ItemID:       e.rsID,
		OutputIndex:  domain.IntPtr(e.rsIdx),
		SummaryIndex: domain.IntPtr(0),
		Delta:        &text,
	})
}

// newCall allocates an output slot for a function call, honoring the
// preferred index when it is free.
func (e *Encoder) newCall(callID string, preferred *int) *encCall {
	idx := e.slots.Claim(preferred)
	c := &encCall{
		itemID:      "fc_" + strconv.Itoa(idx),
		callID:      callID,
		outputIndex: idx,
	}
	e.calls[callID] = c
	return c
}

func (e *Encoder) toolCallDelta(w *frameWriter, tc *domain.ToolCallDelta) {
	c, ok := e.calls[tc.CallID]
	if !ok {
		c = e.newCall(tc.CallID, tc.Index)
	}
	if c.name == "" && tc.FunctionName != "" {
		c.name = tc.FunctionName
	}
	if tc.ArgumentsDelta != "" && !c.argsDone && !c.viaInput {
		c.args.WriteString(tc.ArgumentsDelta)
	}
	if !c.added && c.name != "" {
		e.addCall(w, c)
	}
	e.flushArgs(w, c)
}

func (e *Encoder) addCall(w *frameWriter, c *encCall) {
	if c.name == "" {
		c.name = "tool"
	}
	c.added = true
	empty := ""
	w.event(Event{
		Type:        "response.output_item.added",
		OutputIndex: domain.IntPtr(c.outputIndex),
		Item: OutputItem{
			ID:        c.itemID,
			Type:      "function_call",
			Status:    "in_progress",
			Arguments: &empty,
			CallID:    c.callID,
			Name:      c.name,
		},
	})
}

// flushArgs sends argument text accumulated since the last flush. Nothing
// is sent before the item has been added.
func (e *Encoder) flushArgs(w *frameWriter, c *encCall) {
	if !c.added {
		return
	}
	args := c.args.String()
	if len(args) <= c.flushed {
		return
	}
	delta := args[c.flushed:]
	c.flushed = len(args)
	w.event(Event{
		Type:        "response.function_call_arguments.delta",
		ItemID:      c.itemID,
		OutputIndex: domain.IntPtr(c.outputIndex),
		Delta:       &delta,
	})
}

func (e *Encoder) argsDone(w *frameWriter, c *encCall) {
	if !c.added {
		e.addCall(w, c)
	}
	e.flushArgs(w, c)
	if c.argsDone {
		return
	}
	c.argsDone = true
	args := c.args.String()
	if args == "" {
		return
	}
	w.event(Event{
		Type:        "response.function_call_arguments.done",
		ItemID:      c.itemID,
		OutputIndex: domain.IntPtr(c.outputIndex),
		Arguments:   &args,
	})
}

func (e *Encoder) closeCall(w *frameWriter, c *encCall) {
	e.argsDone(w, c)
	if !e.items.Add("done:" + c.itemID) {
		return
	}
	args := c.args.String()
	item := OutputItem{
		ID:        c.itemID,
		Type:      "function_call",
		Status:    "completed",
		Arguments: &args,
		CallID:    c.callID,
		Name:      c.name,
	}
	w.event(Event{Type: "response.output_item.done", OutputIndex: domain.IntPtr(c.outputIndex), Item: item})
	e.output = append(e.output, outputEntry{index: c.outputIndex, item: item})
}

func (e *Encoder) closeReasoning(w *frameWriter) {
	if e.rsIdx == noSlot || !e.items.Add("done:"+e.rsID) {
		return
	}
	item := OutputItem{
		ID:      e.rsID,
		Type:    "reasoning",
		Summary: []map[string]string{{"type": "summary_text", "text": e.rsText.String()}},
	}
	w.event(Event{Type: "response.output_item.done", OutputIndex: domain.IntPtr(e.rsIdx), Item: item})
	e.output = append(e.output, outputEntry{index: e.rsIdx, item: item})
}

func (e *Encoder) closeMessage(w *frameWriter) {
	if e.msgIdx == noSlot || !e.items.Add("done:"+e.msgID) {
		return
	}
	text := e.msgText.String()
	annotations := e.annotations
	if annotations == nil {
		annotations = []any{}
	}
	part := ContentPart{Type: "output_text", Text: text, Annotations: annotations, Logprobs: []any{}}
	w.event(Event{
		Type:         "response.output_text.done",
		ItemID:       e.msgID,
		OutputIndex:  domain.IntPtr(e.msgIdx),
		ContentIndex: domain.IntPtr(0),
		Text:         &text,
		Logprobs:     []any{},
	})
	w.event(Event{
		Type:         "response.content_part.done",
		ItemID:       e.msgID,
		OutputIndex:  domain.IntPtr(e.msgIdx),
		ContentIndex: domain.IntPtr(0),
		Part:         &part,
	})
	item := OutputItem{
		ID:      e.msgID,
		Type:    "message",
		Status:  "completed",
		Role:    "assistant",
		Content: []ContentPart{part},
	}
	w.event(Event{Type: "response.output_item.done", OutputIndex: domain.IntPtr(e.msgIdx), Item: item})
	e.output = append(e.output, outputEntry{index: e.msgIdx, item: item})
}

// end closes every open item and emits the terminal lifecycle event. A
// repeated end after completion resets the encoder and emits nothing.
func (e *Encoder) end(w *frameWriter, resp *domain.StreamResponse) {
	if e.completed {
		e.reset(domain.ResponseMetadata{})
		return
	}
	e.begin(w)

	var finish *domain.FinishReason
	if resp != nil {
		finish = resp.FinishReason
		if resp.Usage != nil {
			e.usage = resp.Usage
		}
	}

	e.closeReasoning(w)
	calls := make([]*encCall, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	slices.SortFunc(calls, func(a, b *encCall) int { return a.outputIndex - b.outputIndex })
	for _, c := range calls {
		e.closeCall(w, c)
	}
	e.closeMessage(w)

	typ, status := "response.completed", "completed"
	var details *IncompleteDetails
	if finish != nil {
		switch finish.Kind {
		case domain.FinishLength:
			typ, status = "response.incomplete", "incomplete"
			details = &IncompleteDetails{Reason: "max_output_tokens"}
		case domain.FinishContentFilter:
			typ, status = "response.incomplete", "incomplete"
			details = &IncompleteDetails{Reason: "content_filter"}
		}
	}
	obj := e.responseObject(status, wireUsage(e.usage))
	obj.IncompleteDetails = details
	w.event(Event{Type: typ, Response: obj})
	if w.err == nil {
		w.out = append(w.out, stream.DoneFrame()...)
	}

	e.created = false
	e.completed = true
}

func (e *Encoder) custom(w *frameWriter, c *domain.CustomEvent) {
	switch c.Kind() {
	case "tool-input-start":
		id := c.Get("id").String()
		if id == "" {
			return
		}
		if c.Get("providerExecuted").Bool() {
			e.skipped.Add(id)
			return
		}
		if _, ok := e.calls[id]; ok {
			return
		}
		e.begin(w)
		call := e.newCall(id, nil)
		call.name = c.Get("toolName").String()
		call.viaInput = true
		e.addCall(w, call)

	case "tool-input-delta":
		id := c.Get("id").String()
		if id == "" || e.skipped.Has(id) {
			return
		}
		call, ok := e.calls[id]
		if !ok {
			e.begin(w)
			call = e.newCall(id, nil)
			call.viaInput = true
			e.addCall(w, call)
		}
		if !call.viaInput || call.argsDone {
			return
		}
		call.args.WriteString(c.Get("delta").String())
		e.flushArgs(w, call)

	case "tool-input-end":
		id := c.Get("id").String()
		if call, ok := e.calls[id]; ok && call.viaInput {
			e.argsDone(w, call)
		}

	case "tool-call":
		if raw := c.Get("rawItem"); raw.IsObject() {
			done := !c.Get("providerExecuted").Bool() || raw.Get("status").String() == "completed"
			e.rawItem(w, raw, c.Get("outputIndex"), done)
			return
		}
		id := c.Get("toolCallId").String()
		if id == "" {
			return
		}
		if call, ok := e.calls[id]; ok {
			e.argsDone(w, call)
			return
		}
		e.begin(w)
		call := e.newCall(id, nil)
		call.name = c.Get("toolName").String()
		if input := c.Get("input"); input.Type == gjson.String {
			call.args.WriteString(input.String())
		} else if input.Exists() && input.Type != gjson.Null {
			call.args.WriteString(input.Raw)
		}
		e.addCall(w, call)
		e.argsDone(w, call)

	case "tool-result":
		if raw := c.Get("rawItem"); raw.IsObject() {
			e.rawItem(w, raw, c.Get("outputIndex"), true)
			return
		}
		id := c.Get("toolCallId").String()
		if id == "" {
			return
		}
		e.begin(w)
		item := map[string]any{
			"id":      "ctc_" + id,
			"type":    "custom_tool_call",
			"status":  "completed",
			"call_id": id,
			"name":    c.Get("toolName").String(),
			"output":  rawOrNull(c.Get("result")),
		}
		data, err := json.Marshal(item)
		if err != nil {
			w.err = domain.NewEncodeError(domain.ProtocolResponses, "failed to marshal tool result", err)
			return
		}
		e.rawItem(w, gjson.ParseBytes(data), gjson.Result{}, true)

	case "tool-approval-request":
		if raw := c.Get("rawItem"); raw.IsObject() {
			e.rawItem(w, raw, c.Get("outputIndex"), true)
		}

	case "source":
		e.annotation(w, c)
	}
}

// rawItem re-emits a provider output item verbatim, once as added and once
// as done.
func (e *Encoder) rawItem(w *frameWriter, raw, outIdx gjson.Result, done bool) {
	id := raw.Get("id").String()
	if id == "" {
		return
	}
	e.begin(w)
	idx, ok := e.rawIdx[id]
	if !ok {
		var preferred *int
		if outIdx.Exists() {
			preferred = domain.IntPtr(int(outIdx.Int()))
		}
		idx = e.slots.Claim(preferred)
		e.rawIdx[id] = idx
	}
	item := json.RawMessage(raw.Raw)
	if !done {
		if e.items.Add("added:" + id) {
			w.event(Event{Type: "response.output_item.added", OutputIndex: domain.IntPtr(idx), Item: item})
		}
		return
	}
	if e.items.Add("done:" + id) {
		w.event(Event{Type: "response.output_item.done", OutputIndex: domain.IntPtr(idx), Item: item})
		e.output = append(e.output, outputEntry{index: idx, item: item})
	}
}

func (e *Encoder) annotation(w *frameWriter, c *domain.CustomEvent) {
	id := c.Get("id").String()
	if id != "" && !e.items.Add("source:"+id) {
		return
	}
	var ann map[string]any
	switch c.Get("sourceType").String() {
	case "url":
		ann = map[string]any{
			"type":  "url_citation",
			"url":   c.Get("url").String(),
			"title": c.Get("title").String(),
		}
	case "document":
		var meta gjson.Result
		c.Get("providerMetadata").ForEach(func(key, value gjson.Result) bool {
			if key.String() == e.opts.ProviderMetadataKey {
				meta = value
				return false
			}
			return true
		})
		fileID := meta.Get("fileId").String()
		if fileID == "" {
			fileID = c.Get("url").String()
		}
		if fileID == "" {
			fileID = id
		}
		typ := "file_citation"
		switch {
		case meta.Get("containerId").Exists():
			typ = "container_file_citation"
		case c.Get("mediaType").String() == "application/octet-stream":
			typ = "file_path"
		}
		ann = map[string]any{"type": typ, "file_id": fileID, "index": meta.Get("index").Int()}
		if name := c.Get("filename").String(); name != "" {
			ann["filename"] = name
		}
		if containerID := meta.Get("containerId"); containerID.Exists() {
			ann["container_id"] = containerID.String()
		}
	default:
		return
	}
	e.begin(w)
	e.ensureMessage(w)
	idx := len(e.annotations)
	e.annotations = append(e.annotations, ann)
	w.event(Event{
		Type:            "response.output_text.annotation.added",
		ItemID:          e.msgID,
		OutputIndex:     domain.IntPtr(e.msgIdx),
		ContentIndex:    domain.IntPtr(0),
		AnnotationIndex: domain.IntPtr(idx),
		Annotation:      ann,
	})
}

func wireUsage(u *domain.Usage) *Usage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	out := &Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  total,
	}
	if u.CachedTokens != nil {
		out.InputTokensDetails = &InputTokensDetails{CachedTokens: *u.CachedTokens}
	}
	if u.ReasoningTokens != nil {
		out.OutputTokensDetails = &OutputTokensDetails{ReasoningTokens: *u.ReasoningTokens}
	}
	return out
}
