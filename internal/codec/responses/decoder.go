package responses

import (
	"context"
	"encoding/json"
	"log/slog"
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

type callMeta struct {
	callID string
	name   string
}

type mcpMeta struct {
	name        string
	serverLabel string
}

// Decoder converts Responses API streaming events into unified events.
// Terminal frames are held in the finalizer until the transport ends so a
// continuation response can supersede them.
type Decoder struct {
	mu   sync.Mutex
	opts codec.Options

	state     *stream.StateStore
	approvals *stream.Allocator

	id              string
	model           string
	created         time.Time
	text            strings.Builder
	sawFunctionCall bool
	calls           map[string]callMeta
	outputCalls     map[int]string
	args            stream.ArgTable
	reasoningEnc    map[string]gjson.Result
	mcp             map[string]mcpMeta
	approvalCalls   map[string]string
	patches         map[string]string
	containers      map[string]string
	customTools     map[string]callMeta
	shellCalls      map[string]callMeta
	lastUsage       *domain.Usage
}

// NewDecoder returns a Responses decoder.
func NewDecoder(opts ...codec.Option) *Decoder {
	d := &Decoder{
		opts:      codec.Apply(ProviderMetadataKey, opts...),
		state:     stream.NewStateStore("src_"),
		approvals: stream.NewAllocator("id-", 0),
	}
	d.resetTurn()
	return d
}

func (d *Decoder) resetTurn() {
	d.state.ResetTurn()
	d.id = ""
	d.model = ""
	d.created = time.Time{}
	d.text.Reset()
	d.sawFunctionCall = false
	d.calls = make(map[string]callMeta)
	d.outputCalls = make(map[int]string)
	d.args.Reset()
	d.reasoningEnc = make(map[string]gjson.Result)
	d.mcp = make(map[string]mcpMeta)
	d.approvalCalls = make(map[string]string)
	d.patches = make(map[string]string)
	d.containers = make(map[string]string)
	d.customTools = make(map[string]callMeta)
	d.shellCalls = make(map[string]callMeta)
	d.lastUsage = nil
}

// ConvertEvent decodes one named event.
func (d *Decoder) ConvertEvent(_ context.Context, frame domain.Frame) []domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "responses.convert", func() []domain.Result {
		if frame.IsEmpty() || frame.IsDone() {
			return nil
		}
		ev, ok, err := d.opts.ParseFrame(domain.ProtocolResponses, frame)
		if err != nil {
			return []domain.Result{domain.Fail(err)}
		}
		if !ok {
			return nil
		}
		typ := strings.TrimSpace(frame.Event)
		if typ == "" {
			typ = ev.Get("type").String()
		}
		return d.convert(typ, ev)
	})
}

func (d *Decoder) convert(typ string, ev gjson.Result) []domain.Result {
	var b codec.Batch

	switch typ {
	case "response.created", "error", "response.error":
	default:
		d.ensureStart(&b)
	}

	outIdx := int(ev.Get("output_index").Int())
	itemID := ev.Get("item_id").String()

	switch typ {
	case "response.created":
		d.responseCreated(&b, ev.Get("response"))
	case "response.in_progress", "response.queued",
		"response.content_part.added", "response.content_part.done",
		"response.output_text.done", "response.reasoning_summary_part.done",
		"response.reasoning_summary_text.done":
	case "response.output_item.added":
		d.itemAdded(&b, ev.Get("item"), outIdx)
	case "response.output_item.done":
		d.itemDone(&b, ev.Get("item"), outIdx)
	case "response.output_text.delta":
		d.textDelta(&b, itemID, ev.Get("delta").String())
	case "response.output_text.annotation.added":
		d.annotation(&b, ev.Get("annotation"))
	case "response.reasoning_summary_part.added":
		d.reasoningStart(&b, itemID, int(ev.Get("summary_index").Int()))
	case "response.reasoning_summary_text.delta":
		d.reasoningDelta(&b, itemID, int(ev.Get("summary_index").Int()), ev.Get("delta").String())
	case "response.function_call_arguments.delta":
		d.argumentsDelta(&b, ev)
	case "response.function_call_arguments.done":
		if id, meta, ok := d.lookupCall(ev); ok {
			final := ev.Get("arguments")
			d.finishArguments(&b, id, meta, final.String(), final.Exists())
		}
	case "response.apply_patch_call_operation_diff.delta":
		d.patchDelta(&b, itemID, ev.Get("delta").String())
	case "response.apply_patch_call_operation_diff.done":
		d.closePatch(&b, itemID)
	case "response.code_interpreter_call_code.delta":
		d.codeDelta(&b, itemID, ev.Get("delta").String())
	case "response.code_interpreter_call_code.done":
		d.closeCode(&b, itemID)
	case "response.mcp_call_arguments.delta":
		d.args.Ensure("mcp:" + itemID).Append(ev.Get("delta").String())
	case "response.mcp_call_arguments.done":
		args := ev.Get("arguments").String()
		if args == "" {
			args = d.args.Ensure("mcp:" + itemID).Text()
		}
		d.mcpToolCall(&b, itemID, args, gjson.Result{})
	case "response.custom_tool_call_input.delta":
		d.customInputDelta(&b, itemID, ev.Get("delta").String())
	case "response.custom_tool_call_input.done":
		d.customInputEnd(&b, itemID)
	case "response.completed", "response.incomplete":
		d.terminal(&b, ev.Get("response"))
	case "response.failed":
		d.failed(&b, ev.Get("response"))
	case "error", "response.error":
		d.streamError(&b, ev)
	default:
		d.generic(&b, typ, ev)
	}

	return b.Results()
}

// ensureStart emits StreamStart for a turn whose response.created was not
// observed.
func (d *Decoder) ensureStart(b *codec.Batch) {
	if !d.state.Tracker.NeedsStreamStart() {
		return
	}
	if d.model == "" {
		d.model = d.opts.Model
	}
	b.Add(domain.NewStreamStart(domain.ResponseMetadata{
		Model:    d.model,
		Provider: string(domain.ProtocolResponses),
	}))
}

func (d *Decoder) responseCreated(b *codec.Batch, resp gjson.Result) {
	// A new response supersedes any terminal frame queued by the previous one.
	d.resetTurn()
	d.id = resp.Get("id").String()
	d.model = resp.Get("model").String()
	if d.model == "" {
		d.model = d.opts.Model
	}
	if ts := resp.Get("created_at"); ts.Exists() {
		d.created = time.Unix(ts.Int(), 0).UTC()
	}

	if d.state.Tracker.NeedsStreamStart() {
		b.Add(domain.NewStreamStart(domain.ResponseMetadata{
			ID:       d.id,
			Model:    d.model,
			Provider: string(domain.ProtocolResponses),
			Created:  d.created,
		}))
		b.Custom(customStreamStart, map[string]any{"type": "stream-start", "warnings": []any{}})
	}
	if d.id != "" && d.state.Emitted.Add("response-metadata:"+d.id) {
		payload := map[string]any{"type": "response-metadata", "id": d.id, "modelId": d.model}
		if !d.created.IsZero() {
			payload["timestamp"] = d.created.Format(time.RFC3339)
		}
		b.Custom(customResponseMetadata, payload)
	}
}

func (d *Decoder) itemAdded(b *codec.Batch, item gjson.Result, outIdx int) {
	id := item.Get("id").String()
	switch typ := item.Get("type").String(); typ {
	case "message":
		d.textStart(b, id)
	case "reasoning":
		d.reasoningEnc[id] = item.Get("encrypted_content")
		d.reasoningStart(b, id, 0)
	case "function_call":
		d.functionCallAdded(b, item, outIdx)
	default:
		d.providerItemAdded(b, typ, item, outIdx)
	}
}

func (d *Decoder) itemDone(b *codec.Batch, item gjson.Result, outIdx int) {
	id := item.Get("id").String()
	switch typ := item.Get("type").String(); typ {
	case "message":
		if d.state.Emitted.Has("text-start:"+id) && d.state.Emitted.Add("text-end:"+id) {
			meta := map[string]any{"itemId": id}
			if ann := item.Get("content.#.annotations|@flatten"); ann.IsArray() && len(ann.Array()) > 0 {
				meta["annotations"] = json.RawMessage(ann.Raw)
			}
			b.Custom(customTextEnd, map[string]any{"type": "text-end", "id": id, "providerMetadata": d.meta(meta)})
		}
	case "reasoning":
		n := max(1, len(item.Get("summary").Array()))
		for i := range n {
			key := reasoningID(id, i)
			if !d.state.Emitted.Add("reasoning-end:" + key) {
				continue
			}
			b.Custom(customReasoningEnd, map[string]any{
				"type": "reasoning-end",
				"id":   key,
				"providerMetadata": d.meta(map[string]any{
					"itemId":                    id,
					"reasoningEncryptedContent": nullableString(item.Get("encrypted_content")),
				}),
			})
		}
	case "function_call":
		meta, ok := d.calls[id]
		if !ok {
			d.functionCallAdded(b, item, outIdx)
			meta = d.calls[id]
		}
		final := item.Get("arguments")
		d.finishArguments(b, id, meta, final.String(), final.Exists())
	default:
		d.providerItemDone(b, typ, item, outIdx)
	}
}

func (d *Decoder) textStart(b *codec.Batch, itemID string) {
	if !d.state.Emitted.Add("text-start:" + itemID) {
		return
	}
	b.Custom(customTextStart, map[string]any{
		"type":             "text-start",
		"id":               itemID,
		"providerMetadata": d.meta(map[string]any{"itemId": itemID}),
	})
}

func (d *Decoder) textDelta(b *codec.Batch, itemID, delta string) {
	if delta == "" {
		return
	}
	d.textStart(b, itemID)
	d.text.WriteString(delta)
	b.Add(domain.NewContentDelta(delta, nil))
	b.Custom(customTextDelta, map[string]any{"type": "text-delta", "id": itemID, "delta": delta})
}

func reasoningID(itemID string, summaryIdx int) string {
	return itemID + ":" + strconv.Itoa(summaryIdx)
}

func (d *Decoder) reasoningStart(b *codec.Batch, itemID string, summaryIdx int) {
	id := reasoningID(itemID, summaryIdx)
	if !d.state.Emitted.Add("reasoning-start:" + id) {
		return
	}
	b.Custom(customReasoningStart, map[string]any{
		"type": "reasoning-start",
		"id":   id,
		"providerMetadata": d.meta(map[string]any{
			"itemId":                    itemID,
			"reasoningEncryptedContent": nullableString(d.reasoningEnc[itemID]),
		}),
	})
}

func (d *Decoder) reasoningDelta(b *codec.Batch, itemID string, summaryIdx int, delta string) {
	if delta == "" {
		return
	}
	d.reasoningStart(b, itemID, summaryIdx)
	b.Add(domain.NewThinkingDelta(delta))
	b.Custom(customReasoningDelta, map[string]any{
		"type":             "reasoning-delta",
		"id":               reasoningID(itemID, summaryIdx),
		"delta":            delta,
		"providerMetadata": d.meta(map[string]any{"itemId": itemID}),
	})
}

func (d *Decoder) functionCallAdded(b *codec.Batch, item gjson.Result, outIdx int) {
	itemID := item.Get("id").String()
	callID := item.Get("call_id").String()
	if callID == "" {
		callID = itemID
	}
	name := item.Get("name").String()
	d.calls[itemID] = callMeta{callID: callID, name: name}
	d.outputCalls[outIdx] = itemID
	d.sawFunctionCall = true

	buf := d.args.Ensure(itemID)
	buf.Name = name
	buf.Index = domain.IntPtr(outIdx)

	if name != "" && d.state.Emitted.Add("tool-name:"+callID) {
		b.Add(domain.NewToolCallDelta(callID, name, "", buf.Index))
	}
	if d.state.Emitted.Add("tool-input-start:" + callID) {
		b.Custom(customToolInputStart, map[string]any{"type": "tool-input-start", "id": callID, "toolName": name})
	}
	if args := item.Get("arguments").String(); args != "" && !buf.Done() && buf.Text() == "" {
		buf.Append(args)
		b.Add(domain.NewToolCallDelta(callID, "", args, buf.Index))
		b.Custom(customToolInputDelta, map[string]any{"type": "tool-input-delta", "id": callID, "delta": args})
	}
}

// lookupCall resolves the function call an arguments frame belongs to, by
// item id first and output index second.
func (d *Decoder) lookupCall(ev gjson.Result) (string, callMeta, bool) {
	itemID := ev.Get("item_id").String()
	if meta, ok := d.calls[itemID]; ok {
		return itemID, meta, true
	}
	if idx := ev.Get("output_index"); idx.Exists() {
		if id, ok := d.outputCalls[int(idx.Int())]; ok {
			return id, d.calls[id], true
		}
	}
	d.opts.Logger.Debug("dropping arguments for unregistered call",
		slog.String("item_id", itemID),
		slog.String("error", domain.NewCorrelationMiss(domain.ProtocolResponses, itemID).Error()),
	)
	return "", callMeta{}, false
}

func (d *Decoder) argumentsDelta(b *codec.Batch, ev gjson.Result) {
	delta := ev.Get("delta").String()
	if delta == "" {
		return
	}
	itemID, meta, ok := d.lookupCall(ev)
	if !ok {
		return
	}
	buf := d.args.Ensure(itemID)
	if buf.Done() {
		return
	}
	buf.Append(delta)
	b.Add(domain.NewToolCallDelta(meta.callID, "", delta, buf.Index))
	b.Custom(customToolInputDelta, map[string]any{"type": "tool-input-delta", "id": meta.callID, "delta": delta})
}

// finishArguments flushes the unseen suffix of the final arguments, closes
// the input and emits the parsed call when it changed since the last
// emission. Repeated calls are no-ops.
func (d *Decoder) finishArguments(b *codec.Batch, itemID string, meta callMeta, final string, hasFinal bool) {
	buf := d.args.Ensure(itemID)
	if buf.Done() {
		return
	}
	if hasFinal {
		if suffix := buf.Suffix(final); suffix != "" {
			b.Add(domain.NewToolCallDelta(meta.callID, "", suffix, buf.Index))
			b.Custom(customToolInputDelta, map[string]any{"type": "tool-input-delta", "id": meta.callID, "delta": suffix})
		}
	}
	buf.MarkDone()

	if d.state.Emitted.Add("tool-input-end:" + meta.callID) {
		b.Custom(customToolInputEnd, map[string]any{"type": "tool-input-end", "id": meta.callID})
	}

	input := buf.Text()
	if !json.Valid([]byte(input)) && d.opts.JSONRepair {
		if fixed, err := stream.Repair([]byte(input)); err == nil {
			input = string(fixed)
		}
	}
	if !buf.ChangedSinceEmit(input) {
		return
	}
	buf.MarkEmitted(input)
	b.Custom(customToolCall, map[string]any{
		"type":             "tool-call",
		"toolCallId":       meta.callID,
		"toolName":         meta.name,
		"input":            input,
		"providerMetadata": d.meta(map[string]any{"itemId": itemID}),
	})
}

func (d *Decoder) annotation(b *codec.Batch, a gjson.Result) {
	start := a.Get("start_index")
	switch a.Get("type").String() {
	case "url_citation":
		url := a.Get("url").String()
		if url == "" || !d.state.Sources.Add(stream.URLKey(url)) {
			return
		}
		id := "ann:url:" + url
		if start.Exists() {
			id = "ann:url:" + start.String()
		}
		b.Custom(customSource, map[string]any{
			"type":       "source",
			"sourceType": "url",
			"id":         id,
			"url":        url,
			"title":      nullableString(a.Get("title")),
		})

	case "file_citation", "container_file_citation", "file_path":
		fileID := a.Get("file_id").String()
		quote := a.Get("quote").String()
		if !d.state.Sources.Add(stream.DocumentKey(fileID, quote)) {
			return
		}
		id := "ann:doc:" + fileID
		if start.Exists() {
			id = "ann:doc:" + start.String()
		}
		filename := a.Get("filename").String()
		title := quote
		if title == "" {
			title = filename
		}
		if title == "" {
			title = fileID
		}
		mediaType := "text/plain"
		if a.Get("type").String() == "file_path" {
			mediaType = "application/octet-stream"
		}
		meta := map[string]any{"fileId": fileID}
		if c := a.Get("container_id"); c.Exists() {
			meta["containerId"] = c.String()
		}
		if idx := a.Get("index"); idx.Exists() {
			meta["index"] = idx.Int()
		}
		payload := map[string]any{
			"type":             "source",
			"sourceType":       "document",
			"id":               id,
			"url":              fileID,
			"title":            title,
			"mediaType":        mediaType,
			"providerMetadata": d.meta(meta),
		}
		if filename != "" {
			payload["filename"] = filename
		}
		b.Custom(customSource, payload)
	}
}

func (d *Decoder) terminal(b *codec.Batch, resp gjson.Result) {
	d.extractMCP(b, resp.Get("output"))
	if resp.Get(`output.#(type=="function_call")`).Exists() {
		d.sawFunctionCall = true
	}
	if u := resp.Get("usage"); u.IsObject() {
		usage := usageFrom(u)
		d.lastUsage = &usage
	}
	status := resp.Get("status").String()
	if status == "" {
		status = "completed"
	}
	finish := mapFinish(status, resp, d.sawFunctionCall)

	payload := map[string]any{
		"type": "finish",
		"finishReason": map[string]any{
			"raw":     nullableString(resp.Get("incomplete_details.reason")),
			"unified": finish.Unified(),
		},
		"providerMetadata": d.responseMeta(resp),
		"usage":            finishUsage(d.lastUsage, resp.Get("usage")),
	}
	d.queue(b, payload, d.response(resp, finish))
}

func (d *Decoder) failed(b *codec.Batch, resp gjson.Result) {
	d.extractMCP(b, resp.Get("output"))
	if msg := resp.Get("error.message").String(); msg != "" {
		d.opts.Logger.Debug("response failed", slog.String("message", msg))
	}
	payload := map[string]any{
		"type":             "finish",
		"finishReason":     map[string]any{"raw": nil, "unified": string(domain.FinishOther)},
		"providerMetadata": d.responseMeta(resp),
		"usage":            finishUsage(nil, gjson.Result{}),
	}
	d.queue(b, payload, d.response(resp, domain.Finish(domain.FinishError)))
}

// queue replaces the finalizer queue with the finish custom event and the
// terminal StreamEnd.
func (d *Decoder) queue(b *codec.Batch, finish map[string]any, resp domain.StreamResponse) {
	end := domain.NewStreamEnd(resp)
	custom, err := domain.NewCustom(customFinish, finish)
	if err != nil {
		b.Fail(err)
		d.state.Finalizer.Defer(end)
		return
	}
	d.state.Finalizer.Defer(custom, end)
}

func (d *Decoder) responseMeta(resp gjson.Result) map[string]any {
	id := resp.Get("id").String()
	if id == "" {
		id = d.id
	}
	meta := map[string]any{"responseId": id}
	if tier := resp.Get("service_tier"); tier.Exists() {
		meta["serviceTier"] = tier.String()
	}
	return d.meta(meta)
}

func finishUsage(u *domain.Usage, raw gjson.Result) map[string]any {
	if u == nil {
		return map[string]any{
			"inputTokens":  map[string]any{"total": nil, "noCache": nil, "cacheRead": nil, "cacheWrite": nil},
			"outputTokens": map[string]any{"total": nil, "text": nil, "reasoning": nil},
			"raw":          nil,
		}
	}
	bd := u.Breakdown()
	return map[string]any{
		"inputTokens": map[string]any{
			"total":      bd.InputTotal,
			"noCache":    bd.InputNoCache,
			"cacheRead":  bd.InputCacheRead,
			"cacheWrite": nil,
		},
		"outputTokens": map[string]any{
			"total":     bd.OutputTotal,
			"text":      bd.OutputText,
			"reasoning": bd.OutputReasoning,
		},
		"raw": rawOrNull(raw),
	}
}

func (d *Decoder) response(resp gjson.Result, finish *domain.FinishReason) domain.StreamResponse {
	out := domain.StreamResponse{
		ID:           d.id,
		Model:        d.model,
		Text:         d.text.String(),
		FinishReason: finish,
		Usage:        d.lastUsage,
	}
	if id := resp.Get("id").String(); id != "" {
		out.ID = id
	}
	if model := resp.Get("model").String(); model != "" {
		out.Model = model
	}
	if out.Text == "" {
		out.Text = outputText(resp.Get("output"))
	}
	if out.ID != "" {
		if meta, err := sjson.SetBytes(nil, d.opts.ProviderMetadataKey+".responseId", out.ID); err == nil {
			out.ProviderMetadata = meta
		}
	}
	return out
}

// outputText concatenates the output_text parts of message items.
func outputText(output gjson.Result) string {
	var sb strings.Builder
	output.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "message" {
			return true
		}
		item.Get("content").ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "output_text" {
				sb.WriteString(part.Get("text").String())
			}
			return true
		})
		return true
	})
	return sb.String()
}

func (d *Decoder) streamError(b *codec.Batch, ev gjson.Result) {
	errObj := ev.Get("error")
	if !errObj.Exists() {
		errObj = ev
	}
	msg := errObj.Get("message").String()
	if msg == "" {
		msg = "Unknown error"
	}
	b.Custom(customError, map[string]any{"type": "error", "error": json.RawMessage(errObj.Raw)})
	b.Add(domain.NewError(msg))
}

// generic handles events without a dedicated route: a usage object becomes
// a UsageUpdate and a string delta becomes content.
func (d *Decoder) generic(b *codec.Batch, typ string, ev gjson.Result) {
	usage := ev.Get("usage")
	if !usage.IsObject() {
		usage = ev.Get("response.usage")
	}
	handled := false
	if usage.IsObject() {
		u := usageFrom(usage)
		d.lastUsage = &u
		b.Add(domain.NewUsageUpdate(u))
		handled = true
	}
	if delta := ev.Get("delta"); delta.Type == gjson.String && delta.String() != "" {
		d.text.WriteString(delta.String())
		b.Add(domain.NewContentDelta(delta.String(), nil))
		handled = true
	}
	if !handled {
		d.opts.Logger.Debug("ignoring unknown responses event", slog.String("type", typ))
	}
}

// HandleStreamEnd returns one queued terminal event, or the fallback once
// when the stream closed without a terminal frame.
func (d *Decoder) HandleStreamEnd() *domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "responses.end", func() *domain.Result {
		return codec.PopEnd(&d.state.Finalizer, d.fallback)
	})
}

// HandleStreamEndEvents drains the queued finish and StreamEnd events.
func (d *Decoder) HandleStreamEndEvents() []domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "responses.end", func() []domain.Result {
		return codec.DrainEnd(&d.state.Finalizer, d.fallback)
	})
}

// FinalizeOnDisconnect is true: terminal frames are only released when the
// transport ends.
func (d *Decoder) FinalizeOnDisconnect() bool {
	return true
}

func (d *Decoder) fallback() domain.StreamEvent {
	return stream.UnknownEnd(domain.StreamResponse{
		ID:    d.id,
		Model: d.model,
		Text:  d.text.String(),
		Usage: d.lastUsage,
	})()
}

func (d *Decoder) meta(fields map[string]any) map[string]any {
	return map[string]any{d.opts.ProviderMetadataKey: fields}
}

func rawOrNull(r gjson.Result) json.RawMessage {
	if !r.Exists() || r.Raw == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(r.Raw)
}

func nullableString(r gjson.Result) any {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	return r.String()
}

// jsonFragment escapes s for splicing into an open JSON string.
func jsonFragment(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
