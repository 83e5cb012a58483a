package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

// Decoder converts Anthropic Messages streaming events into unified events.
type Decoder struct {
	mu   sync.Mutex
	opts codec.Options

	state        *stream.StateStore
	id           string
	model        string
	text         strings.Builder
	blockTypes   map[int]string
	toolIDs      map[int]string
	toolNames    map[string]string
	startUsage   gjson.Result
	lastUsage    *domain.Usage
	stopSequence string
	seenError    bool
}

// NewDecoder returns an Anthropic decoder.
func NewDecoder(opts ...codec.Option) *Decoder {
	d := &Decoder{
		opts:  codec.Apply(ProviderMetadataKey, opts...),
		state: stream.NewStateStore("src_"),
	}
	d.resetTurn()
	return d
}

func (d *Decoder) resetTurn() {
	d.state.ResetTurn()
	d.id = ""
	d.model = ""
	d.text.Reset()
	d.blockTypes = make(map[int]string)
	d.toolIDs = make(map[int]string)
	d.toolNames = make(map[string]string)
	d.startUsage = gjson.Result{}
	d.lastUsage = nil
	d.stopSequence = ""
}

// ConvertEvent decodes one named event.
func (d *Decoder) ConvertEvent(_ context.Context, frame domain.Frame) []domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "anthropic.convert", func() []domain.Result {
		if strings.EqualFold(strings.TrimSpace(frame.Event), "error") {
			d.seenError = true
		}
		if frame.IsEmpty() || frame.IsDone() {
			return nil
		}
		ev, ok, err := d.opts.ParseFrame(domain.ProtocolAnthropic, frame)
		if err != nil {
			return []domain.Result{domain.Fail(err)}
		}
		if !ok {
			return nil
		}
		typ := ev.Get("type").String()
		if typ == "" {
			typ = strings.TrimSpace(frame.Event)
		}
		return d.convert(typ, ev)
	})
}

func (d *Decoder) convert(typ string, ev gjson.Result) []domain.Result {
	var b codec.Batch

	switch typ {
	case "message_start":
		d.messageStart(&b, ev.Get("message"))
	case "content_block_start":
		d.blockStart(&b, int(ev.Get("index").Int()), ev.Get("content_block"))
	case "content_block_delta":
		d.blockDelta(&b, int(ev.Get("index").Int()), ev.Get("delta"))
	case "content_block_stop":
		d.blockStop(&b, int(ev.Get("index").Int()))
	case "message_delta":
		d.messageDelta(&b, ev)
	case "message_stop":
		if d.state.Tracker.NeedsStreamEnd() {
			d.end(&b, domain.Finish(domain.FinishStop))
		}
	case "ping":
	case "error":
		d.seenError = true
		msg := ev.Get("error.message").String()
		if msg == "" {
			msg = fmt.Sprintf("Anthropic streaming error: %s", ev.Raw)
		}
		b.Add(domain.NewError(msg))
	default:
		if errObj := ev.Get("error"); errObj.Exists() {
			d.seenError = true
			msg := errObj.Get("message").String()
			if msg == "" {
				msg = "Unknown error"
			}
			b.Add(domain.NewError("Anthropic API error: " + msg))
			break
		}
		d.opts.Logger.Debug("ignoring unknown anthropic event", slog.String("type", typ))
	}

	return b.Results()
}

func (d *Decoder) messageStart(b *codec.Batch, msg gjson.Result) {
	// A message_start after a finished turn begins a new one.
	if d.state.Tracker.Started() && !d.state.Tracker.NeedsStreamEnd() {
		d.resetTurn()
	}
	if !d.state.Tracker.NeedsStreamStart() {
		return
	}
	d.id = msg.Get("id").String()
	d.model = msg.Get("model").String()
	if d.model == "" {
		d.model = d.opts.Model
	}
	d.startUsage = msg.Get("usage")
	b.Add(domain.NewStreamStart(domain.ResponseMetadata{
		ID:       d.id,
		Model:    d.model,
		Provider: string(domain.ProtocolAnthropic),
	}))
}

func (d *Decoder) blockStart(b *codec.Batch, idx int, block gjson.Result) {
	blockType := block.Get("type").String()
	d.blockTypes[idx] = blockType

	switch {
	case blockType == "text":
		d.textStart(b, idx)
		if text := block.Get("text").String(); text != "" {
			d.text.WriteString(text)
			b.Add(domain.NewContentDelta(text, nil))
		}

	case blockType == "thinking" || blockType == "redacted_thinking":
		var meta map[string]any
		if data := block.Get("data"); blockType == "redacted_thinking" && data.Exists() {
			meta = map[string]any{
				d.opts.ProviderMetadataKey: map[string]any{"redactedData": data.String()},
			}
		}
		d.reasoningStart(b, idx, meta)
		if thinking := block.Get("thinking").String(); thinking != "" {
			b.Add(domain.NewThinkingDelta(thinking))
		}

	case blockType == "tool_use":
		id := block.Get("id").String()
		name := block.Get("name").String()
		d.toolIDs[idx] = id
		d.toolNames[id] = name
		b.Add(domain.NewToolCallDelta(id, name, "", domain.IntPtr(idx)))
		if input := block.Get("input"); input.IsObject() && len(input.Map()) > 0 {
			b.Add(domain.NewToolCallDelta(id, "", input.Raw, domain.IntPtr(idx)))
		}

	case blockType == "server_tool_use" || blockType == "mcp_tool_use":
		id := block.Get("id").String()
		name := block.Get("name").String()
		d.toolIDs[idx] = id
		d.toolNames[id] = name
		payload := map[string]any{
			"type":              "tool-call",
			"toolCallId":        id,
			"toolName":          name,
			"input":             rawOrNull(block.Get("input")),
			"providerExecuted":  true,
			"contentBlockIndex": idx,
		}
		if blockType == "mcp_tool_use" {
			payload["dynamic"] = true
			payload["providerMetadata"] = map[string]any{
				d.opts.ProviderMetadataKey: map[string]any{
					"type":       "mcp-tool-use",
					"serverName": block.Get("server_name").String(),
				},
			}
		}
		b.Custom(customToolCall, payload)

	case strings.HasSuffix(blockType, "_tool_result"):
		d.toolResult(b, idx, blockType, block)

	default:
		d.opts.Logger.Debug("ignoring unknown content block", slog.String("type", blockType), slog.Int("index", idx))
	}
}

// textStart emits the text-start marker for block idx once.
func (d *Decoder) textStart(b *codec.Batch, idx int) {
	if d.state.Emitted.Add("text-start:" + strconv.Itoa(idx)) {
		b.Custom(customTextStart, map[string]any{"type": "text-start", "id": strconv.Itoa(idx)})
	}
}

func (d *Decoder) reasoningStart(b *codec.Batch, idx int, meta map[string]any) {
	if !d.state.Emitted.Add("reasoning-start:" + strconv.Itoa(idx)) {
		return
	}
	payload := map[string]any{"type": "reasoning-start", "id": strconv.Itoa(idx)}
	if meta != nil {
		payload["providerMetadata"] = meta
	}
	b.Custom(customReasoningStart, payload)
}

// blockStop closes a text or reasoning block. Only blocks that were opened
// are closed, and each at most once.
func (d *Decoder) blockStop(b *codec.Batch, idx int) {
	id := strconv.Itoa(idx)
	switch d.blockTypes[idx] {
	case "text":
		if d.state.Emitted.Has("text-start:"+id) && d.state.Emitted.Add("text-end:"+id) {
			b.Custom(customTextEnd, map[string]any{"type": "text-end", "id": id})
		}
	case "thinking", "redacted_thinking":
		if d.state.Emitted.Has("reasoning-start:"+id) && d.state.Emitted.Add("reasoning-end:"+id) {
			b.Custom(customReasoningEnd, map[string]any{"type": "reasoning-end", "id": id})
		}
	}
}

func (d *Decoder) toolResult(b *codec.Batch, idx int, blockType string, block gjson.Result) {
	callID := block.Get("tool_use_id").String()
	content := block.Get("content")

	isError := block.Get("is_error").Bool()
	if content.IsObject() && strings.HasSuffix(content.Get("type").String(), "_error") {
		isError = true
	}

	b.Custom(customToolResult, map[string]any{
		"type":              "tool-result",
		"toolCallId":        callID,
		"toolName":          d.toolResultName(blockType, callID),
		"result":            rawOrNull(content),
		"providerExecuted":  true,
		"isError":           isError,
		"contentBlockIndex": idx,
	})

	if blockType != "web_search_tool_result" || !content.IsArray() {
		return
	}
	content.ForEach(func(pos, item gjson.Result) bool {
		url := item.Get("url").String()
		if url == "" || !d.state.Sources.Add(stream.URLKey(url)) {
			return true
		}
		b.Custom(customSource, map[string]any{
			"type":       "source",
			"sourceType": "url",
			"id":         fmt.Sprintf("%s:%d", callID, pos.Int()),
			"url":        url,
			"title":      item.Get("title").String(),
			"toolCallId": callID,
			"providerMetadata": map[string]any{
				d.opts.ProviderMetadataKey: map[string]any{
					"pageAge":          nullableString(item.Get("page_age")),
					"encryptedContent": nullableString(item.Get("encrypted_content")),
				},
			},
		})
		return true
	})
}

func (d *Decoder) toolResultName(blockType, callID string) string {
	switch blockType {
	case "mcp_tool_result":
		if name, ok := d.toolNames[callID]; ok && name != "" {
			return name
		}
		return "mcp"
	case "tool_search_tool_result":
		return "tool_search"
	case "text_editor_code_execution_tool_result", "bash_code_execution_tool_result":
		return "code_execution"
	}
	return strings.TrimSuffix(blockType, "_tool_result")
}

func (d *Decoder) blockDelta(b *codec.Batch, idx int, delta gjson.Result) {
	blockType := d.blockTypes[idx]

	switch delta.Get("type").String() {
	case "text_delta":
		text := delta.Get("text").String()
		if text == "" {
			return
		}
		// Blocks without content_block_start are opened on their first delta.
		if blockType == "" {
			blockType = "text"
			d.blockTypes[idx] = blockType
		}
		if blockType == "text" {
			d.textStart(b, idx)
		}
		d.text.WriteString(text)
		b.Add(domain.NewContentDelta(text, nil))
		if blockType == "text" {
			b.Custom(customTextDelta, map[string]any{"type": "text-delta", "id": strconv.Itoa(idx), "delta": text})
		}

	case "thinking_delta":
		thinking := delta.Get("thinking").String()
		if thinking == "" {
			return
		}
		if blockType == "" {
			blockType = "thinking"
			d.blockTypes[idx] = blockType
		}
		if blockType == "thinking" {
			d.reasoningStart(b, idx, nil)
		}
		b.Add(domain.NewThinkingDelta(thinking))

	case "signature_delta":
		sig := delta.Get("signature").String()
		if sig == "" || blockType != "thinking" {
			return
		}
		b.Custom(customSignature, map[string]any{
			"type":              "thinking-signature-delta",
			"contentBlockIndex": idx,
			"signatureDelta":    sig,
		})

	case "citations_delta":
		d.citation(b, delta.Get("citation"))

	case "input_json_delta":
		partial := delta.Get("partial_json").String()
		if partial == "" {
			return
		}
		id, ok := d.toolIDs[idx]
		if !ok {
			d.opts.Logger.Debug("dropping tool input for unregistered block",
				slog.Int("index", idx),
				slog.String("error", domain.NewCorrelationMiss(domain.ProtocolAnthropic, strconv.Itoa(idx)).Error()),
			)
			return
		}
		b.Add(domain.NewToolCallDelta(id, "", partial, domain.IntPtr(idx)))

	default:
		if text := delta.Get("text").String(); text != "" {
			d.text.WriteString(text)
			b.Add(domain.NewContentDelta(text, nil))
		}
		if thinking := delta.Get("thinking").String(); thinking != "" {
			b.Add(domain.NewThinkingDelta(thinking))
		}
	}
}

// citation turns a citations_delta into a source event once per location.
func (d *Decoder) citation(b *codec.Batch, c gjson.Result) {
	citedText := c.Get("cited_text").String()

	switch c.Get("type").String() {
	case "web_search_result_location":
		url := c.Get("url").String()
		if url == "" || !d.state.Sources.Add(stream.URLKey(url)) {
			return
		}
		b.Custom(customSource, map[string]any{
			"type":       "source",
			"sourceType": "url",
			"id":         stream.URLKey(url),
			"url":        url,
			"title":      c.Get("title").String(),
			"providerMetadata": map[string]any{
				d.opts.ProviderMetadataKey: map[string]any{"citedText": citedText},
			},
		})

	case "page_location", "char_location":
		docIdx := c.Get("document_index")
		if !docIdx.Exists() {
			return
		}
		var id, mediaType string
		meta := map[string]any{"citedText": citedText}
		if c.Get("type").String() == "page_location" {
			start, end := c.Get("start_page_number").Int(), c.Get("end_page_number").Int()
			id = fmt.Sprintf("doc:%d:page:%d-%d", docIdx.Int(), start, end)
			mediaType = "application/pdf"
			meta["startPageNumber"] = start
			meta["endPageNumber"] = end
		} else {
			start, end := c.Get("start_char_index").Int(), c.Get("end_char_index").Int()
			id = fmt.Sprintf("doc:%d:char:%d-%d", docIdx.Int(), start, end)
			mediaType = "text/plain"
			meta["startCharIndex"] = start
			meta["endCharIndex"] = end
		}
		if !d.state.Sources.Add(stream.DocumentKey(id, citedText)) {
			return
		}
		title := c.Get("document_title").String()
		if title == "" {
			title = fmt.Sprintf("Document %d", docIdx.Int())
		}
		b.Custom(customSource, map[string]any{
			"type":             "source",
			"sourceType":       "document",
			"id":               id,
			"mediaType":        mediaType,
			"title":            title,
			"providerMetadata": map[string]any{d.opts.ProviderMetadataKey: meta},
		})
	}
}

func (d *Decoder) messageDelta(b *codec.Batch, ev gjson.Result) {
	if usage := ev.Get("usage"); usage.IsObject() {
		u := usageFrom(d.startUsage, usage)
		d.lastUsage = &u
		b.Add(domain.NewUsageUpdate(u))
	}
	stop := ev.Get("delta.stop_reason")
	if stop.Type != gjson.String || !d.state.Tracker.NeedsStreamEnd() {
		return
	}
	d.stopSequence = ev.Get("delta.stop_sequence").String()
	d.end(b, mapStopReason(stop.String()))
}

func (d *Decoder) end(b *codec.Batch, finish *domain.FinishReason) {
	d.state.Tracker.MarkStreamEnded()
	d.state.Finalizer.MarkEnded()
	resp := d.response()
	resp.FinishReason = finish
	b.Add(domain.NewStreamEnd(resp))
}

func (d *Decoder) response() domain.StreamResponse {
	resp := domain.StreamResponse{
		ID:    d.id,
		Model: d.model,
		Text:  d.text.String(),
		Usage: d.lastUsage,
	}
	if d.stopSequence != "" {
		if meta, err := sjson.SetBytes(nil, d.opts.ProviderMetadataKey+".stopSequence", d.stopSequence); err == nil {
			resp.ProviderMetadata = meta
		}
	}
	return resp
}

// HandleStreamEnd returns the fallback terminal once when the stream closed
// without message_delta or message_stop. A stream that carried an error
// frame ends with an error finish.
func (d *Decoder) HandleStreamEnd() *domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "anthropic.end", func() *domain.Result {
		return codec.PopEnd(&d.state.Finalizer, d.fallback)
	})
}

// HandleStreamEndEvents is HandleStreamEnd as a slice.
func (d *Decoder) HandleStreamEndEvents() []domain.Result {
	return stream.Guard(&d.mu, d.opts.Logger, "anthropic.end", func() []domain.Result {
		return codec.DrainEnd(&d.state.Finalizer, d.fallback)
	})
}

// FinalizeOnDisconnect is false: message_delta ends the turn inline.
func (d *Decoder) FinalizeOnDisconnect() bool {
	return false
}

func (d *Decoder) fallback() domain.StreamEvent {
	resp := d.response()
	resp.FinishReason = domain.Finish(domain.FinishUnknown)
	if d.seenError {
		resp.FinishReason = domain.Finish(domain.FinishError)
	}
	return domain.NewStreamEnd(resp)
}

// usageFrom combines message_start usage with the message_delta snapshot.
// Prompt tokens include cache reads and writes; CachedTokens is the read
// share.
func usageFrom(start, delta gjson.Result) domain.Usage {
	pick := func(path string) int {
		if v := delta.Get(path); v.Exists() {
			return int(v.Int())
		}
		return int(start.Get(path).Int())
	}
	cacheRead := pick("cache_read_input_tokens")
	prompt := pick("input_tokens") + cacheRead + pick("cache_creation_input_tokens")
	usage := domain.NewUsage(prompt, int(delta.Get("output_tokens").Int()))
	if delta.Get("cache_read_input_tokens").Exists() || start.Get("cache_read_input_tokens").Exists() {
		usage = usage.WithCached(cacheRead)
	}
	return usage
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
