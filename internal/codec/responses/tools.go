package responses

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

// providerTool describes a built-in tool whose call is announced when its
// output item is added.
type providerTool struct {
	name  string
	input string
}

var providerTools = map[string]providerTool{
	"web_search_call":       {name: "web_search", input: "{}"},
	"file_search_call":      {name: "file_search", input: "{}"},
	"computer_call":         {name: "computer_use", input: ""},
	"image_generation_call": {name: "image_generation", input: "{}"},
}

func (d *Decoder) providerItemAdded(b *codec.Batch, typ string, item gjson.Result, outIdx int) {
	id := item.Get("id").String()
	switch typ {
	case "web_search_call":
		d.toolInputStart(b, id, "web_search", true)
		d.toolInputEnd(b, id)
		d.providerCall(b, typ, item, outIdx)
	case "file_search_call", "computer_call", "image_generation_call":
		d.providerCall(b, typ, item, outIdx)
	case "code_interpreter_call":
		d.containers[id] = item.Get("container_id").String()
		d.openCode(b, id)
	case "apply_patch_call":
		d.patchAdded(b, item)
	case "custom_tool_call":
		callID := item.Get("call_id").String()
		if callID == "" {
			callID = id
		}
		meta := callMeta{callID: callID, name: item.Get("name").String()}
		d.customTools[id] = meta
		d.toolInputStart(b, callID, meta.name, false)
	case "local_shell_call", "shell_call":
		callID := item.Get("call_id").String()
		if callID == "" {
			callID = id
		}
		name := "local_shell"
		if typ == "shell_call" {
			name = "shell"
		}
		d.shellCalls[id] = callMeta{callID: callID, name: name}
		d.toolInputStart(b, callID, name, false)
	case "mcp_call":
		d.mcp[id] = mcpMeta{name: item.Get("name").String(), serverLabel: item.Get("server_label").String()}
	case "mcp_approval_request":
		d.mcp[id] = mcpMeta{name: item.Get("name").String(), serverLabel: item.Get("server_label").String()}
		d.approvalCall(b, item, outIdx)
	}
}

func (d *Decoder) providerItemDone(b *codec.Batch, typ string, item gjson.Result, outIdx int) {
	id := item.Get("id").String()
	switch typ {
	case "web_search_call", "file_search_call", "computer_call", "image_generation_call":
		d.providerCall(b, typ, item, outIdx)
		d.providerResult(b, typ, item)
	case "code_interpreter_call":
		if _, ok := d.containers[id]; !ok {
			d.containers[id] = item.Get("container_id").String()
		}
		d.closeCode(b, id)
		input, _ := json.Marshal(map[string]string{
			"code":        item.Get("code").String(),
			"containerId": d.containers[id],
		})
		if d.state.Emitted.Add("tool-call:" + id) {
			b.Custom(customToolCall, map[string]any{
				"type":             "tool-call",
				"toolCallId":       id,
				"toolName":         "code_interpreter",
				"input":            string(input),
				"providerExecuted": true,
				"outputIndex":      outIdx,
				"rawItem":          json.RawMessage(item.Raw),
			})
		}
		d.providerResult(b, typ, item)
	case "apply_patch_call":
		callID := item.Get("call_id").String()
		if _, ok := d.patches[id]; !ok {
			d.patchAdded(b, item)
		}
		d.closePatch(b, id)
		input, _ := json.Marshal(map[string]any{
			"callId":    callID,
			"operation": rawOrNull(item.Get("operation")),
		})
		if d.state.Emitted.Add("tool-call:" + callID) {
			b.Custom(customToolCall, map[string]any{
				"type":             "tool-call",
				"toolCallId":       callID,
				"toolName":         "apply_patch",
				"input":            string(input),
				"providerExecuted": false,
				"providerMetadata": d.meta(map[string]any{"itemId": id}),
			})
		}
	case "local_shell_call", "shell_call":
		meta, ok := d.shellCalls[id]
		if !ok {
			d.providerItemAdded(b, typ, item, outIdx)
			meta = d.shellCalls[id]
		}
		d.toolInputEnd(b, meta.callID)
		if d.state.Emitted.Add("tool-call:" + meta.callID) {
			b.Custom(customToolCall, map[string]any{
				"type":             "tool-call",
				"toolCallId":       meta.callID,
				"toolName":         meta.name,
				"input":            item.Get("action").Raw,
				"providerExecuted": false,
				"providerMetadata": d.meta(map[string]any{"itemId": id}),
			})
		}
	case "custom_tool_call":
		meta, ok := d.customTools[id]
		if !ok {
			d.providerItemAdded(b, typ, item, outIdx)
			meta = d.customTools[id]
		}
		d.toolInputEnd(b, meta.callID)
		if d.state.Emitted.Add("tool-call:" + meta.callID) {
			b.Custom(customToolCall, map[string]any{
				"type":             "tool-call",
				"toolCallId":       meta.callID,
				"toolName":         meta.name,
				"input":            item.Get("input").String(),
				"providerMetadata": d.meta(map[string]any{"itemId": id}),
			})
		}
		if out := item.Get("output"); out.Exists() && d.state.Emitted.Add("tool-result:"+meta.callID) {
			b.Custom(customToolResult, map[string]any{
				"type":       "tool-result",
				"toolCallId": meta.callID,
				"toolName":   meta.name,
				"result":     rawOrNull(out),
			})
		}
	case "mcp_call":
		if _, ok := d.mcp[id]; !ok {
			d.mcp[id] = mcpMeta{name: item.Get("name").String(), serverLabel: item.Get("server_label").String()}
		}
		d.mcpToolCall(b, id, item.Get("arguments").String(), item)
		d.mcpResult(b, item)
	case "mcp_approval_request":
		d.approvalCall(b, item, outIdx)
		d.approvalRequest(b, item, outIdx)
	}
}

func (d *Decoder) toolInputStart(b *codec.Batch, id, name string, providerExecuted bool) {
	if !d.state.Emitted.Add("tool-input-start:" + id) {
		return
	}
	payload := map[string]any{"type": "tool-input-start", "id": id, "toolName": name}
	if providerExecuted {
		payload["providerExecuted"] = true
	}
	b.Custom(customToolInputStart, payload)
}

func (d *Decoder) toolInputDelta(b *codec.Batch, id, delta string) {
	b.Custom(customToolInputDelta, map[string]any{"type": "tool-input-delta", "id": id, "delta": delta})
}

func (d *Decoder) toolInputEnd(b *codec.Batch, id string) {
	if d.state.Emitted.Add("tool-input-end:" + id) {
		b.Custom(customToolInputEnd, map[string]any{"type": "tool-input-end", "id": id})
	}
}

// providerCall announces a built-in tool call once per item.
func (d *Decoder) providerCall(b *codec.Batch, typ string, item gjson.Result, outIdx int) {
	id := item.Get("id").String()
	tool := providerTools[typ]
	if !d.state.Emitted.Add("tool-call:" + id) {
		return
	}
	input := tool.input
	if args := item.Get("arguments"); typ == "web_search_call" && args.Exists() {
		input = args.String()
	}
	b.Custom(customToolCall, map[string]any{
		"type":             "tool-call",
		"toolCallId":       id,
		"toolName":         tool.name,
		"input":            input,
		"providerExecuted": true,
		"outputIndex":      outIdx,
		"rawItem":          json.RawMessage(item.Raw),
	})
}

// providerResult reports the outcome of a built-in tool once per item.
// Web search results also surface as url sources.
func (d *Decoder) providerResult(b *codec.Batch, typ string, item gjson.Result) {
	id := item.Get("id").String()
	if !d.state.Emitted.Add("tool-result:" + id) {
		return
	}
	var name string
	result := map[string]any{}
	switch typ {
	case "web_search_call":
		name = "web_search"
		result["action"] = rawOrNull(item.Get("action"))
		result["status"] = nullableString(item.Get("status"))
		if r := item.Get("results"); r.Exists() {
			result["results"] = json.RawMessage(r.Raw)
		}
	case "file_search_call":
		name = "file_search"
		result["queries"] = rawOrNull(item.Get("queries"))
		result["results"] = rawOrNull(item.Get("results"))
		result["status"] = nullableString(item.Get("status"))
	case "computer_call":
		name = "computer_use"
		result["action"] = rawOrNull(item.Get("action"))
		result["status"] = nullableString(item.Get("status"))
	case "image_generation_call":
		name = "image_generation"
		result["result"] = nullableString(item.Get("result"))
	case "code_interpreter_call":
		name = "code_interpreter"
		result["outputs"] = rawOrNull(item.Get("outputs"))
		result["containerId"] = d.containers[id]
	}
	b.Custom(customToolResult, map[string]any{
		"type":             "tool-result",
		"toolCallId":       id,
		"toolName":         name,
		"result":           result,
		"providerExecuted": true,
		"rawItem":          json.RawMessage(item.Raw),
	})

	if typ != "web_search_call" {
		return
	}
	sources := item.Get("results")
	if !sources.IsArray() {
		sources = item.Get("action.sources")
	}
	for i, src := range sources.Array() {
		url := src.Get("url").String()
		if url == "" || !d.state.Sources.Add(stream.URLKey(url)) {
			continue
		}
		b.Custom(customSource, map[string]any{
			"type":       "source",
			"sourceType": "url",
			"id":         id + ":" + strconv.Itoa(i),
			"url":        url,
			"title":      nullableString(src.Get("title")),
			"toolCallId": id,
		})
	}
}

func (d *Decoder) patchAdded(b *codec.Batch, item gjson.Result) {
	id := item.Get("id").String()
	callID := item.Get("call_id").String()
	if callID == "" {
		callID = id
	}
	d.patches[id] = callID
	d.toolInputStart(b, callID, "apply_patch", false)

	op := item.Get("operation")
	opType := op.Get("type").String()
	prefix := `{"callId":` + quote(callID) + `,"operation":{"type":` + quote(opType) + `,"path":` + quote(op.Get("path").String())
	if opType == "delete_file" {
		d.state.Emitted.Add("patch-closed:" + callID)
		d.toolInputDelta(b, callID, prefix+`}}`)
		d.toolInputEnd(b, callID)
		return
	}
	d.toolInputDelta(b, callID, prefix+`,"diff":"`)
}

func (d *Decoder) patchDelta(b *codec.Batch, itemID, delta string) {
	callID, ok := d.patches[itemID]
	if !ok || delta == "" || d.state.Emitted.Has("patch-closed:"+callID) {
		return
	}
	d.toolInputDelta(b, callID, jsonFragment(delta))
}

func (d *Decoder) closePatch(b *codec.Batch, itemID string) {
	callID, ok := d.patches[itemID]
	if !ok || !d.state.Emitted.Add("patch-closed:"+callID) {
		return
	}
	d.toolInputDelta(b, callID, `"}}`)
	d.toolInputEnd(b, callID)
}

func (d *Decoder) openCode(b *codec.Batch, itemID string) {
	if d.state.Emitted.Has("tool-input-start:" + itemID) {
		return
	}
	d.toolInputStart(b, itemID, "code_interpreter", true)
	d.toolInputDelta(b, itemID, `{"containerId":`+quote(d.containers[itemID])+`,"code":"`)
}

func (d *Decoder) codeDelta(b *codec.Batch, itemID, delta string) {
	if delta == "" || d.state.Emitted.Has("code-closed:"+itemID) {
		return
	}
	d.openCode(b, itemID)
	d.toolInputDelta(b, itemID, jsonFragment(delta))
}

func (d *Decoder) closeCode(b *codec.Batch, itemID string) {
	if !d.state.Emitted.Add("code-closed:" + itemID) {
		return
	}
	d.openCode(b, itemID)
	d.toolInputDelta(b, itemID, `"}`)
	d.toolInputEnd(b, itemID)
}

func (d *Decoder) customInputDelta(b *codec.Batch, itemID, delta string) {
	meta, ok := d.customTools[itemID]
	if !ok || delta == "" {
		return
	}
	d.toolInputDelta(b, meta.callID, delta)
}

func (d *Decoder) customInputEnd(b *codec.Batch, itemID string) {
	if meta, ok := d.customTools[itemID]; ok {
		d.toolInputEnd(b, meta.callID)
	}
}

// mcpToolCall announces an MCP call once per item.
func (d *Decoder) mcpToolCall(b *codec.Batch, itemID, args string, item gjson.Result) {
	if !d.state.Emitted.Add("mcp-call:" + itemID) {
		return
	}
	meta := d.mcp[itemID]
	payload := map[string]any{
		"type":             "tool-call",
		"toolCallId":       itemID,
		"toolName":         "mcp." + meta.name,
		"input":            args,
		"providerExecuted": true,
		"dynamic":          true,
		"providerMetadata": d.meta(map[string]any{"itemId": itemID, "serverLabel": meta.serverLabel}),
	}
	if item.Exists() {
		payload["rawItem"] = json.RawMessage(item.Raw)
	}
	b.Custom(customToolCall, payload)
}

func (d *Decoder) mcpResult(b *codec.Batch, item gjson.Result) {
	id := item.Get("id").String()
	if !d.state.Emitted.Add("mcp-result:" + id) {
		return
	}
	meta := d.mcp[id]
	payload := map[string]any{
		"type":       "tool-result",
		"toolCallId": id,
		"toolName":   "mcp." + meta.name,
		"result": map[string]any{
			"type":        "call",
			"serverLabel": meta.serverLabel,
			"name":        meta.name,
			"arguments":   item.Get("arguments").String(),
			"output":      nullableString(item.Get("output")),
		},
		"providerExecuted": true,
		"dynamic":          true,
		"rawItem":          json.RawMessage(item.Raw),
	}
	if errVal := item.Get("error"); errVal.Exists() && errVal.Type != gjson.Null {
		payload["isError"] = true
	}
	b.Custom(customToolResult, payload)
}

// approvalCall announces the tool call an approval request refers to. Its
// id comes from the connection-wide approval allocator.
func (d *Decoder) approvalCall(b *codec.Batch, item gjson.Result, outIdx int) {
	id := item.Get("id").String()
	if _, ok := d.approvalCalls[id]; ok {
		return
	}
	callID := d.approvals.Next()
	d.approvalCalls[id] = callID
	if _, ok := d.mcp[id]; !ok {
		d.mcp[id] = mcpMeta{name: item.Get("name").String(), serverLabel: item.Get("server_label").String()}
	}
	b.Custom(customToolCall, map[string]any{
		"type":             "tool-call",
		"toolCallId":       callID,
		"toolName":         "mcp." + d.mcp[id].name,
		"input":            item.Get("arguments").String(),
		"providerExecuted": true,
		"dynamic":          true,
		"outputIndex":      outIdx,
		"rawItem":          json.RawMessage(item.Raw),
	})
}

func (d *Decoder) approvalRequest(b *codec.Batch, item gjson.Result, outIdx int) {
	id := item.Get("id").String()
	if !d.state.Emitted.Add("approval:" + id) {
		return
	}
	b.Custom(customApprovalRequest, map[string]any{
		"type":        "tool-approval-request",
		"approvalId":  id,
		"toolCallId":  d.approvalCalls[id],
		"outputIndex": outIdx,
		"rawItem":     json.RawMessage(item.Raw),
	})
}

// extractMCP surfaces MCP items found only in the terminal response output.
func (d *Decoder) extractMCP(b *codec.Batch, output gjson.Result) {
	for i, item := range output.Array() {
		switch item.Get("type").String() {
		case "mcp_call":
			d.providerItemDone(b, "mcp_call", item, i)
		case "mcp_approval_request":
			d.providerItemDone(b, "mcp_approval_request", item, i)
		}
	}
}
