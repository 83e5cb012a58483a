package stream

import (
	"encoding/json"
	"reflect"
	"strings"
)

// ArgBuffer accumulates the streamed argument text of one tool call.
type ArgBuffer struct {
	CallID string
	Name   string
	Index  *int

	text        strings.Builder
	lastEmitted string
	done        bool
}

// Append adds a fragment and returns the accumulated text.
func (b *ArgBuffer) Append(delta string) string {
	b.text.WriteString(delta)
	return b.text.String()
}

// Text returns the accumulated arguments.
func (b *ArgBuffer) Text() string {
	return b.text.String()
}

// Done reports whether the call was finalized.
func (b *ArgBuffer) Done() bool {
	return b.done
}

// MarkDone finalizes the call.
func (b *ArgBuffer) MarkDone() {
	b.done = true
}

// Suffix returns the part of final that extends the accumulated text. When
// final does not extend it, the whole final string is returned. The buffer
// is updated to final.
func (b *ArgBuffer) Suffix(final string) string {
	acc := b.text.String()
	b.text.Reset()
	b.text.WriteString(final)
	if rest, ok := strings.CutPrefix(final, acc); ok {
		return rest
	}
	return final
}

// ChangedSinceEmit reports whether text parses to a JSON value different
// from the one last recorded with MarkEmitted. Unparseable text never
// counts as changed.
func (b *ArgBuffer) ChangedSinceEmit(text string) bool {
	if !json.Valid([]byte(text)) {
		return false
	}
	return !SameJSON(b.lastEmitted, text)
}

// MarkEmitted records text as the last emitted value.
func (b *ArgBuffer) MarkEmitted(text string) {
	b.lastEmitted = text
}

// ArgTable maps call or item ids to their argument buffers.
type ArgTable struct {
	buffers map[string]*ArgBuffer
	order   []string
}

// Get returns the buffer for id.
func (t *ArgTable) Get(id string) (*ArgBuffer, bool) {
	b, ok := t.buffers[id]
	return b, ok
}

// Ensure returns the buffer for id, creating it when missing.
func (t *ArgTable) Ensure(id string) *ArgBuffer {
	if b, ok := t.buffers[id]; ok {
		return b
	}
	if t.buffers == nil {
		t.buffers = make(map[string]*ArgBuffer)
	}
	b := &ArgBuffer{CallID: id}
	t.buffers[id] = b
	t.order = append(t.order, id)
	return b
}

// Each visits buffers in creation order.
func (t *ArgTable) Each(fn func(id string, b *ArgBuffer)) {
	for _, id := range t.order {
		fn(id, t.buffers[id])
	}
}

// Len returns the number of buffers.
func (t *ArgTable) Len() int {
	return len(t.order)
}

// Reset drops all buffers.
func (t *ArgTable) Reset() {
	clear(t.buffers)
	t.order = t.order[:0]
}

// SameJSON reports whether a and b decode to equal JSON values.
func SameJSON(a, b string) bool {
	if a == b {
		return true
	}
	var va, vb any
	if json.Unmarshal([]byte(a), &va) != nil || json.Unmarshal([]byte(b), &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
