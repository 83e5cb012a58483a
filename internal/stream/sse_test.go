package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
)

func TestReadAll_EventStream(t *testing.T) {
	body := ": keep-alive\n\n" +
		"event: response.created\n" +
		"data: {\"type\":\"response.created\"}\n\n" +
		"data: {\"a\":1}\n\n" +
		"data: [DONE]\n\n"

	frames, err := ReadAll(strings.NewReader(body))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("ReadAll() = %d frames, want 3: %+v", len(frames), frames)
	}
	if frames[0].Event != "response.created" {
		t.Errorf("frames[0].Event = %q, want response.created", frames[0].Event)
	}
	if frames[1].Data != `{"a":1}` {
		t.Errorf("frames[1].Data = %q", frames[1].Data)
	}
	if !frames[2].IsDone() {
		t.Errorf("frames[2] = %+v, want [DONE]", frames[2])
	}
}

func TestReadAll_PlainJSON(t *testing.T) {
	frames, err := ReadAll(strings.NewReader("  {\"candidates\":[]}\n"))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("ReadAll() = %d frames, want 1", len(frames))
	}
	if frames[0].Data != `{"candidates":[]}` {
		t.Errorf("Data = %q", frames[0].Data)
	}
}

func TestFormatFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame domain.Frame
		want  string
	}{
		{"data only", domain.Frame{Data: `{"a":1}`}, "data: {\"a\":1}\n\n"},
		{"named", domain.Frame{Event: "ping", Data: "{}"}, "event: ping\ndata: {}\n\n"},
		{"multi-line", domain.Frame{Data: "a\nb"}, "data: a\ndata: b\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(FormatFrame(tt.frame)); got != tt.want {
				t.Errorf("FormatFrame() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventFrame_RoundTrip(t *testing.T) {
	out, err := EventFrame("message_stop", map[string]string{"type": "message_stop"})
	if err != nil {
		t.Fatalf("EventFrame() error = %v", err)
	}
	out = append(out, DoneFrame()...)

	frames, err := ReadAll(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("ReadAll() = %d frames, want 2", len(frames))
	}
	if frames[0].Event != "message_stop" || frames[0].Data != `{"type":"message_stop"}` {
		t.Errorf("frames[0] = %+v", frames[0])
	}

	if _, err := DataFrame(map[string]any{"bad": make(chan int)}); !domain.IsKind(err, domain.ErrorKindEncode) {
		t.Errorf("DataFrame(unmarshalable) error = %v, want encode error", err)
	}
}
