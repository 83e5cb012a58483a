package testutil

import (
	"strings"
	"testing"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

func TestSSE(t *testing.T) {
	body := SSE(append(Frames(`{"a":1}`), Named("ping", `{}`))...)

	want := "data: {\"a\":1}\n\nevent: ping\ndata: {}\n\n"
	if body != want {
		t.Errorf("SSE() = %q, want %q", body, want)
	}

	frames, err := stream.ReadAll(strings.NewReader(body))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("ReadAll() frames = %d, want 2", len(frames))
	}
	if frames[1].Event != "ping" || frames[1].Data != "{}" {
		t.Errorf("frames[1] = %+v, want ping {}", frames[1])
	}
}
