package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
)

// echoDecoder turns each frame into a ContentDelta and queues an unknown
// terminal for disconnects.
type echoDecoder struct {
	mu         sync.Mutex
	finalizer  Finalizer
	text       strings.Builder
	onDisc     bool
	endOnFrame string
}

func (d *echoDecoder) ConvertEvent(_ context.Context, f domain.Frame) []domain.Result {
	return Guard(&d.mu, nil, "convert", func() []domain.Result {
		if f.IsEmpty() || f.IsDone() {
			return nil
		}
		if f.Data == d.endOnFrame {
			d.finalizer.MarkEnded()
			return []domain.Result{domain.Ok(domain.NewStreamEnd(domain.StreamResponse{
				Text:         "synthetic",
				FinishReason: domain.Finish(domain.FinishStop),
			}))}
		}
		d.text.WriteString(f.Data)
		return []domain.Result{domain.Ok(domain.NewContentDelta(f.Data, nil))}
	})
}

func (d *echoDecoder) HandleStreamEnd() *domain.Result {
	return Guard(&d.mu, nil, "end", func() *domain.Result {
		ev, ok := d.finalizer.Pop(UnknownEnd(domain.StreamResponse{Text: d.text.String()}))
		if !ok {
			return nil
		}
		r := domain.Ok(ev)
		return &r
	})
}

func (d *echoDecoder) HandleStreamEndEvents() []domain.Result {
	return Guard(&d.mu, nil, "end", func() []domain.Result {
		var out []domain.Result
		for _, ev := range d.finalizer.Drain(UnknownEnd(domain.StreamResponse{Text: d.text.String()})) {
			out = append(out, domain.Ok(ev))
		}
		return out
	})
}

func (d *echoDecoder) FinalizeOnDisconnect() bool { return d.onDisc }

type fixedCounter int

func (c fixedCounter) CountText(model, text string) (int, error) {
	if text == "" {
		return 0, errors.New("empty")
	}
	return int(c), nil
}

func collect(t *testing.T, d *Driver, body string) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	err := d.Run(context.Background(), strings.NewReader(body), func(r domain.Result) error {
		if r.Err != nil {
			t.Fatalf("unexpected result error: %v", r.Err)
		}
		events = append(events, *r.Event)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return events
}

func TestDriver_DoneDrainsFinalizer(t *testing.T) {
	d := NewDriver(&echoDecoder{})
	events := collect(t, d, "data: a\n\ndata: b\n\ndata: [DONE]\n\n")

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	last := events[2]
	if last.Type != domain.EventTypeStreamEnd {
		t.Fatalf("last Type = %v, want stream_end", last.Type)
	}
	if last.Response.Text != "ab" {
		t.Errorf("Text = %q, want ab", last.Response.Text)
	}
}

func TestDriver_DisconnectFallback(t *testing.T) {
	tests := []struct {
		name   string
		onDisc bool
	}{
		{"single pop", false},
		{"drain", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := &echoDecoder{onDisc: tt.onDisc}
			events := collect(t, NewDriver(dec), "data: a\n\n")

			if len(events) != 2 {
				t.Fatalf("got %d events, want 2", len(events))
			}
			if got := events[1].Response.FinishReason.Unified(); got != "unknown" {
				t.Errorf("finish = %q, want unknown", got)
			}
			if r := dec.HandleStreamEnd(); r != nil {
				t.Errorf("second HandleStreamEnd() = %+v, want nil", r)
			}
		})
	}
}

func TestDriver_SyntheticContent(t *testing.T) {
	dec := &echoDecoder{endOnFrame: "end"}
	events := collect(t, NewDriver(dec), "data: end\n\n")

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != domain.EventTypeContentDelta || events[0].Text != "synthetic" {
		t.Errorf("events[0] = %+v, want synthetic content delta", events[0])
	}
	if events[1].Type != domain.EventTypeStreamEnd {
		t.Errorf("events[1].Type = %v, want stream_end", events[1].Type)
	}
}

func TestDriver_UsageEstimation(t *testing.T) {
	d := NewDriver(&echoDecoder{}, WithUsageEstimation(fixedCounter(3), "gpt-4o"))
	events := collect(t, d, "data: hello\n\ndata: [DONE]\n\n")

	end := events[len(events)-1]
	if end.Response.Usage == nil {
		t.Fatal("Usage = nil, want estimate")
	}
	if end.Response.Usage.CompletionTokens != 3 {
		t.Errorf("CompletionTokens = %d, want 3", end.Response.Usage.CompletionTokens)
	}
}

func TestDriver_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dec := &echoDecoder{}
	var got int
	err := NewDriver(dec).Run(ctx, strings.NewReader("data: a\n\n"), func(domain.Result) error {
		got++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if got != 0 {
		t.Errorf("emitted %d results, want 0", got)
	}
}

func TestDriver_Stream(t *testing.T) {
	d := NewDriver(&echoDecoder{})
	ch := d.Stream(context.Background(), io.NopCloser(strings.NewReader("data: x\n\ndata: [DONE]\n\n")))

	var types []domain.StreamEventType
	for r := range ch {
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		types = append(types, r.Event.Type)
	}
	want := []domain.StreamEventType{domain.EventTypeContentDelta, domain.EventTypeStreamEnd}
	if len(types) != len(want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %v, want %v", i, types[i], want[i])
		}
	}
}

func TestDriver_FrameHook(t *testing.T) {
	var seen []string
	d := NewDriver(&echoDecoder{}, WithFrameHook(func(f domain.Frame) {
		seen = append(seen, f.Data)
	}))
	collect(t, d, "data: a\n\ndata: b\n\ndata: [DONE]\n\n")

	want := []string{"a", "b", "[DONE]"}
	if len(seen) != len(want) {
		t.Fatalf("frames seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}
