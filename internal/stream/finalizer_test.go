package stream

import (
	"testing"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
)

func TestFinalizer_FallbackOnce(t *testing.T) {
	var f Finalizer
	fallback := UnknownEnd(domain.StreamResponse{Text: "partial"})

	ev, ok := f.Pop(fallback)
	if !ok {
		t.Fatal("Pop() ok = false, want true")
	}
	if ev.Type != domain.EventTypeStreamEnd {
		t.Fatalf("Type = %v, want %v", ev.Type, domain.EventTypeStreamEnd)
	}
	if got := ev.Response.FinishReason.Unified(); got != "unknown" {
		t.Errorf("finish = %q, want unknown", got)
	}
	if ev.Response.Text != "partial" {
		t.Errorf("Text = %q, want partial", ev.Response.Text)
	}

	if _, ok := f.Pop(fallback); ok {
		t.Error("second Pop() ok = true, want false")
	}
	if got := f.Drain(fallback); len(got) != 0 {
		t.Errorf("Drain() after fallback = %d events, want 0", len(got))
	}
}

func TestFinalizer_DeferReplaces(t *testing.T) {
	var f Finalizer
	f.Defer(domain.NewError("first"))
	f.Defer(
		domain.NewUsageUpdate(domain.NewUsage(1, 2)),
		domain.NewStreamEnd(domain.StreamResponse{FinishReason: domain.Finish(domain.FinishStop)}),
	)

	got := f.Drain(UnknownEnd(domain.StreamResponse{}))
	if len(got) != 2 {
		t.Fatalf("Drain() = %d events, want 2", len(got))
	}
	if got[0].Type != domain.EventTypeUsageUpdate || got[1].Type != domain.EventTypeStreamEnd {
		t.Errorf("Drain() types = %v, %v", got[0].Type, got[1].Type)
	}
	if !f.Ended() {
		t.Error("Ended() = false after draining StreamEnd")
	}
	if got := f.Drain(UnknownEnd(domain.StreamResponse{})); len(got) != 0 {
		t.Errorf("second Drain() = %d events, want 0", len(got))
	}
}

func TestFinalizer_Invalidate(t *testing.T) {
	var f Finalizer
	f.Defer(domain.NewStreamEnd(domain.StreamResponse{FinishReason: domain.Finish(domain.FinishStop)}))
	f.Invalidate()

	got := f.Drain(UnknownEnd(domain.StreamResponse{}))
	if len(got) != 1 {
		t.Fatalf("Drain() = %d events, want 1", len(got))
	}
	if got[0].Response.FinishReason.Kind != domain.FinishUnknown {
		t.Errorf("finish = %v, want unknown fallback", got[0].Response.FinishReason.Kind)
	}
}

func TestFinalizer_MarkEndedSuppressesFallback(t *testing.T) {
	var f Finalizer
	f.MarkEnded()
	if _, ok := f.Pop(UnknownEnd(domain.StreamResponse{})); ok {
		t.Error("Pop() after MarkEnded ok = true, want false")
	}

	f.Reset()
	if f.Ended() {
		t.Error("Ended() after Reset = true")
	}
}
