package testutil

import (
	"context"
	"strings"
	"testing"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

// Frames builds unnamed frames from data payloads.
func Frames(data ...string) []domain.Frame {
	frames := make([]domain.Frame, 0, len(data))
	for _, d := range data {
		frames = append(frames, domain.Frame{Data: d})
	}
	return frames
}

// Named builds a frame with an event name.
func Named(event, data string) domain.Frame {
	return domain.Frame{Event: event, Data: data}
}

// SSE renders frames as an SSE body.
func SSE(frames ...domain.Frame) string {
	var b strings.Builder
	for _, f := range frames {
		b.Write(stream.FormatFrame(f))
	}
	return b.String()
}

// Collect returns the events in results, failing the test on any error.
func Collect(t *testing.T, results []domain.Result) []domain.StreamEvent {
	t.Helper()

	events := make([]domain.StreamEvent, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected result error: %v", r.Err)
		}
		if r.Event != nil {
			events = append(events, *r.Event)
		}
	}
	return events
}

// Decode feeds frames through dec and drains its pending terminal events.
func Decode(t *testing.T, dec ports.Decoder, frames []domain.Frame) []domain.StreamEvent {
	t.Helper()

	var results []domain.Result
	for _, f := range frames {
		results = append(results, dec.ConvertEvent(context.Background(), f)...)
	}
	results = append(results, dec.HandleStreamEndEvents()...)
	return Collect(t, results)
}

// Types lists the event types in order.
func Types(events []domain.StreamEvent) []domain.StreamEventType {
	types := make([]domain.StreamEventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}
