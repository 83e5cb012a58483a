package stream

import "github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"

// Finalizer holds terminal events that must not be emitted until the
// transport ends. A later terminal frame replaces the queue, a
// continuation invalidates it, and a fallback is produced at most once
// when nothing was ever queued.
type Finalizer struct {
	pending []domain.StreamEvent
	ended   bool
}

// Defer replaces the pending queue with events.
func (f *Finalizer) Defer(events ...domain.StreamEvent) {
	f.pending = append(f.pending[:0], events...)
}

// Invalidate drops the pending queue without marking the turn ended.
func (f *Finalizer) Invalidate() {
	f.pending = nil
}

// Pending returns the number of queued events.
func (f *Finalizer) Pending() int {
	return len(f.pending)
}

// MarkEnded records that a terminal event reached the consumer by some
// other path.
func (f *Finalizer) MarkEnded() {
	f.ended = true
}

// Ended reports whether a terminal event has been delivered.
func (f *Finalizer) Ended() bool {
	return f.ended
}

// Reset clears the queue and the ended flag for a new turn.
func (f *Finalizer) Reset() {
	f.pending = nil
	f.ended = false
}

// Pop returns the next pending event. With nothing pending and no terminal
// delivered yet, the fallback is built and returned once.
func (f *Finalizer) Pop(fallback func() domain.StreamEvent) (domain.StreamEvent, bool) {
	if len(f.pending) > 0 {
		ev := f.pending[0]
		f.pending = f.pending[1:]
		if ev.Type == domain.EventTypeStreamEnd {
			f.ended = true
		}
		return ev, true
	}
	if f.ended || fallback == nil {
		return domain.StreamEvent{}, false
	}
	f.ended = true
	return fallback(), true
}

// Drain returns every pending event in order, or the fallback once when
// nothing is pending and no terminal was delivered.
func (f *Finalizer) Drain(fallback func() domain.StreamEvent) []domain.StreamEvent {
	if len(f.pending) > 0 {
		out := f.pending
		f.pending = nil
		for _, ev := range out {
			if ev.Type == domain.EventTypeStreamEnd {
				f.ended = true
			}
		}
		return out
	}
	if f.ended || fallback == nil {
		return nil
	}
	f.ended = true
	return []domain.StreamEvent{fallback()}
}

// UnknownEnd is the fallback terminal used when a stream closes without a
// terminal frame.
func UnknownEnd(resp domain.StreamResponse) func() domain.StreamEvent {
	return func() domain.StreamEvent {
		resp.FinishReason = domain.Finish(domain.FinishUnknown)
		return domain.NewStreamEnd(resp)
	}
}
