// Package stream provides the building blocks shared by every protocol
// codec: SSE framing, per-turn lifecycle state, deferred finalization,
// id allocation, source dedup and tolerant JSON parsing, plus the Driver
// that pumps an HTTP body through a decoder.
package stream

import "fmt"

// EmittedSet records keys that have already produced an event.
type EmittedSet struct {
	keys map[string]struct{}
}

// Add records key and reports whether it was not present before.
func (s *EmittedSet) Add(key string) bool {
	if s.keys == nil {
		s.keys = make(map[string]struct{})
	}
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// Has reports whether key was recorded.
func (s *EmittedSet) Has(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// Len returns the number of recorded keys.
func (s *EmittedSet) Len() int {
	return len(s.keys)
}

// Reset forgets all keys.
func (s *EmittedSet) Reset() {
	clear(s.keys)
}

// Counter is a monotonic integer sequence.
type Counter struct {
	next int
}

// NewCounter returns a counter whose first value is start.
func NewCounter(start int) *Counter {
	return &Counter{next: start}
}

// Next returns the current value and advances the counter.
func (c *Counter) Next() int {
	n := c.next
	c.next++
	return n
}

// Peek returns the value Next would return.
func (c *Counter) Peek() int {
	return c.next
}

// Allocator hands out string ids of the form <prefix><n>.
type Allocator struct {
	prefix  string
	counter Counter
}

// NewAllocator returns an allocator whose first id is prefix+start.
func NewAllocator(prefix string, start int) *Allocator {
	return &Allocator{prefix: prefix, counter: Counter{next: start}}
}

// Next returns a fresh id.
func (a *Allocator) Next() string {
	return fmt.Sprintf("%s%d", a.prefix, a.counter.Next())
}

// Tracker follows the per-turn lifecycle NotStarted -> Started -> Finalized.
type Tracker struct {
	started bool
	ended   bool
}

// NeedsStreamStart reports true exactly once per turn and marks the turn
// started.
func (t *Tracker) NeedsStreamStart() bool {
	if t.started {
		return false
	}
	t.started = true
	return true
}

// Started reports whether StreamStart has been emitted in this turn.
func (t *Tracker) Started() bool {
	return t.started
}

// MarkStreamEnded records that the terminal event was delivered.
func (t *Tracker) MarkStreamEnded() {
	t.ended = true
}

// NeedsStreamEnd reports whether the terminal event is still owed.
func (t *Tracker) NeedsStreamEnd() bool {
	return !t.ended
}

// Reset starts a new turn.
func (t *Tracker) Reset() {
	t.started = false
	t.ended = false
}

// StateStore bundles the per-converter tables shared by all decoders.
// Source dedup survives turn resets; everything else is per turn.
type StateStore struct {
	Emitted   EmittedSet
	Sources   *SourceDedup
	Finalizer Finalizer
	Tracker   Tracker
}

// NewStateStore returns a store whose source ids use sourcePrefix.
func NewStateStore(sourcePrefix string) *StateStore {
	return &StateStore{Sources: NewSourceDedup(sourcePrefix)}
}

// ResetTurn clears per-turn state and any pending terminal events.
func (s *StateStore) ResetTurn() {
	s.Emitted.Reset()
	s.Tracker.Reset()
	s.Finalizer.Reset()
}
