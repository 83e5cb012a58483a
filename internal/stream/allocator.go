package stream

// SlotAllocator assigns non-negative integer slots such as output or
// content block indices. A caller may ask for a preferred slot; it is
// granted only if unused, otherwise the next free slot is returned.
type SlotAllocator struct {
	used map[int]struct{}
	next int
}

// Claim returns a slot, preferring *preferred when it is free.
func (s *SlotAllocator) Claim(preferred *int) int {
	if s.used == nil {
		s.used = make(map[int]struct{})
	}
	if preferred != nil && *preferred >= 0 {
		if _, taken := s.used[*preferred]; !taken {
			idx := *preferred
			s.used[idx] = struct{}{}
			s.next = max(s.next, idx+1)
			return idx
		}
	}
	for {
		idx := s.next
		s.next++
		if _, taken := s.used[idx]; !taken {
			s.used[idx] = struct{}{}
			return idx
		}
	}
}

// Next returns the next free slot.
func (s *SlotAllocator) Next() int {
	return s.Claim(nil)
}

// Used reports whether idx has been handed out.
func (s *SlotAllocator) Used(idx int) bool {
	_, ok := s.used[idx]
	return ok
}

// Reset releases every slot.
func (s *SlotAllocator) Reset() {
	clear(s.used)
	s.next = 0
}
