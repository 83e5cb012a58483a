package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
)

// Store is an in-memory implementation of TranscriptStore
type Store struct {
	mu          sync.RWMutex
	transcripts map[string]*domain.Transcript
	order       []string
}

var _ ports.TranscriptStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		transcripts: make(map[string]*domain.Transcript),
	}
}

func (s *Store) CreateTranscript(ctx context.Context, t *domain.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transcripts[t.ID]; exists {
		return fmt.Errorf("transcript %s already exists", t.ID)
	}

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	stored := *t
	stored.Frames = nil
	stored.Events = nil
	s.transcripts[t.ID] = &stored
	s.order = append(s.order, t.ID)
	return nil
}

func (s *Store) AppendFrame(ctx context.Context, id string, frame domain.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.transcripts[id]
	if !exists {
		return ports.ErrTranscriptNotFound
	}
	t.Frames = append(t.Frames, frame)
	t.UpdatedAt = time.Now()
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, id string, ev domain.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.transcripts[id]
	if !exists {
		return ports.ErrTranscriptNotFound
	}
	t.Observe(ev)
	t.Events = append(t.Events, ev)
	t.UpdatedAt = time.Now()
	return nil
}

// GetTranscript returns a copy that is safe to use while recording continues.
func (s *Store) GetTranscript(ctx context.Context, id string) (*domain.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.transcripts[id]
	if !exists {
		return nil, ports.ErrTranscriptNotFound
	}

	cp := *t
	cp.Frames = slices.Clone(t.Frames)
	cp.Events = slices.Clone(t.Events)
	return &cp, nil
}

func (s *Store) ListTranscripts(ctx context.Context, opts ports.ListOptions) ([]*domain.TranscriptSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.TranscriptSummary, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		result = append(result, s.transcripts[s.order[i]].ToSummary())
	}

	// Simple pagination
	start := opts.Offset
	if start >= len(result) {
		return []*domain.TranscriptSummary{}, nil
	}

	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) Close() error {
	return nil
}
