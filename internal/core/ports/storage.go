package ports

import (
	"context"
	"errors"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
)

// ErrTranscriptNotFound is returned for unknown transcript ids.
var ErrTranscriptNotFound = errors.New("transcript not found")

// TranscriptStore persists recorded streams for replay.
type TranscriptStore interface {
	// CreateTranscript creates a new, empty transcript
	CreateTranscript(ctx context.Context, t *domain.Transcript) error

	// AppendFrame records a raw frame received on the transcript's protocol
	AppendFrame(ctx context.Context, id string, frame domain.Frame) error

	// AppendEvent records a decoded unified event and updates the summary fields
	AppendEvent(ctx context.Context, id string, ev domain.StreamEvent) error

	// GetTranscript retrieves a transcript with its frames and events
	GetTranscript(ctx context.Context, id string) (*domain.Transcript, error)

	// ListTranscripts lists transcript summaries, newest first
	ListTranscripts(ctx context.Context, opts ListOptions) ([]*domain.TranscriptSummary, error)

	// Close closes the storage connection
	Close() error
}

// ListOptions contains pagination options
type ListOptions struct {
	Limit  int
	Offset int
}
