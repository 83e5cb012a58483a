package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
)

// Decoder converts one vendor's SSE frames into unified stream events.
// Implementations are safe for concurrent use: the goroutine pumping the
// stream and a goroutine calling the finalize hooks may overlap.
type Decoder interface {
	// ConvertEvent decodes one frame. Empty frames and the [DONE]
	// sentinel yield nothing. Per-frame errors are returned as Results
	// carrying Err and never stop later frames.
	ConvertEvent(ctx context.Context, frame domain.Frame) []domain.Result

	// HandleStreamEnd returns a single pending terminal event, if any.
	HandleStreamEnd() *domain.Result

	// HandleStreamEndEvents drains every pending terminal event in order.
	HandleStreamEndEvents() []domain.Result

	// FinalizeOnDisconnect reports whether HandleStreamEndEvents must be
	// called when the transport closes without a clean terminal frame.
	FinalizeOnDisconnect() bool
}

// Encoder converts unified stream events into one vendor's SSE bytes.
type Encoder interface {
	// SerializeEvent returns zero or more complete wire frames.
	SerializeEvent(ev domain.StreamEvent) ([]byte, error)
}
