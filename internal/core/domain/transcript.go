package domain

import "time"

// Transcript is a recorded stream: the raw frames received in one protocol
// and the unified events decoded from them. Transcripts can be replayed
// into any protocol's encoder.
type Transcript struct {
	// ID uniquely identifies this transcript
	ID string `json:"id"`

	// Protocol is the wire protocol of the recorded frames
	Protocol Protocol `json:"protocol"`

	// Model is the model reported by the stream, if any
	Model string `json:"model,omitempty"`

	// FinishReason is the unified finish reason of the last turn
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage is the final usage snapshot, if any
	Usage *Usage `json:"usage,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	Frames []Frame       `json:"frames,omitempty"`
	Events []StreamEvent `json:"events,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TranscriptSummary is the list view of a transcript.
type TranscriptSummary struct {
	ID           string    `json:"id"`
	Protocol     Protocol  `json:"protocol"`
	Model        string    `json:"model,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	FrameCount   int       `json:"frame_count"`
	EventCount   int       `json:"event_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToSummary converts a transcript to its list view.
func (t *Transcript) ToSummary() *TranscriptSummary {
	return &TranscriptSummary{
		ID:           t.ID,
		Protocol:     t.Protocol,
		Model:        t.Model,
		FinishReason: t.FinishReason,
		FrameCount:   len(t.Frames),
		EventCount:   len(t.Events),
		CreatedAt:    t.CreatedAt,
	}
}

// Observe updates the transcript's summary fields from a decoded event.
func (t *Transcript) Observe(ev StreamEvent) {
	switch ev.Type {
	case EventTypeStreamStart:
		if ev.Metadata != nil && ev.Metadata.Model != "" {
			t.Model = ev.Metadata.Model
		}
	case EventTypeUsageUpdate:
		t.Usage = ev.Usage
	case EventTypeStreamEnd:
		if ev.Response == nil {
			return
		}
		t.FinishReason = ev.Response.FinishReason.Unified()
		if ev.Response.Usage != nil {
			t.Usage = ev.Response.Usage
		}
		if t.Model == "" {
			t.Model = ev.Response.Model
		}
	}
}
