package domain

import "strings"

// DoneSentinel is the data payload that marks a clean end of stream.
const DoneSentinel = "[DONE]"

// Frame is one server-sent event: an optional event name plus a data payload.
type Frame struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  string `json:"data"`
}

// IsDone reports whether the frame is the end-of-stream sentinel.
func (f Frame) IsDone() bool {
	return strings.TrimSpace(f.Data) == DoneSentinel
}

// IsEmpty reports whether the frame carries no payload.
func (f Frame) IsEmpty() bool {
	return strings.TrimSpace(f.Data) == ""
}
