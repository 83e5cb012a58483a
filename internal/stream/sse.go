package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/launchdarkly/eventsource"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
)

const sniffLen = 512

// FrameReader reads server-sent events from a body. A body that is a bare
// JSON document instead of an event stream is returned as a single frame.
type FrameReader struct {
	br      *bufio.Reader
	dec     *eventsource.Decoder
	checked bool
	done    bool
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame, or io.EOF when the body is exhausted.
func (fr *FrameReader) Next() (domain.Frame, error) {
	if fr.done {
		return domain.Frame{}, io.EOF
	}
	if !fr.checked {
		fr.checked = true
		if fr.isPlainJSON() {
			fr.done = true
			body, err := io.ReadAll(fr.br)
			if err != nil {
				return domain.Frame{}, fmt.Errorf("failed to read body: %w", err)
			}
			return domain.Frame{Data: string(bytes.TrimSpace(body))}, nil
		}
		fr.dec = eventsource.NewDecoder(fr.br)
	}

	for {
		ev, err := fr.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				fr.done = true
				return domain.Frame{}, io.EOF
			}
			return domain.Frame{}, err
		}
		f := domain.Frame{ID: ev.Id(), Event: ev.Event(), Data: ev.Data()}
		if f.ID == "" && f.Event == "" && f.Data == "" {
			continue
		}
		return f, nil
	}
}

func (fr *FrameReader) isPlainJSON() bool {
	peek, _ := fr.br.Peek(sniffLen)
	trimmed := bytes.TrimLeft(peek, " \t\r\n\ufeff")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// ReadAll collects every frame from r.
func ReadAll(r io.Reader) ([]domain.Frame, error) {
	fr := NewFrameReader(r)
	var frames []domain.Frame
	for {
		f, err := fr.Next()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

// FormatFrame renders f in SSE wire format. Multi-line data is split over
// several data lines.
func FormatFrame(f domain.Frame) []byte {
	var b bytes.Buffer
	if f.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", f.ID)
	}
	if f.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", f.Event)
	}
	for line := range strings.SplitSeq(f.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f domain.Frame) error {
	_, err := w.Write(FormatFrame(f))
	return err
}

// EventFrame marshals payload into a named frame.
func EventFrame(event string, payload any) ([]byte, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return FormatFrame(domain.Frame{Event: event, Data: string(data)}), nil
}

// DataFrame marshals payload into an unnamed frame.
func DataFrame(payload any) ([]byte, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return FormatFrame(domain.Frame{Data: string(data)}), nil
}

// DoneFrame returns the end-of-stream sentinel frame.
func DoneFrame() []byte {
	return []byte("data: " + domain.DoneSentinel + "\n\n")
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.NewEncodeError("", "failed to marshal frame payload", err)
	}
	return data, nil
}
