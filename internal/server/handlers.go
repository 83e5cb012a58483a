package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

// TranscriptIDHeader names the transcript recorded for a transcode request.
const TranscriptIDHeader = "X-Transcript-ID"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Type: typ, Message: message}})
}

// writeError maps err to a JSON error using the StreamError status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)
	if errors.Is(err, ports.ErrTranscriptNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	se := domain.ToStreamError(err)
	writeJSONError(w, se.HTTPStatusCode(), string(se.Kind), se.Message)
}

// writeVendorError writes err in the error shape of protocol p.
func writeVendorError(w http.ResponseWriter, r *http.Request, err error, p domain.Protocol) {
	AddError(r.Context(), err)
	codec.WriteError(w, err, p)
}

// sseWriter writes encoded frames, sending headers on the first write so
// that failures before any output can still be reported as JSON.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	frames  int
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: f}
}

func (sw *sseWriter) write(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if !sw.started {
		h := sw.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		sw.w.WriteHeader(http.StatusOK)
		sw.started = true
	}
	if _, err := sw.w.Write(b); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	sw.frames++
	return nil
}

// recorder appends a stream to a transcript. Storage failures are logged
// once and never interrupt the stream.
type recorder struct {
	ctx    context.Context
	store  ports.TranscriptStore
	id     string
	logger *slog.Logger
	failed bool
}

func (rc *recorder) frame(f domain.Frame) {
	if rc.failed {
		return
	}
	if err := rc.store.AppendFrame(rc.ctx, rc.id, f); err != nil {
		rc.fail(err)
	}
}

func (rc *recorder) event(ev domain.StreamEvent) {
	if rc == nil || rc.failed {
		return
	}
	if err := rc.store.AppendEvent(rc.ctx, rc.id, ev); err != nil {
		rc.fail(err)
	}
}

func (rc *recorder) fail(err error) {
	rc.failed = true
	rc.logger.Warn("transcript recording failed",
		slog.String("transcript_id", rc.id),
		slog.String("error", err.Error()),
	)
}

func (s *Server) startRecording(r *http.Request, protocol domain.Protocol) (*recorder, error) {
	if v := r.URL.Query().Get("record"); v == "" || v == "0" || v == "false" {
		return nil, nil
	}
	if s.store == nil {
		return nil, domain.NewUnsupportedError("transcript recording is disabled")
	}

	t := &domain.Transcript{
		ID:       uuid.New().String(),
		Protocol: protocol,
		Metadata: map[string]string{"request_id": GetRequestID(r.Context())},
	}
	// Recording outlives a client disconnect so partial streams are kept.
	ctx := context.WithoutCancel(r.Context())
	if err := s.store.CreateTranscript(ctx, t); err != nil {
		return nil, err
	}
	AddLogField(r.Context(), "transcript_id", t.ID)
	return &recorder{ctx: ctx, store: s.store, id: t.ID, logger: s.logger}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProtocols(w http.ResponseWriter, r *http.Request) {
	type protocolInfo struct {
		Protocol    string `json:"protocol"`
		Description string `json:"description"`
	}
	var data []protocolInfo
	for _, f := range codec.ListFactories() {
		data = append(data, protocolInfo{Protocol: string(f.Protocol), Description: f.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// handleTranscode decodes the request body in {from} and streams it back
// encoded in {to}.
func (s *Server) handleTranscode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	to, err := codec.Lookup(chi.URLParam(r, "to"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Once the target is known, errors take its vendor shape.
	from, err := codec.Lookup(chi.URLParam(r, "from"))
	if err != nil {
		writeVendorError(w, r, err, to.Protocol)
		return
	}
	AddLogField(ctx, "from", string(from.Protocol))
	AddLogField(ctx, "to", string(to.Protocol))

	rec, err := s.startRecording(r, from.Protocol)
	if err != nil {
		writeVendorError(w, r, err, to.Protocol)
		return
	}

	driverOpts := []stream.DriverOption{
		stream.WithDriverLogger(s.logger),
		stream.WithProtocol(string(from.Protocol)),
	}
	if rec != nil {
		w.Header().Set(TranscriptIDHeader, rec.id)
		driverOpts = append(driverOpts, stream.WithFrameHook(rec.frame))
	}
	if s.opts.EstimateUsage && s.counter != nil {
		driverOpts = append(driverOpts, stream.WithUsageEstimation(s.counter, s.opts.DefaultModel))
	}

	dec := from.NewDecoder(s.codecOptions()...)
	enc := to.NewEncoder(s.codecOptions()...)
	out := newSSEWriter(w)

	err = stream.NewDriver(dec, driverOpts...).Run(ctx, r.Body, func(res domain.Result) error {
		if res.Err != nil {
			s.logger.Warn("frame dropped",
				slog.String("request_id", GetRequestID(ctx)),
				slog.String("error", res.Err.Error()),
			)
			return nil
		}
		rec.event(*res.Event)
		return s.encode(ctx, enc, *res.Event, out)
	})
	s.finish(w, r, out, to.Protocol, err)
}

// encode writes the frames for ev. Encode failures drop the event.
func (s *Server) encode(ctx context.Context, enc ports.Encoder, ev domain.StreamEvent, out *sseWriter) error {
	b, err := enc.SerializeEvent(ev)
	if err != nil {
		s.logger.Warn("event dropped",
			slog.String("request_id", GetRequestID(ctx)),
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return out.write(b)
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request, out *sseWriter, p domain.Protocol, err error) {
	AddLogField(r.Context(), "frames_out", strconv.Itoa(out.frames))
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		AddError(r.Context(), err)
		return
	}
	if !out.started {
		writeVendorError(w, r, err, p)
		return
	}
	AddError(r.Context(), err)
}

func (s *Server) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if s.store == nil {
		writeError(w, r, domain.NewUnsupportedError("transcript storage is disabled"))
		return false
	}
	return true
}

func (s *Server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}

	var opts ports.ListOptions
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid "+name+": "+v)
			return
		}
		*dst = n
	}

	list, err := s.store.ListTranscripts(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": list})
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	t, err := s.store.GetTranscript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleReplay re-encodes a stored transcript into {to}. With
// ?source=frames the recorded frames are decoded again instead of
// replaying the stored events.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	ctx := r.Context()

	t, err := s.store.GetTranscript(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, err := codec.Lookup(chi.URLParam(r, "to"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(ctx, "transcript_id", t.ID)
	AddLogField(ctx, "to", string(to.Protocol))

	enc := to.NewEncoder(s.codecOptions()...)
	out := newSSEWriter(w)

	if r.URL.Query().Get("source") != "frames" {
		for _, ev := range t.Events {
			if err := ctx.Err(); err != nil {
				s.finish(w, r, out, to.Protocol, err)
				return
			}
			if err := s.encode(ctx, enc, ev, out); err != nil {
				s.finish(w, r, out, to.Protocol, err)
				return
			}
		}
		s.finish(w, r, out, to.Protocol, nil)
		return
	}

	from, err := codec.Lookup(string(t.Protocol))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body bytes.Buffer
	for _, f := range t.Frames {
		body.Write(stream.FormatFrame(f))
	}
	driver := stream.NewDriver(from.NewDecoder(s.codecOptions()...),
		stream.WithDriverLogger(s.logger),
		stream.WithProtocol(string(from.Protocol)),
	)
	err = driver.Run(ctx, &body, func(res domain.Result) error {
		if res.Err != nil {
			return nil
		}
		return s.encode(ctx, enc, *res.Event, out)
	})
	s.finish(w, r, out, to.Protocol, err)
}
