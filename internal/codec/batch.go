package codec

import (
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

// Batch collects the results produced for one frame.
type Batch struct {
	results []domain.Result
}

// Add appends events.
func (b *Batch) Add(events ...domain.StreamEvent) {
	for _, ev := range events {
		b.results = append(b.results, domain.Ok(ev))
	}
}

// Custom appends a custom event built from payload. A payload that cannot
// be marshaled becomes a per-frame error.
func (b *Batch) Custom(eventType string, payload any) {
	ev, err := domain.NewCustom(eventType, payload)
	if err != nil {
		b.results = append(b.results, domain.Fail(err))
		return
	}
	b.results = append(b.results, domain.Ok(ev))
}

// Fail appends a per-frame error.
func (b *Batch) Fail(err error) {
	b.results = append(b.results, domain.Fail(err))
}

// Len returns the number of collected results.
func (b *Batch) Len() int {
	return len(b.results)
}

// Results returns the collected results.
func (b *Batch) Results() []domain.Result {
	return b.results
}

// ParseFrame decodes the JSON payload of f. In strict mode a malformed
// payload yields a decode error. In repair mode an unrecoverable payload
// is logged and reported with ok=false and a nil error.
func (o Options) ParseFrame(p domain.Protocol, f domain.Frame) (res gjson.Result, ok bool, err error) {
	res, perr := stream.ParseJSON(f.Data, o.JSONRepair)
	if perr == nil {
		return res, true, nil
	}
	if o.JSONRepair {
		o.Logger.Debug("dropping unrepairable frame",
			slog.String("protocol", string(p)),
			slog.String("event", f.Event),
			slog.String("error", perr.Error()),
		)
		return gjson.Result{}, false, nil
	}
	return gjson.Result{}, false, domain.NewDecodeError(p, "failed to parse frame", perr)
}

// PopEnd returns one pending terminal event from f as a Result.
func PopEnd(f *stream.Finalizer, fallback func() domain.StreamEvent) *domain.Result {
	ev, ok := f.Pop(fallback)
	if !ok {
		return nil
	}
	r := domain.Ok(ev)
	return &r
}

// DrainEnd returns every pending terminal event from f as Results.
func DrainEnd(f *stream.Finalizer, fallback func() domain.StreamEvent) []domain.Result {
	events := f.Drain(fallback)
	if len(events) == 0 {
		return nil
	}
	out := make([]domain.Result, len(events))
	for i, ev := range events {
		out[i] = domain.Ok(ev)
	}
	return out
}
