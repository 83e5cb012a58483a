package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
)

const tracerName = "github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"

// TextCounter counts tokens in generated text. It is used to estimate
// completion usage for streams that never report it.
type TextCounter interface {
	CountText(model, text string) (int, error)
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithDriverLogger sets the logger.
func WithDriverLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithTracer sets the tracer used for the per-stream span.
func WithTracer(tracer trace.Tracer) DriverOption {
	return func(d *Driver) {
		d.tracer = tracer
	}
}

// WithProtocol labels spans and logs with the source protocol name.
func WithProtocol(name string) DriverOption {
	return func(d *Driver) {
		d.protocol = name
	}
}

// WithUsageEstimation estimates completion tokens with counter when a
// stream ends without usage. model is used when the stream names none.
func WithUsageEstimation(counter TextCounter, model string) DriverOption {
	return func(d *Driver) {
		d.counter = counter
		d.model = model
	}
}

// WithFrameHook calls fn with every frame read, before it is decoded.
func WithFrameHook(fn func(domain.Frame)) DriverOption {
	return func(d *Driver) {
		d.onFrame = fn
	}
}

// Driver pumps frames from a body through a decoder.
type Driver struct {
	decoder  ports.Decoder
	logger   *slog.Logger
	tracer   trace.Tracer
	protocol string
	counter  TextCounter
	model    string
	onFrame  func(domain.Frame)
}

// NewDriver returns a driver for decoder.
func NewDriver(decoder ports.Decoder, opts ...DriverOption) *Driver {
	d := &Driver{
		decoder: decoder,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stream runs the driver in a goroutine and returns its results. The
// channel is closed when the stream ends or ctx is cancelled. A read
// failure is delivered as a final Result carrying Err.
func (d *Driver) Stream(ctx context.Context, body io.ReadCloser) <-chan domain.Result {
	out := make(chan domain.Result)
	go func() {
		defer close(out)
		defer body.Close()

		err := d.Run(ctx, body, func(r domain.Result) error {
			select {
			case out <- r:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			select {
			case out <- domain.Fail(err):
			case <-ctx.Done():
			}
		}
	}()
	return out
}

// turn tracks what the consumer has seen in the current turn.
type turn struct {
	model   string
	content strings.Builder
	sawText bool
}

// Run reads body to completion, calling emit for every result in order.
// It returns the first error from emit, a transport error, or ctx.Err().
func (d *Driver) Run(ctx context.Context, body io.Reader, emit func(domain.Result) error) error {
	ctx, span := d.tracer.Start(ctx, "transcoder.decode",
		trace.WithAttributes(attribute.String("transcoder.protocol", d.protocol)))
	defer span.End()

	var frames, events int
	cur := &turn{}

	deliver := func(r domain.Result) error {
		if r.Event == nil {
			if r.Err != nil {
				d.logger.Debug("frame error",
					slog.String("protocol", d.protocol),
					slog.String("error", r.Err.Error()),
				)
			}
			return emit(r)
		}
		ev := *r.Event
		switch ev.Type {
		case domain.EventTypeStreamStart:
			cur = &turn{}
			if ev.Metadata != nil {
				cur.model = ev.Metadata.Model
			}
		case domain.EventTypeContentDelta:
			cur.sawText = true
			cur.content.WriteString(ev.Text)
		case domain.EventTypeStreamEnd:
			if ev.Response != nil && ev.Response.Text != "" && !cur.sawText {
				events++
				if err := emit(domain.Ok(domain.NewContentDelta(ev.Response.Text, nil))); err != nil {
					return err
				}
				cur.sawText = true
				cur.content.WriteString(ev.Response.Text)
			}
			d.estimateUsage(&ev, cur)
		}
		events++
		return emit(domain.Ok(ev))
	}

	deliverAll := func(results []domain.Result) error {
		for _, r := range results {
			if err := deliver(r); err != nil {
				return err
			}
		}
		return nil
	}

	finish := func(err error) error {
		span.SetAttributes(
			attribute.Int("transcoder.frames", frames),
			attribute.Int("transcoder.events", events),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		d.logger.Debug("stream finished",
			slog.String("protocol", d.protocol),
			slog.Int("frames", frames),
			slog.Int("events", events),
		)
		return err
	}

	fr := NewFrameReader(body)
	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		frame, err := fr.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return finish(ctxErr)
			}
			if ferr := d.finalizeOnDisconnect(deliver, deliverAll); ferr != nil {
				return finish(ferr)
			}
			if errors.Is(err, io.EOF) {
				return finish(nil)
			}
			return finish(fmt.Errorf("stream read error: %w", err))
		}
		frames++
		if d.onFrame != nil {
			d.onFrame(frame)
		}

		if frame.IsDone() {
			return finish(deliverAll(d.decoder.HandleStreamEndEvents()))
		}
		if err := deliverAll(d.decoder.ConvertEvent(ctx, frame)); err != nil {
			return finish(err)
		}
	}
}

func (d *Driver) finalizeOnDisconnect(deliver func(domain.Result) error, deliverAll func([]domain.Result) error) error {
	if d.decoder.FinalizeOnDisconnect() {
		return deliverAll(d.decoder.HandleStreamEndEvents())
	}
	if r := d.decoder.HandleStreamEnd(); r != nil {
		return deliver(*r)
	}
	return nil
}

func (d *Driver) estimateUsage(ev *domain.StreamEvent, cur *turn) {
	if d.counter == nil || ev.Response == nil || ev.Response.Usage != nil {
		return
	}
	model := ev.Response.Model
	if model == "" {
		model = cur.model
	}
	if model == "" {
		model = d.model
	}
	n, err := d.counter.CountText(model, cur.content.String())
	if err != nil {
		d.logger.Warn("usage estimation failed",
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
		return
	}
	usage := domain.NewUsage(0, n)
	resp := *ev.Response
	resp.Usage = &usage
	ev.Response = &resp
}
