// Package server exposes the transcoder over HTTP: SSE bodies posted in one
// protocol are streamed back in another.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/config"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

type Server struct {
	Router *chi.Mux
	Port   int

	logger  *slog.Logger
	store   ports.TranscriptStore
	opts    config.TranscoderConfig
	counter stream.TextCounter
	http    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithTextCounter enables usage estimation for streams that end without
// usage. It only takes effect when transcoder.estimate_usage is set.
func WithTextCounter(counter stream.TextCounter) Option {
	return func(s *Server) {
		s.counter = counter
	}
}

// New builds the router. store may be nil, which disables recording and
// the transcript routes.
func New(cfg *config.Config, logger *slog.Logger, store ports.TranscriptStore, opts ...Option) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(cfg.Server.TimeoutDuration()))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "transcoder")
	})

	s := &Server{
		Router: r,
		Port:   cfg.Server.Port,
		logger: logger,
		store:  store,
		opts:   cfg.Transcoder,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/protocols", s.handleProtocols)
	r.Post("/v1/transcode/{from}/{to}", s.handleTranscode)
	r.Get("/v1/transcripts", s.handleListTranscripts)
	r.Get("/v1/transcripts/{id}", s.handleGetTranscript)
	r.Get("/v1/transcripts/{id}/replay/{to}", s.handleReplay)

	return s
}

// codecOptions converts the transcoder config into codec options.
func (s *Server) codecOptions() []codec.Option {
	opts := []codec.Option{
		codec.WithLogger(s.logger),
		codec.WithJSONRepair(s.opts.JSONRepair),
	}
	if s.opts.DefaultModel != "" {
		opts = append(opts, codec.WithModel(s.opts.DefaultModel))
	}
	if s.opts.ProviderMetadataKey != "" {
		opts = append(opts, codec.WithProviderMetadataKey(s.opts.ProviderMetadataKey))
	}
	return opts
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight streams.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
