// Package codec holds the protocol registry and the options shared by
// every decoder and encoder.
//
// # Adding a New Protocol
//
// Each protocol package exposes an idempotent Register function:
//
//	func Register() {
//	    if codec.IsRegistered(domain.ProtocolGemini) {
//	        return
//	    }
//	    codec.RegisterFactory(codec.Factory{
//	        Protocol:    domain.ProtocolGemini,
//	        Description: "Gemini streamGenerateContent SSE",
//	        NewDecoder:  func(opts ...codec.Option) ports.Decoder { return NewDecoder(opts...) },
//	        NewEncoder:  func(opts ...codec.Option) ports.Encoder { return NewEncoder(opts...) },
//	    })
//	}
//
// registration.RegisterBuiltins calls every built-in Register function.
package codec

import "log/slog"

// Options configures a decoder or encoder.
type Options struct {
	// Logger receives debug output for dropped frames and recovered panics.
	Logger *slog.Logger

	// JSONRepair makes decoders repair malformed JSON instead of
	// reporting a decode error per frame.
	JSONRepair bool

	// Model is reported in StreamStart when the wire never names one.
	Model string

	// ProviderMetadataKey namespaces providerMetadata in custom events.
	// Defaults to the protocol's vendor name.
	ProviderMetadataKey string
}

// Option mutates Options.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithJSONRepair toggles tolerant JSON parsing.
func WithJSONRepair(enabled bool) Option {
	return func(o *Options) {
		o.JSONRepair = enabled
	}
}

// WithModel sets the fallback model name.
func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}

// WithProviderMetadataKey overrides the providerMetadata namespace.
func WithProviderMetadataKey(key string) Option {
	return func(o *Options) {
		o.ProviderMetadataKey = key
	}
}

// Apply builds Options from opts. defaultKey is used when no
// ProviderMetadataKey was given.
func Apply(defaultKey string, opts ...Option) Options {
	o := Options{Logger: slog.Default(), ProviderMetadataKey: defaultKey}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ProviderMetadataKey == "" {
		o.ProviderMetadataKey = defaultKey
	}
	return o
}
