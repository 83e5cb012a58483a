// Package tokens estimates token counts for streams that end without
// reporting usage.
package tokens

import (
	"fmt"
	"math"
	"strings"
)

// Counter counts tokens in generated text for the models it supports.
type Counter interface {
	CountText(model, text string) (int, error)
	SupportsModel(model string) bool
}

// Registry picks a counter by model. It supports:
// 1. Registered counters (like tiktoken for OpenAI models)
// 2. A fallback estimator for unknown models
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with only the fallback estimator.
func NewRegistry() *Registry {
	return &Registry{
		fallback: NewEstimator(),
	}
}

// NewDefaultRegistry creates a registry with the tiktoken counter registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewOpenAICounter())
	return r
}

// Register adds a counter to the registry.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// SetFallback sets the counter used for unsupported models.
func (r *Registry) SetFallback(counter Counter) {
	r.fallback = counter
}

// GetCounter returns the appropriate counter for a model.
func (r *Registry) GetCounter(model string) Counter {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter
		}
	}
	return r.fallback
}

// CountText counts text with the first counter that supports model.
func (r *Registry) CountText(model, text string) (int, error) {
	counter := r.GetCounter(model)
	if counter == nil {
		return 0, fmt.Errorf("no token counter available for model: %s", model)
	}
	return counter.CountText(model, text)
}

// Estimator approximates token counts from character length. It is the
// fallback for models without a local tokenizer.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountText rounds up so any non-empty text counts as at least one token.
func (e *Estimator) CountText(model, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	cpt := e.CharsPerToken
	if cpt <= 0 {
		cpt = 4.0
	}
	return int(math.Ceil(float64(len(text)) / cpt)), nil
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
