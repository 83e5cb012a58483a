package registration

import (
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec/anthropic"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec/gemini"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec/openai"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec/responses"
)

// RegisterBuiltins registers the built-in protocol codecs explicitly.
// This replaces init-based side effects and is intended to be called from
// cmd/transcoder, cmd/ssecat and tests before looking up codecs.
func RegisterBuiltins() {
	openai.Register()
	responses.Register()
	anthropic.Register()
	gemini.Register()
}
