package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// OpenAICounter counts tokens for OpenAI models using tiktoken encodings.
type OpenAICounter struct {
	matcher *ModelMatcher

	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewOpenAICounter creates a new OpenAI token counter.
func NewOpenAICounter() *OpenAICounter {
	return &OpenAICounter{
		matcher: NewModelMatcher(
			// "o" prefixes cover the o-series reasoning models
			[]string{"gpt-", "chatgpt-", "o1", "o3", "o4", "text-embedding", "text-davinci"},
			[]string{"davinci", "curie", "babbage", "ada"},
		),
		codecs: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// SupportsModel returns true for OpenAI models.
func (c *OpenAICounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

// CountText counts tokens for a plain text string.
func (c *OpenAICounter) CountText(model, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	codec, err := c.codec(encodingFor(model))
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (c *OpenAICounter) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.RLock()
	cached, ok := c.codecs[enc]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.mu.Lock()
	c.codecs[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// encodingFor maps a model name to its tiktoken encoding.
//
//   - O200kBase: gpt-4o, gpt-4.1, gpt-5, o-series and unknown models
//   - Cl100kBase: gpt-4, gpt-3.5-turbo, text-embedding
//   - P50kBase: text-davinci
//   - R50kBase: davinci, curie, babbage, ada
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "chatgpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "text-davinci"):
		return tokenizer.P50kBase
	case model == "davinci", model == "curie", model == "babbage", model == "ada":
		return tokenizer.R50kBase
	default:
		return tokenizer.O200kBase
	}
}
