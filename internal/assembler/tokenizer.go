package assembler

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is used for model names tiktoken does not recognize.
// cl100k_base covers the gpt-3.5/gpt-4 family the limit table targets.
const fallbackEncoding = "cl100k_base"

// DefaultModelTokenLimit is the context budget assumed for models missing
// from the limit table.
const DefaultModelTokenLimit = 4096

// modelTokenLimits maps model names to their context window sizes in tokens.
var modelTokenLimits = map[string]int{
	"gpt-3.5-turbo":     4096,
	"gpt-3.5-turbo-16k": 16384,
	"gpt-4":             8192,
	"gpt-4-32k":         32768,
	"gpt-4-turbo":       128000,
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
}

// ModelTokenLimit returns the context budget for the named model, or
// DefaultModelTokenLimit when the model is unknown.
func ModelTokenLimit(model string) int {
	if limit, ok := modelTokenLimits[model]; ok {
		return limit
	}
	return DefaultModelTokenLimit
}

// Tokenizer counts and slices text in model tokens. The production
// implementation wraps tiktoken; tests substitute cheap fakes so they never
// depend on the BPE vocabulary download.
type Tokenizer interface {
	// Encode converts text into token ids.
	Encode(text string) []int

	// Decode converts token ids back into text.
	Decode(tokens []int) string
}

// tiktokenTokenizer adapts a tiktoken encoding to the Tokenizer interface.
type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken returns a Tokenizer backed by the BPE encoding of the named
// model, falling back to cl100k_base for unrecognized names. The first call
// per encoding fetches the vocabulary, so construct once and reuse.
func NewTiktoken(model string) (Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("assembler: load tokenizer for %q: %w", model, err)
		}
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}
