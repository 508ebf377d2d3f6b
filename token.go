package atoll

import (
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures text for prompt budget arithmetic.
type TokenCounter interface {
	Count(text string) int
}

// NewTokenCounter returns a counter backed by the named tiktoken encoding
// (e.g. "cl100k_base"). When the encoding is unknown or its vocabulary
// cannot be loaded, the character estimator is returned instead so prompt
// assembly never fails for lack of a tokenizer.
func NewTokenCounter(encoding string) TokenCounter {
	if encoding == "" {
		return Estimator{}
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return Estimator{}
	}
	return &bpeCounter{enc: enc}
}

type bpeCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *bpeCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Estimator approximates token counts as max(1, len(text)/4). It is the
// fallback when no tokenizer is available and the reference point for the
// head/tail character arithmetic in the assembler.
type Estimator struct{}

func (Estimator) Count(text string) int {
	return max(1, len(text)/4)
}
