package chunking

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer splits text into tokens and joins a token slice back into text.
type Tokenizer interface {
	Name() string
	Tokenize(text string) []string
	Join(tokens []string) string
}

// Whitespace tokenizes on runs of Unicode whitespace.
type Whitespace struct{}

func (Whitespace) Name() string                  { return "whitespace" }
func (Whitespace) Tokenize(text string) []string { return strings.Fields(text) }
func (Whitespace) Join(tokens []string) string   { return strings.Join(tokens, " ") }

// TikToken tokenizes with a BPE encoding. Each token is kept as its decoded
// text so Join reproduces the original byte sequence of the window.
type TikToken struct {
	enc *tiktoken.Tiktoken
}

// DefaultEncoding is the BPE encoding used when none is given.
const DefaultEncoding = "cl100k_base"

// NewTikToken loads the named encoding.
func NewTikToken(encoding string) (*TikToken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading encoding %q: %w", encoding, err)
	}
	return &TikToken{enc: enc}, nil
}

func (t *TikToken) Name() string { return "tiktoken" }

func (t *TikToken) Tokenize(text string) []string {
	ids := t.enc.Encode(text, nil, nil)
	tokens := make([]string, len(ids))
	for i, id := range ids {
		tokens[i] = t.enc.Decode([]int{id})
	}
	return tokens
}

func (t *TikToken) Join(tokens []string) string {
	return strings.TrimSpace(strings.Join(tokens, ""))
}

// NewTokenizer returns the tokenizer registered under name.
func NewTokenizer(name string) (Tokenizer, error) {
	switch name {
	case "", "whitespace":
		return Whitespace{}, nil
	case "tiktoken":
		return NewTikToken(DefaultEncoding)
	default:
		return nil, fmt.Errorf("%w: unknown tokenizer %q", ErrInvalidConfig, name)
	}
}
