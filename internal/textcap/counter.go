// Package textcap segments the input event stream into committed text
// segments using a multi-signal context-switch detector.
package textcap

import (
	"fmt"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Counter measures accumulated text against the token limit.
type Counter interface {
	Count(text string) int
}

// runeCounter counts one unit per rune. This is the default: the limit
// closes the segment on the keystroke that reaches it.
type runeCounter struct{}

func (runeCounter) Count(text string) int {
	return utf8.RuneCountInString(text)
}

// tiktokenCounter counts BPE tokens (cl100k), for limits aligned with model
// context windows.
type tiktokenCounter struct {
	codec tokenizer.Codec
}

func (c tiktokenCounter) Count(text string) int {
	n, err := c.codec.Count(text)
	if err != nil {
		// Tokenizer failure degrades to rune counting rather than losing
		// the limit entirely.
		return utf8.RuneCountInString(text)
	}
	return n
}

// NewCounter builds a counter by name: "runes" (default) or "tiktoken".
func NewCounter(kind string) (Counter, error) {
	switch kind {
	case "", "runes":
		return runeCounter{}, nil
	case "tiktoken":
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, fmt.Errorf("init tiktoken counter: %w", err)
		}
		return tiktokenCounter{codec: codec}, nil
	default:
		return nil, fmt.Errorf("unknown token counter %q", kind)
	}
}
