// Package tokencount estimates token usage for streams whose backend never
// reported usage metadata. The numbers are estimates, not billing truth.
package tokencount

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	once  sync.Once
	codec tokenizer.Codec
)

func load() {
	c, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return
	}
	codec = c
}

// Estimate returns the approximate token count of text. Falls back to a
// bytes/4 heuristic if the tokenizer vocabulary cannot be loaded.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	once.Do(load)
	if codec != nil {
		if n, err := codec.Count(text); err == nil {
			return n
		}
	}
	return (len(text) + 3) / 4
}
