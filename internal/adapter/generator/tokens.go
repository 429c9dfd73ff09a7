package generator

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens estimates how many tokens the generation prompt will spend
// on text. It uses the cl100k_base encoder when available and falls back to
// the usual bytes/4 heuristic when the encoder cannot be initialized (for
// example, offline with no cached BPE ranks). An estimate, not a meter: it
// exists so the preflight can warn before a request that will blow the
// generator's context window.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return approxTokens(text)
}

// approxTokens is the encoder-free fallback.
func approxTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
