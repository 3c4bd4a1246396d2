// Package util holds small helpers shared by the provider adapters.
package util

import (
	"strings"
	"sync"

	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/tiktoken-go/tokenizer"
)

// tokenEstimationThreshold caps the input size handed to the BPE encoder.
// Longer strings fall back to a character ratio.
const tokenEstimationThreshold = 256 * 1024

// messageOverhead approximates the framing tokens added per chat message.
const messageOverhead = 4

var (
	codecCache   = make(map[tokenizer.Encoding]tokenizer.Codec)
	codecCacheMu sync.RWMutex
)

func codecFor(model string) (tokenizer.Codec, error) {
	encoding := encodingForModel(model)

	codecCacheMu.RLock()
	codec, ok := codecCache[encoding]
	codecCacheMu.RUnlock()
	if ok {
		return codec, nil
	}

	codecCacheMu.Lock()
	defer codecCacheMu.Unlock()
	if codec, ok := codecCache[encoding]; ok {
		return codec, nil
	}
	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}
	codecCache[encoding] = codec
	return codec, nil
}

func encodingForModel(model string) tokenizer.Encoding {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gpt-4o"), strings.Contains(lower, "gpt-5"), strings.Contains(lower, "o1"), strings.Contains(lower, "o3"):
		return tokenizer.O200kBase
	case strings.Contains(lower, "gpt-4"), strings.Contains(lower, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.Cl100kBase
	}
}

// CountTokens returns the token count of s for the given model family.
func CountTokens(model, s string) int64 {
	if s == "" {
		return 0
	}
	if len(s) > tokenEstimationThreshold {
		return approximateTokens(s)
	}
	if n, ok := contentTokenCache.Get(model, s); ok {
		return n
	}
	n := countTokens(model, s)
	contentTokenCache.Set(model, s, n)
	return n
}

func countTokens(model, s string) int64 {
	if lower := strings.ToLower(model); isGeminiModel(lower) {
		if n, ok := countGeminiTokens(lower, s); ok {
			return n
		}
	}
	codec, err := codecFor(model)
	if err != nil {
		return approximateTokens(s)
	}
	ids, _, err := codec.Encode(s)
	if err != nil {
		return approximateTokens(s)
	}
	return int64(len(ids))
}

func approximateTokens(s string) int64 {
	return int64(float64(len(s)) / 3.5)
}

// EstimateUsage derives usage counters for providers that do not report them.
func EstimateUsage(model string, messages []provider.Message, completion string) provider.Usage {
	var prompt int64
	for _, m := range messages {
		prompt += messageOverhead + CountTokens(model, m.Role) + CountTokens(model, m.Content)
	}
	if len(messages) > 0 {
		prompt += 3
	}
	out := CountTokens(model, completion)
	return provider.Usage{PromptTokens: prompt, CompletionTokens: out, TotalTokens: prompt + out}
}

// EstimateTextUsage is EstimateUsage for a single prompt string.
func EstimateTextUsage(model, prompt, completion string) provider.Usage {
	in := CountTokens(model, prompt)
	out := CountTokens(model, completion)
	return provider.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}
