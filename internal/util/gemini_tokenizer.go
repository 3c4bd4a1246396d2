package util

import (
	"strings"
	"sync"

	"google.golang.org/genai"
	gtok "google.golang.org/genai/tokenizer"
)

// localTokenizers caches LocalTokenizer instances by normalized model name.
var (
	localTokenizers   = make(map[string]*gtok.LocalTokenizer)
	localTokenizersMu sync.RWMutex
)

func geminiTokenizer(model string) (*gtok.LocalTokenizer, error) {
	base := normalizeGeminiModel(model)

	localTokenizersMu.RLock()
	tok, ok := localTokenizers[base]
	localTokenizersMu.RUnlock()
	if ok {
		return tok, nil
	}

	localTokenizersMu.Lock()
	defer localTokenizersMu.Unlock()
	if tok, ok := localTokenizers[base]; ok {
		return tok, nil
	}
	tok, err := gtok.NewLocalTokenizer(base)
	if err != nil {
		return nil, err
	}
	localTokenizers[base] = tok
	return tok, nil
}

// countGeminiTokens counts s with the native Gemini tokenizer.
func countGeminiTokens(model, s string) (int64, bool) {
	tok, err := geminiTokenizer(model)
	if err != nil {
		return 0, false
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{genai.NewPartFromText(s)}}}
	res, err := tok.CountTokens(contents, nil)
	if err != nil || res == nil {
		return 0, false
	}
	return int64(res.TotalTokens), true
}

func normalizeGeminiModel(model string) string {
	switch {
	case strings.Contains(model, "gemini-2.5-flash-lite"):
		return "gemini-2.5-flash-lite"
	case strings.Contains(model, "gemini-2.5-pro"):
		return "gemini-2.5-pro"
	case strings.Contains(model, "gemini-2.0-flash-lite"):
		return "gemini-2.0-flash-lite"
	case strings.Contains(model, "gemini-2.0"):
		return "gemini-2.0-flash"
	case strings.Contains(model, "gemini-1.5-pro"):
		return "gemini-1.5-pro"
	case strings.Contains(model, "gemini-1.5"):
		return "gemini-1.5-flash"
	default:
		// gemini-3 shares the 2.5 vocabulary
		return "gemini-2.5-flash"
	}
}

// isGeminiModel reports whether model should be counted with the Gemini tokenizer.
func isGeminiModel(model string) bool {
	for _, other := range []string{"claude", "gpt", "qwen", "dall-e", "whisper", "embedding"} {
		if strings.Contains(model, other) {
			return false
		}
	}
	return strings.Contains(model, "gemini")
}
