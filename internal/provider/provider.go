package provider

import (
	"context"
	"strings"
	"time"
)

// Modality names the kind of work a call performs.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityTTS   Modality = "tts"
	ModalitySTT   Modality = "stt"
	ModalityAgent Modality = "agent"
)

// Modalities lists every supported modality in a stable order.
var Modalities = []Modality{ModalityText, ModalityImage, ModalityTTS, ModalitySTT, ModalityAgent}

// ParseModality normalizes s into a known modality.
func ParseModality(s string) (Modality, bool) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modalities {
		if m == known {
			return m, true
		}
	}
	return "", false
}

// Provider is the capability set every backend exposes. Implementations must
// populate Trace.Latency by timing the underlying work, and return
// ErrUnsupported for operations they cannot serve.
type Provider interface {
	// Identifier returns the registry key of this provider.
	Identifier() string
	Text(ctx context.Context, req TextRequest) (TextResult, error)
	Image(ctx context.Context, req ImageRequest) (ImageResult, error)
	TextToSpeech(ctx context.Context, req SpeechRequest) (SpeechResult, error)
	SpeechToText(ctx context.Context, req TranscriptionRequest) (TranscriptionResult, error)
}

// AgentProvider is implemented by backends that accept long-running agent tasks.
type AgentProvider interface {
	Provider
	Agent(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// WaitBounder is implemented by backends that enforce their own bound on how
// long a call may wait, such as queue-backed adapters. The router does not
// wrap their attempts in its request timeout.
type WaitBounder interface {
	WaitBound() time.Duration
}

// SupportsAgent reports whether p accepts agent tasks.
func SupportsAgent(p Provider) bool {
	_, ok := p.(AgentProvider)
	return ok
}
