package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nghyane/llm-failover/internal/provider"
)

// MockExecutor is a deterministic offline provider. Outputs depend only on
// the request, and failures can be injected per instance.
type MockExecutor struct {
	id    string
	calls atomic.Int64

	mu      sync.RWMutex
	failure *provider.Error
	delay   time.Duration
}

// NewMockExecutor creates a mock provider with the given id.
func NewMockExecutor(id string) *MockExecutor {
	return &MockExecutor{id: id}
}

// Identifier implements provider.Provider.
func (m *MockExecutor) Identifier() string { return m.id }

// FailWith makes every following call fail with an error of the given code.
// An empty code clears the injected failure.
func (m *MockExecutor) FailWith(code provider.Code, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code == "" {
		m.failure = nil
		return
	}
	if message == "" {
		message = "injected " + string(code) + " failure"
	}
	m.failure = provider.Classify(message, code, m.id)
}

// SetDelay makes every following call take at least d, honoring cancellation.
func (m *MockExecutor) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// Calls returns how many calls reached this provider.
func (m *MockExecutor) Calls() int64 { return m.calls.Load() }

func (m *MockExecutor) begin(ctx context.Context) (time.Time, error) {
	m.calls.Add(1)
	start := time.Now()

	m.mu.RLock()
	delay, failure := m.delay, m.failure
	m.mu.RUnlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return start, provider.Classify("mock call timed out", provider.CodeTimeout, m.id)
		case <-timer.C:
		}
	}
	if failure != nil {
		cp := *failure
		return start, &cp
	}
	return start, nil
}

func (m *MockExecutor) meta(start time.Time, usage provider.Usage) provider.Meta {
	return provider.Meta{
		Trace: provider.Trace{Provider: m.id, CorrelationID: uuid.NewString(), Latency: time.Since(start)},
		Usage: usage,
	}
}

// wordUsage counts whitespace separated words, a fixed and predictable rule.
func wordUsage(prompt, completion string) provider.Usage {
	in := int64(len(strings.Fields(prompt)))
	out := int64(len(strings.Fields(completion)))
	return provider.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Text echoes the last user message.
func (m *MockExecutor) Text(ctx context.Context, req provider.TextRequest) (provider.TextResult, error) {
	start, err := m.begin(ctx)
	if err != nil {
		return provider.TextResult{}, err
	}
	var prompt, last strings.Builder
	for _, msg := range req.Messages {
		prompt.WriteString(msg.Content)
		prompt.WriteByte(' ')
		if msg.Role == "user" {
			last.Reset()
			last.WriteString(msg.Content)
		}
	}
	text := "mock reply: " + last.String()
	res := provider.TextResult{Meta: m.meta(start, wordUsage(prompt.String(), text)), Text: text}
	for _, tool := range req.Tools {
		res.ToolCalls = append(res.ToolCalls, provider.ToolCall{ID: "call_" + tool.Name, Name: tool.Name, Arguments: "{}"})
	}
	return res, nil
}

// Image returns a stable URL derived from the prompt.
func (m *MockExecutor) Image(ctx context.Context, req provider.ImageRequest) (provider.ImageResult, error) {
	start, err := m.begin(ctx)
	if err != nil {
		return provider.ImageResult{}, err
	}
	return provider.ImageResult{
		Meta:     m.meta(start, wordUsage(req.Prompt, "")),
		URL:      "mock://image/" + digest([]byte(req.Prompt)) + ".png",
		MimeType: "image/png",
	}, nil
}

// TextToSpeech returns the input text as audio bytes.
func (m *MockExecutor) TextToSpeech(ctx context.Context, req provider.SpeechRequest) (provider.SpeechResult, error) {
	start, err := m.begin(ctx)
	if err != nil {
		return provider.SpeechResult{}, err
	}
	return provider.SpeechResult{
		Meta:     m.meta(start, wordUsage(req.Text, "")),
		Audio:    []byte(req.Text),
		MimeType: "audio/mpeg",
	}, nil
}

// SpeechToText returns a transcript naming the audio digest.
func (m *MockExecutor) SpeechToText(ctx context.Context, req provider.TranscriptionRequest) (provider.TranscriptionResult, error) {
	start, err := m.begin(ctx)
	if err != nil {
		return provider.TranscriptionResult{}, err
	}
	text := "mock transcript " + digest(req.Audio)
	return provider.TranscriptionResult{Meta: m.meta(start, wordUsage("", text)), Text: text}, nil
}

// AgentMockExecutor is a MockExecutor that also accepts agent tasks.
type AgentMockExecutor struct {
	*MockExecutor
}

// NewAgentMockExecutor creates a mock provider with agent support.
func NewAgentMockExecutor(id string) *AgentMockExecutor {
	return &AgentMockExecutor{MockExecutor: NewMockExecutor(id)}
}

// Agent accepts the task and reports it queued under a goal-derived id.
func (m *AgentMockExecutor) Agent(ctx context.Context, req provider.AgentRequest) (provider.AgentResult, error) {
	start, err := m.begin(ctx)
	if err != nil {
		return provider.AgentResult{}, err
	}
	return provider.AgentResult{
		Meta:   m.meta(start, wordUsage(req.Goal, "")),
		TaskID: "mock-" + digest([]byte(req.Goal)),
		Status: provider.TaskQueued,
	}, nil
}
