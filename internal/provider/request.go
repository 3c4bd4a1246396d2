package provider

import (
	"time"

	"github.com/nghyane/llm-failover/internal/json"
)

// Message is one role-tagged entry of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// TextRequest asks for a chat completion.
type TextRequest struct {
	UserID      string        `json:"user_id,omitempty"`
	Model       string        `json:"model,omitempty"`
	Messages    []Message     `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []Tool        `json:"tools,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// ImageRequest asks for a generated image.
type ImageRequest struct {
	UserID  string        `json:"user_id,omitempty"`
	Model   string        `json:"model,omitempty"`
	Prompt  string        `json:"prompt"`
	Size    string        `json:"size,omitempty"`
	Timeout time.Duration `json:"-"`
}

// SpeechRequest asks for synthesized speech.
type SpeechRequest struct {
	UserID  string        `json:"user_id,omitempty"`
	Model   string        `json:"model,omitempty"`
	Text    string        `json:"text"`
	Voice   string        `json:"voice,omitempty"`
	Format  string        `json:"format,omitempty"`
	Timeout time.Duration `json:"-"`
}

// TranscriptionRequest asks for a transcript of recorded audio.
type TranscriptionRequest struct {
	UserID   string        `json:"user_id,omitempty"`
	Model    string        `json:"model,omitempty"`
	Audio    []byte        `json:"audio"`
	Filename string        `json:"filename,omitempty"`
	Language string        `json:"language,omitempty"`
	Timeout  time.Duration `json:"-"`
}

// AgentRequest submits a long-running agent task.
type AgentRequest struct {
	UserID  string          `json:"user_id,omitempty"`
	Goal    string          `json:"goal"`
	Input   json.RawMessage `json:"input,omitempty"`
	Tools   []Tool          `json:"tools,omitempty"`
	Timeout time.Duration   `json:"-"`
}

// Trace identifies which provider served a call and how long it took.
type Trace struct {
	Provider      string        `json:"provider"`
	CorrelationID string        `json:"correlation_id"`
	Latency       time.Duration `json:"latency"`
}

// Usage holds token counters reported or estimated for a call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add sums two usage records.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Meta is embedded by every result type.
type Meta struct {
	Trace Trace `json:"trace"`
	Usage Usage `json:"usage"`
}

// Metadata returns the embedded trace and usage.
func (m Meta) Metadata() Meta { return m }

// Result is satisfied by every modality result.
type Result interface {
	Metadata() Meta
}

type TextResult struct {
	Meta
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ImageResult struct {
	Meta
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type SpeechResult struct {
	Meta
	Audio    []byte `json:"audio"`
	MimeType string `json:"mime_type,omitempty"`
}

type TranscriptionResult struct {
	Meta
	Text string `json:"text"`
}

// AgentResult is returned as soon as an agent task is accepted.
type AgentResult struct {
	Meta
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}

// TaskStatus is the lifecycle state of an asynchronous task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskQueued, TaskRunning, TaskSucceeded, TaskFailed:
		return true
	}
	return false
}
