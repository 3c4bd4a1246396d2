// Package tasks reconciles asynchronous task state arriving from two
// channels, polling and webhook push, into one authoritative store.
package tasks

import (
	"strings"
	"time"

	"github.com/nghyane/llm-failover/internal/json"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/tidwall/gjson"
)

// TaskError carries the failure detail of a failed task.
type TaskError struct {
	Code    provider.Code `json:"code,omitempty"`
	Message string        `json:"message"`
}

// Task is the reconciled state of one remote job. It doubles as the webhook payload.
type Task struct {
	ID        string              `json:"id"`
	Status    provider.TaskStatus `json:"status"`
	Result    json.RawMessage     `json:"result,omitempty"`
	Usage     *provider.Usage     `json:"usage,omitempty"`
	Error     *TaskError          `json:"error,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Handle is returned by task submission.
type Handle struct {
	ID     string              `json:"id"`
	Status provider.TaskStatus `json:"status"`
}

// ParseTask decodes a task document as returned by the queue or pushed by a
// webhook. The error field may be a plain string or an object, and usage
// counters may use snake or camel case.
func ParseTask(body []byte) Task {
	root := gjson.ParseBytes(body)
	t := Task{
		ID:     strings.TrimSpace(root.Get("id").String()),
		Status: provider.TaskStatus(strings.ToLower(strings.TrimSpace(root.Get("status").String()))),
	}
	if res := root.Get("result"); res.Exists() && res.Type != gjson.Null {
		t.Result = json.RawMessage(res.Raw)
	}
	if u := root.Get("usage"); u.IsObject() {
		usage := provider.Usage{
			PromptTokens:     firstInt(u, "prompt_tokens", "promptTokens", "input_tokens"),
			CompletionTokens: firstInt(u, "completion_tokens", "completionTokens", "output_tokens"),
			TotalTokens:      firstInt(u, "total_tokens", "totalTokens"),
		}
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		t.Usage = &usage
	}
	switch e := root.Get("error"); {
	case e.IsObject():
		t.Error = &TaskError{
			Code:    provider.Code(e.Get("code").String()),
			Message: e.Get("message").String(),
		}
	case e.Type == gjson.String && e.String() != "":
		t.Error = &TaskError{Message: e.String()}
	}
	return t
}

func firstInt(r gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// rank orders statuses so stored state never moves backwards.
func rank(s provider.TaskStatus) int {
	switch s {
	case provider.TaskQueued:
		return 1
	case provider.TaskRunning:
		return 2
	case provider.TaskSucceeded, provider.TaskFailed:
		return 3
	default:
		return 0
	}
}

// failure converts a failed task into a non-retryable provider error.
func (t Task) failure(providerID string) *provider.Error {
	code, msg := provider.CodeUnknown, "task failed"
	if t.Error != nil {
		if t.Error.Code != "" {
			code = t.Error.Code
		}
		if t.Error.Message != "" {
			msg = t.Error.Message
		}
	}
	return provider.ClassifyRetryable(msg, code, providerID, false)
}
