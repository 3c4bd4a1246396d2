package executor

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/tasks"
	"github.com/nghyane/llm-failover/internal/util"
	"github.com/tidwall/gjson"
)

// TaskConfig configures an adapter backed by an asynchronous task queue.
type TaskConfig struct {
	ID           string
	Model        string
	Client       *tasks.Client
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// TaskExecutor submits each call as a queue task and waits for the reconciled
// outcome. Agent calls are submitted without waiting.
type TaskExecutor struct {
	cfg TaskConfig
}

// NewTaskExecutor creates a queue-backed adapter.
func NewTaskExecutor(cfg TaskConfig) *TaskExecutor {
	return &TaskExecutor{cfg: cfg}
}

// Identifier implements provider.Provider.
func (e *TaskExecutor) Identifier() string { return e.cfg.ID }

// WaitBound implements provider.WaitBounder. A per-call timeout on the request
// replaces it for that call.
func (e *TaskExecutor) WaitBound() time.Duration { return e.cfg.WaitTimeout }

// Client exposes the task client, shared with webhook and lookup handlers.
func (e *TaskExecutor) Client() *tasks.Client { return e.cfg.Client }

func (e *TaskExecutor) run(ctx context.Context, modality provider.Modality, timeout time.Duration, payload any) (tasks.Task, time.Duration, error) {
	start := time.Now()
	handle, err := e.cfg.Client.PostTask(ctx, modality, payload)
	if err != nil {
		return tasks.Task{}, 0, err
	}
	if timeout <= 0 {
		timeout = e.cfg.WaitTimeout
	}
	t, err := e.cfg.Client.WaitForResult(ctx, handle.ID, timeout, e.cfg.PollInterval)
	if err != nil {
		return tasks.Task{}, 0, err
	}
	return t, time.Since(start), nil
}

func (e *TaskExecutor) meta(t tasks.Task, latency time.Duration, estimate provider.Usage) provider.Meta {
	usage := estimate
	if t.Usage != nil {
		usage = *t.Usage
	}
	correlation := t.ID
	if correlation == "" {
		correlation = uuid.NewString()
	}
	return provider.Meta{
		Trace: provider.Trace{Provider: e.cfg.ID, CorrelationID: correlation, Latency: latency},
		Usage: usage,
	}
}

// Text implements provider.Provider.
func (e *TaskExecutor) Text(ctx context.Context, req provider.TextRequest) (provider.TextResult, error) {
	model := req.Model
	if model == "" {
		model = e.cfg.Model
	}
	t, latency, err := e.run(ctx, provider.ModalityText, req.Timeout, map[string]any{
		"model":       model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
		"tools":       req.Tools,
	})
	if err != nil {
		return provider.TextResult{}, err
	}
	root := gjson.ParseBytes(t.Result)
	res := provider.TextResult{Text: root.Get("text").String()}
	if !root.IsObject() && root.Type == gjson.String {
		res.Text = root.String()
	}
	root.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		res.ToolCalls = append(res.ToolCalls, provider.ToolCall{
			ID:        call.Get("id").String(),
			Name:      call.Get("name").String(),
			Arguments: call.Get("arguments").String(),
		})
		return true
	})
	res.Meta = e.meta(t, latency, util.EstimateUsage(model, req.Messages, res.Text))
	return res, nil
}

// Image implements provider.Provider.
func (e *TaskExecutor) Image(ctx context.Context, req provider.ImageRequest) (provider.ImageResult, error) {
	t, latency, err := e.run(ctx, provider.ModalityImage, req.Timeout, map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
		"size":   req.Size,
	})
	if err != nil {
		return provider.ImageResult{}, err
	}
	root := gjson.ParseBytes(t.Result)
	res := provider.ImageResult{URL: root.Get("url").String(), MimeType: root.Get("mime_type").String()}
	if b64 := root.Get("b64_json").String(); b64 != "" {
		data, errDecode := base64.StdEncoding.DecodeString(b64)
		if errDecode != nil {
			return provider.ImageResult{}, provider.Classify("malformed image payload: "+errDecode.Error(), provider.CodeUnknown, e.cfg.ID)
		}
		res.Data = data
	}
	if res.URL == "" && res.Data == nil {
		return provider.ImageResult{}, provider.Classify("task result contained no image", provider.CodeUnknown, e.cfg.ID)
	}
	res.Meta = e.meta(t, latency, util.EstimateTextUsage(e.cfg.Model, req.Prompt, ""))
	return res, nil
}

// TextToSpeech implements provider.Provider.
func (e *TaskExecutor) TextToSpeech(ctx context.Context, req provider.SpeechRequest) (provider.SpeechResult, error) {
	t, latency, err := e.run(ctx, provider.ModalityTTS, req.Timeout, map[string]any{
		"model":  req.Model,
		"text":   req.Text,
		"voice":  req.Voice,
		"format": req.Format,
	})
	if err != nil {
		return provider.SpeechResult{}, err
	}
	root := gjson.ParseBytes(t.Result)
	audio, errDecode := base64.StdEncoding.DecodeString(root.Get("audio").String())
	if errDecode != nil || len(audio) == 0 {
		return provider.SpeechResult{}, provider.Classify("task result contained no audio", provider.CodeUnknown, e.cfg.ID)
	}
	return provider.SpeechResult{
		Meta:     e.meta(t, latency, util.EstimateTextUsage(e.cfg.Model, req.Text, "")),
		Audio:    audio,
		MimeType: root.Get("mime_type").String(),
	}, nil
}

// SpeechToText implements provider.Provider.
func (e *TaskExecutor) SpeechToText(ctx context.Context, req provider.TranscriptionRequest) (provider.TranscriptionResult, error) {
	if len(req.Audio) == 0 {
		return provider.TranscriptionResult{}, provider.Classify("audio is required", provider.CodeValidation, e.cfg.ID)
	}
	t, latency, err := e.run(ctx, provider.ModalitySTT, req.Timeout, map[string]any{
		"model":    req.Model,
		"audio":    base64.StdEncoding.EncodeToString(req.Audio),
		"filename": req.Filename,
		"language": req.Language,
	})
	if err != nil {
		return provider.TranscriptionResult{}, err
	}
	text := gjson.GetBytes(t.Result, "text").String()
	return provider.TranscriptionResult{
		Meta: e.meta(t, latency, util.EstimateTextUsage(e.cfg.Model, "", text)),
		Text: text,
	}, nil
}

// Agent submits the task and returns its handle without waiting for completion.
// The result always reports queued; later states arrive by poll or webhook.
func (e *TaskExecutor) Agent(ctx context.Context, req provider.AgentRequest) (provider.AgentResult, error) {
	start := time.Now()
	handle, err := e.cfg.Client.PostTask(ctx, provider.ModalityAgent, map[string]any{
		"goal":  req.Goal,
		"input": req.Input,
		"tools": req.Tools,
	})
	if err != nil {
		return provider.AgentResult{}, err
	}
	return provider.AgentResult{
		Meta: provider.Meta{
			Trace: provider.Trace{Provider: e.cfg.ID, CorrelationID: handle.ID, Latency: time.Since(start)},
			Usage: util.EstimateTextUsage(e.cfg.Model, req.Goal, ""),
		},
		TaskID: handle.ID,
		Status: provider.TaskQueued,
	}, nil
}
