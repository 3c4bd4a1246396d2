package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nghyane/llm-failover/internal/json"
	log "github.com/nghyane/llm-failover/internal/logging"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/util"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
)

const defaultHTTPTimeout = 60 * time.Second

// HTTPConfig configures an OpenAI-compatible synchronous adapter.
type HTTPConfig struct {
	ID                 string
	BaseURL            string
	Model              string
	ImageModel         string
	SpeechModel        string
	TranscriptionModel string
	Voice              string
	Timeout            time.Duration
	TokenSource        oauth2.TokenSource
	HTTPClient         *http.Client
	Headers            map[string]string
}

// HTTPExecutor serves every modality except agent with one outbound request per call.
type HTTPExecutor struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPExecutor creates an adapter for an OpenAI-compatible endpoint.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = NewHTTPClient("")
	}
	return &HTTPExecutor{cfg: cfg, client: client}
}

// Identifier implements provider.Provider.
func (e *HTTPExecutor) Identifier() string { return e.cfg.ID }

func (e *HTTPExecutor) model(override, fallback string) string {
	if override != "" {
		return override
	}
	if fallback != "" {
		return fallback
	}
	return e.cfg.Model
}

// Text implements provider.Provider.
func (e *HTTPExecutor) Text(ctx context.Context, req provider.TextRequest) (provider.TextResult, error) {
	model := e.model(req.Model, "")
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "model", model)
	payload, _ = sjson.SetRawBytes(payload, "messages", json.MustMarshal(req.Messages))
	if req.Temperature != nil {
		payload, _ = sjson.SetBytes(payload, "temperature", *req.Temperature)
	}
	if req.MaxTokens > 0 {
		payload, _ = sjson.SetBytes(payload, "max_tokens", req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		payload, _ = sjson.SetRawBytes(payload, "tools", json.MustMarshal(openAITools(req.Tools)))
	}

	start := time.Now()
	body, _, err := e.roundTrip(ctx, req.Timeout, "/chat/completions", "application/json", payload)
	if err != nil {
		return provider.TextResult{}, err
	}
	latency := time.Since(start)

	root := gjson.ParseBytes(body)
	res := provider.TextResult{Text: root.Get("choices.0.message.content").String()}
	root.Get("choices.0.message.tool_calls").ForEach(func(_, call gjson.Result) bool {
		res.ToolCalls = append(res.ToolCalls, provider.ToolCall{
			ID:        call.Get("id").String(),
			Name:      call.Get("function.name").String(),
			Arguments: call.Get("function.arguments").String(),
		})
		return true
	})
	usage, ok := parseOpenAIUsage(root)
	if !ok {
		usage = util.EstimateUsage(model, req.Messages, res.Text)
	}
	res.Meta = e.meta(latency, usage)
	return res, nil
}

// Image implements provider.Provider.
func (e *HTTPExecutor) Image(ctx context.Context, req provider.ImageRequest) (provider.ImageResult, error) {
	payload := []byte(`{"n":1}`)
	payload, _ = sjson.SetBytes(payload, "model", e.model(req.Model, e.cfg.ImageModel))
	payload, _ = sjson.SetBytes(payload, "prompt", req.Prompt)
	if req.Size != "" {
		payload, _ = sjson.SetBytes(payload, "size", req.Size)
	}

	start := time.Now()
	body, _, err := e.roundTrip(ctx, req.Timeout, "/images/generations", "application/json", payload)
	if err != nil {
		return provider.ImageResult{}, err
	}
	latency := time.Since(start)

	root := gjson.ParseBytes(body)
	res := provider.ImageResult{URL: root.Get("data.0.url").String()}
	if b64 := root.Get("data.0.b64_json").String(); b64 != "" {
		data, errDecode := base64.StdEncoding.DecodeString(b64)
		if errDecode != nil {
			return provider.ImageResult{}, provider.Classify("malformed image payload: "+errDecode.Error(), provider.CodeUnknown, e.cfg.ID)
		}
		res.Data = data
		res.MimeType = "image/png"
	}
	if res.URL == "" && res.Data == nil {
		return provider.ImageResult{}, provider.Classify("response contained no image", provider.CodeUnknown, e.cfg.ID)
	}
	usage, ok := parseOpenAIUsage(root)
	if !ok {
		usage = util.EstimateTextUsage(e.cfg.Model, req.Prompt, "")
	}
	res.Meta = e.meta(latency, usage)
	return res, nil
}

// TextToSpeech implements provider.Provider.
func (e *HTTPExecutor) TextToSpeech(ctx context.Context, req provider.SpeechRequest) (provider.SpeechResult, error) {
	voice := req.Voice
	if voice == "" {
		voice = e.cfg.Voice
	}
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "model", e.model(req.Model, e.cfg.SpeechModel))
	payload, _ = sjson.SetBytes(payload, "input", req.Text)
	payload, _ = sjson.SetBytes(payload, "voice", voice)
	if req.Format != "" {
		payload, _ = sjson.SetBytes(payload, "response_format", req.Format)
	}

	start := time.Now()
	body, header, err := e.roundTrip(ctx, req.Timeout, "/audio/speech", "application/json", payload)
	if err != nil {
		return provider.SpeechResult{}, err
	}
	if len(body) == 0 {
		return provider.SpeechResult{}, provider.Classify("response contained no audio", provider.CodeUnknown, e.cfg.ID)
	}
	return provider.SpeechResult{
		Meta:     e.meta(time.Since(start), util.EstimateTextUsage(e.cfg.Model, req.Text, "")),
		Audio:    body,
		MimeType: header.Get("Content-Type"),
	}, nil
}

// SpeechToText implements provider.Provider.
func (e *HTTPExecutor) SpeechToText(ctx context.Context, req provider.TranscriptionRequest) (provider.TranscriptionResult, error) {
	if len(req.Audio) == 0 {
		return provider.TranscriptionResult{}, provider.Classify("audio is required", provider.CodeValidation, e.cfg.ID)
	}
	filename := req.Filename
	if filename == "" {
		filename = "audio.wav"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("model", e.model(req.Model, e.cfg.TranscriptionModel))
	if req.Language != "" {
		_ = mw.WriteField("language", req.Language)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err == nil {
		_, err = part.Write(req.Audio)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return provider.TranscriptionResult{}, provider.Classify("encode audio: "+err.Error(), provider.CodeValidation, e.cfg.ID)
	}

	start := time.Now()
	body, _, err := e.roundTrip(ctx, req.Timeout, "/audio/transcriptions", mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return provider.TranscriptionResult{}, err
	}
	latency := time.Since(start)

	root := gjson.ParseBytes(body)
	text := root.Get("text").String()
	usage, ok := parseOpenAIUsage(root)
	if !ok {
		usage = util.EstimateTextUsage(e.cfg.Model, "", text)
	}
	return provider.TranscriptionResult{Meta: e.meta(latency, usage), Text: text}, nil
}

func (e *HTTPExecutor) meta(latency time.Duration, usage provider.Usage) provider.Meta {
	return provider.Meta{
		Trace: provider.Trace{
			Provider:      e.cfg.ID,
			CorrelationID: uuid.NewString(),
			Latency:       latency,
		},
		Usage: usage,
	}
}

// roundTrip sends one request under the call timeout and returns the decoded body.
func (e *HTTPExecutor) roundTrip(ctx context.Context, timeout time.Duration, path, contentType string, payload []byte) ([]byte, http.Header, error) {
	token, err := bearerToken(e.cfg.TokenSource, e.cfg.ID)
	if err != nil {
		return nil, nil, err
	}
	if e.cfg.BaseURL == "" {
		return nil, nil, provider.Classify("missing provider base URL", provider.CodeValidation, e.cfg.ID)
	}
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, provider.Classify("build request: "+err.Error(), provider.CodeValidation, e.cfg.ID)
	}
	applyHeaders(httpReq, token, contentType, e.cfg.Headers)

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, nil, e.transportError(ctx, callCtx, err)
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("http executor: close response body error: %v", errClose)
		}
	}()

	body, err := readBody(httpResp)
	if err != nil {
		return nil, nil, e.transportError(ctx, callCtx, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		log.Debugf("%s: request error, status: %d, body: %s", e.cfg.ID, httpResp.StatusCode, summarizeErrorBody(body))
		return nil, nil, provider.ClassifyHTTP(httpResp.StatusCode, summarizeErrorBody(body), e.cfg.ID)
	}
	return body, httpResp.Header, nil
}

func (e *HTTPExecutor) transportError(parent, call context.Context, err error) error {
	switch {
	case errors.Is(call.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return provider.Classify("request timed out", provider.CodeTimeout, e.cfg.ID)
	case parent.Err() != nil:
		return parent.Err()
	default:
		return provider.Classify(err.Error(), provider.CodeUnavailable, e.cfg.ID)
	}
}

// parseOpenAIUsage reads the usage block of an OpenAI-style response.
func parseOpenAIUsage(root gjson.Result) (provider.Usage, bool) {
	u := root.Get("usage")
	if !u.Exists() {
		return provider.Usage{}, false
	}
	usage := provider.Usage{
		PromptTokens:     u.Get("prompt_tokens").Int(),
		CompletionTokens: u.Get("completion_tokens").Int(),
		TotalTokens:      u.Get("total_tokens").Int(),
	}
	if usage.PromptTokens == 0 {
		usage.PromptTokens = u.Get("input_tokens").Int()
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = u.Get("output_tokens").Int()
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage, true
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

func openAITools(tools []provider.Tool) []openAITool {
	out := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}
