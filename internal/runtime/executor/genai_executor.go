package executor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nghyane/llm-failover/internal/json"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/util"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GenAIConfig configures the Gemini API adapter.
type GenAIConfig struct {
	ID         string
	APIKey     string
	BaseURL    string
	Model      string
	ImageModel string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// GenAIExecutor serves text and image calls through the Gemini API SDK.
type GenAIExecutor struct {
	cfg    GenAIConfig
	client *genai.Client
}

// NewGenAIExecutor creates the adapter. A missing API key is not an error
// here; every call then fails with an auth error.
func NewGenAIExecutor(ctx context.Context, cfg GenAIConfig) (*GenAIExecutor, error) {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	e := &GenAIExecutor{cfg: cfg}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return e, nil
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	e.client = client
	return e, nil
}

// Identifier implements provider.Provider.
func (e *GenAIExecutor) Identifier() string { return e.cfg.ID }

func (e *GenAIExecutor) ready() error {
	if e.client == nil {
		return provider.Classify("missing credential", provider.CodeAuth, e.cfg.ID)
	}
	return nil
}

// Text implements provider.Provider.
func (e *GenAIExecutor) Text(ctx context.Context, req provider.TextRequest) (provider.TextResult, error) {
	if err := e.ready(); err != nil {
		return provider.TextResult{}, err
	}
	model := req.Model
	if model == "" {
		model = e.cfg.Model
	}

	config := &genai.GenerateContentConfig{}
	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			config.SystemInstruction = genai.NewContentFromText(msg.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: tool.Name, Description: tool.Description}
			if len(tool.Parameters) > 0 {
				decl.ParametersJsonSchema = tool.Parameters
			}
			decls = append(decls, decl)
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	callCtx, cancel := e.callContext(ctx, req.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := e.client.Models.GenerateContent(callCtx, model, contents, config)
	if err != nil {
		return provider.TextResult{}, e.classify(ctx, callCtx, err)
	}

	res := provider.TextResult{Text: resp.Text()}
	for _, call := range resp.FunctionCalls() {
		args, _ := json.Marshal(call.Args)
		res.ToolCalls = append(res.ToolCalls, provider.ToolCall{ID: call.ID, Name: call.Name, Arguments: string(args)})
	}
	usage := util.EstimateUsage(model, req.Messages, res.Text)
	if md := resp.UsageMetadata; md != nil {
		usage = provider.Usage{
			PromptTokens:     int64(md.PromptTokenCount),
			CompletionTokens: int64(md.CandidatesTokenCount),
			TotalTokens:      int64(md.TotalTokenCount),
		}
	}
	res.Meta = e.meta(time.Since(start), usage)
	return res, nil
}

// Image implements provider.Provider.
func (e *GenAIExecutor) Image(ctx context.Context, req provider.ImageRequest) (provider.ImageResult, error) {
	if err := e.ready(); err != nil {
		return provider.ImageResult{}, err
	}
	model := req.Model
	if model == "" {
		model = e.cfg.ImageModel
	}
	if model == "" {
		return provider.ImageResult{}, provider.Classify("no image model configured", provider.CodeValidation, e.cfg.ID)
	}

	callCtx, cancel := e.callContext(ctx, req.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := e.client.Models.GenerateImages(callCtx, model, req.Prompt, &genai.GenerateImagesConfig{NumberOfImages: 1})
	if err != nil {
		return provider.ImageResult{}, e.classify(ctx, callCtx, err)
	}
	if resp == nil || len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return provider.ImageResult{}, provider.Classify("response contained no image", provider.CodeUnknown, e.cfg.ID)
	}
	img := resp.GeneratedImages[0].Image
	return provider.ImageResult{
		Meta:     e.meta(time.Since(start), util.EstimateTextUsage(e.cfg.Model, req.Prompt, "")),
		URL:      img.GCSURI,
		Data:     img.ImageBytes,
		MimeType: img.MIMEType,
	}, nil
}

// TextToSpeech is not offered by this adapter.
func (e *GenAIExecutor) TextToSpeech(context.Context, provider.SpeechRequest) (provider.SpeechResult, error) {
	return provider.SpeechResult{}, provider.ErrUnsupported(e.cfg.ID, "tts")
}

// SpeechToText is not offered by this adapter.
func (e *GenAIExecutor) SpeechToText(context.Context, provider.TranscriptionRequest) (provider.TranscriptionResult, error) {
	return provider.TranscriptionResult{}, provider.ErrUnsupported(e.cfg.ID, "stt")
}

func (e *GenAIExecutor) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *GenAIExecutor) meta(latency time.Duration, usage provider.Usage) provider.Meta {
	return provider.Meta{
		Trace: provider.Trace{Provider: e.cfg.ID, CorrelationID: uuid.NewString(), Latency: latency},
		Usage: usage,
	}
}

func (e *GenAIExecutor) classify(parent, call context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return provider.ClassifyHTTP(apiErr.Code, apiErr.Message, e.cfg.ID)
	}
	switch {
	case errors.Is(call.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return provider.Classify("request timed out", provider.CodeTimeout, e.cfg.ID)
	case parent.Err() != nil:
		return parent.Err()
	default:
		return provider.Classify(err.Error(), provider.CodeUnavailable, e.cfg.ID)
	}
}
