package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/llm-failover/internal/json"
	log "github.com/nghyane/llm-failover/internal/logging"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/usage"
)

// UserIDHeader identifies the caller when the body carries no user_id.
const UserIDHeader = "X-User-ID"

const maxAudioUpload = 25 << 20

// timeoutField is accepted next to every request body.
type timeoutField struct {
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

func (t timeoutField) duration() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

type textBody struct {
	provider.TextRequest
	timeoutField
}

type imageBody struct {
	provider.ImageRequest
	timeoutField
}

type speechBody struct {
	provider.SpeechRequest
	timeoutField
}

type transcriptionBody struct {
	provider.TranscriptionRequest
	timeoutField
}

type agentBody struct {
	provider.AgentRequest
	timeoutField
}

// handleCall gates a router call behind the rate limiter and records the
// call against the caller's window once it succeeds.
func handleCall[Req any, Res provider.Result](
	s *Server,
	modality provider.Modality,
	decode func(*gin.Context) (Req, string, error),
	call func(context.Context, Req) (Res, error),
) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, userID, err := decode(c)
		if err != nil {
			writeError(c, provider.Classify(err.Error(), provider.CodeValidation, ""))
			return
		}

		decision := s.limiter.CheckRateLimit(userID, modality)
		if !decision.Allowed {
			setRateHeaders(c, decision)
			if !decision.ResetAt.IsZero() {
				retry := max(int(time.Until(decision.ResetAt).Seconds()+0.999), 1)
				c.Header("Retry-After", strconv.Itoa(retry))
			}
			log.WithFields(log.Fields{
				"user_id":  userID,
				"modality": modality,
			}).Info("rate limit exhausted")
			writeError(c, provider.Classify(fmt.Sprintf("rate limit exceeded for %s", modality), provider.CodeQuota, ""))
			return
		}

		res, err := call(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}

		meta := res.Metadata()
		s.limiter.RecordUsage(usage.Event{
			UserID:   userID,
			Modality: modality,
			Provider: meta.Trace.Provider,
			Usage:    meta.Usage,
		})
		setRateHeaders(c, s.limiter.CheckRateLimit(userID, modality))
		c.JSON(http.StatusOK, res)
	}
}

func setRateHeaders(c *gin.Context, d usage.Decision) {
	if d.Remaining < 0 {
		return
	}
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

func writeError(c *gin.Context, err error) {
	var perr *provider.Error
	if !errors.As(err, &perr) || perr == nil {
		perr = provider.Classify(err.Error(), provider.CodeUnknown, "")
	}
	c.AbortWithStatusJSON(perr.HTTPStatusCode(), gin.H{"error": perr})
}

func decodeBody(c *gin.Context, dst any) error {
	body, err := c.GetRawData()
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errors.New("request body is empty")
	}
	if err = json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func callerID(c *gin.Context, fromBody string) string {
	if id := strings.TrimSpace(fromBody); id != "" {
		return id
	}
	return strings.TrimSpace(c.GetHeader(UserIDHeader))
}

func decodeText(c *gin.Context) (provider.TextRequest, string, error) {
	var body textBody
	if err := decodeBody(c, &body); err != nil {
		return provider.TextRequest{}, "", err
	}
	req := body.TextRequest
	if len(req.Messages) == 0 {
		return req, "", errors.New("messages must not be empty")
	}
	req.UserID = callerID(c, req.UserID)
	req.Timeout = body.duration()
	return req, req.UserID, nil
}

func decodeImage(c *gin.Context) (provider.ImageRequest, string, error) {
	var body imageBody
	if err := decodeBody(c, &body); err != nil {
		return provider.ImageRequest{}, "", err
	}
	req := body.ImageRequest
	if strings.TrimSpace(req.Prompt) == "" {
		return req, "", errors.New("prompt must not be empty")
	}
	req.UserID = callerID(c, req.UserID)
	req.Timeout = body.duration()
	return req, req.UserID, nil
}

func decodeSpeech(c *gin.Context) (provider.SpeechRequest, string, error) {
	var body speechBody
	if err := decodeBody(c, &body); err != nil {
		return provider.SpeechRequest{}, "", err
	}
	req := body.SpeechRequest
	if strings.TrimSpace(req.Text) == "" {
		return req, "", errors.New("text must not be empty")
	}
	req.UserID = callerID(c, req.UserID)
	req.Timeout = body.duration()
	return req, req.UserID, nil
}

// decodeTranscription accepts either JSON with base64 audio or a multipart
// form carrying the recording in the "file" field.
func decodeTranscription(c *gin.Context) (provider.TranscriptionRequest, string, error) {
	var req provider.TranscriptionRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			return req, "", fmt.Errorf("missing audio file: %w", err)
		}
		f, err := fh.Open()
		if err != nil {
			return req, "", fmt.Errorf("open audio file: %w", err)
		}
		defer f.Close()
		audio, err := io.ReadAll(io.LimitReader(f, maxAudioUpload+1))
		if err != nil {
			return req, "", fmt.Errorf("read audio file: %w", err)
		}
		if len(audio) > maxAudioUpload {
			return req, "", errors.New("audio file is too large")
		}
		req.Audio = audio
		req.Filename = fh.Filename
		req.UserID = c.PostForm("user_id")
		req.Model = c.PostForm("model")
		req.Language = c.PostForm("language")
		if ms, errMs := strconv.ParseInt(c.PostForm("timeout_ms"), 10, 64); errMs == nil {
			req.Timeout = time.Duration(ms) * time.Millisecond
		}
	} else {
		var body transcriptionBody
		if err := decodeBody(c, &body); err != nil {
			return req, "", err
		}
		req = body.TranscriptionRequest
		req.Timeout = body.duration()
	}
	if len(req.Audio) == 0 {
		return req, "", errors.New("audio must not be empty")
	}
	req.UserID = callerID(c, req.UserID)
	return req, req.UserID, nil
}

func decodeAgent(c *gin.Context) (provider.AgentRequest, string, error) {
	var body agentBody
	if err := decodeBody(c, &body); err != nil {
		return provider.AgentRequest{}, "", err
	}
	req := body.AgentRequest
	if strings.TrimSpace(req.Goal) == "" {
		return req, "", errors.New("goal must not be empty")
	}
	req.UserID = callerID(c, req.UserID)
	req.Timeout = body.duration()
	return req, req.UserID, nil
}
