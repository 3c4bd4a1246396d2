package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// newTaskQueue serves a queue that completes every task on the first poll
// with the document produced by complete.
func newTaskQueue(t *testing.T, complete func(kind string, payload gjson.Result) string) *TaskExecutor {
	t.Helper()
	var (
		mu    sync.Mutex
		seq   int
		docs  = map[string]string{}
		kinds = map[string]gjson.Result{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tasks":
			body, _ := io.ReadAll(r.Body)
			seq++
			id := "t" + strings.Repeat("x", seq)
			kinds[id] = gjson.ParseBytes(body)
			_, _ = w.Write([]byte(`{"id":"` + id + `","status":"queued"}`))
		case r.Method == http.MethodGet:
			id := strings.TrimPrefix(r.URL.Path, "/tasks/")
			doc, ok := docs[id]
			if !ok {
				req := kinds[id]
				doc = complete(req.Get("type").String(), req.Get("payload"))
				docs[id] = doc
			}
			_, _ = w.Write([]byte(doc))
		}
	}))
	t.Cleanup(srv.Close)

	client := tasks.NewClient(tasks.Config{ProviderID: "queue", BaseURL: srv.URL, HTTPClient: srv.Client()})
	return NewTaskExecutor(TaskConfig{
		ID:           "queue",
		Client:       client,
		WaitTimeout:  2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
}

func TestTaskExecutor_Text(t *testing.T) {
	exec := newTaskQueue(t, func(kind string, payload gjson.Result) string {
		assert.Equal(t, "text", kind)
		reply := "echo " + payload.Get("messages.0.content").String()
		return `{"status":"succeeded","result":{"text":"` + reply + `"},"usage":{"prompt_tokens":3,"completion_tokens":2}}`
	})
	res, err := exec.Text(context.Background(), provider.TextRequest{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "echo hi", res.Text)
	assert.Equal(t, provider.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, res.Usage)
	assert.Equal(t, "queue", res.Trace.Provider)
	assert.Equal(t, "tx", res.Trace.CorrelationID, "correlation id is the task id")
}

func TestTaskExecutor_ImageAndSpeech(t *testing.T) {
	exec := newTaskQueue(t, func(kind string, payload gjson.Result) string {
		switch kind {
		case "image":
			return `{"status":"succeeded","result":{"url":"https://img.example/1.png","mime_type":"image/png"}}`
		case "tts":
			return `{"status":"succeeded","result":{"audio":"aGVsbG8=","mime_type":"audio/mpeg"}}`
		default:
			return `{"status":"succeeded","result":{"text":"transcribed"}}`
		}
	})

	img, err := exec.Image(context.Background(), provider.ImageRequest{Prompt: "cat"})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/1.png", img.URL)

	speech, err := exec.TextToSpeech(context.Background(), provider.SpeechRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), speech.Audio)

	stt, err := exec.SpeechToText(context.Background(), provider.TranscriptionRequest{Audio: []byte("RIFF")})
	require.NoError(t, err)
	assert.Equal(t, "transcribed", stt.Text)
}

func TestTaskExecutor_FailedTaskIsFinal(t *testing.T) {
	exec := newTaskQueue(t, func(string, gjson.Result) string {
		return `{"status":"failed","error":"model crashed"}`
	})
	_, err := exec.Text(context.Background(), provider.TextRequest{})
	require.Error(t, err)
	assert.False(t, provider.IsRetryable(err))
	assert.Contains(t, err.Error(), "model crashed")
}

func TestTaskExecutor_WaitTimeoutIsRetryable(t *testing.T) {
	exec := newTaskQueue(t, func(string, gjson.Result) string {
		return `{"status":"running"}`
	})
	exec.cfg.WaitTimeout = 60 * time.Millisecond
	_, err := exec.Text(context.Background(), provider.TextRequest{})
	assert.Equal(t, provider.CodeTimeout, provider.CodeOf(err))
	assert.True(t, provider.IsRetryable(err))
}

func TestTaskExecutor_RouterLeavesWaitToQueue(t *testing.T) {
	exec := newTaskQueue(t, func(string, gjson.Result) string {
		time.Sleep(150 * time.Millisecond)
		return `{"status":"succeeded","result":{"text":"late"}}`
	})
	r := provider.NewRouter(provider.Settings{
		Providers:      []provider.Provider{exec},
		Primary:        provider.Ptr("queue"),
		RequestTimeout: provider.Ptr(30 * time.Millisecond),
	})

	res, err := r.CallText(context.Background(), provider.TextRequest{})
	require.NoError(t, err)
	assert.Equal(t, "late", res.Text)
	assert.GreaterOrEqual(t, res.Trace.Latency, 150*time.Millisecond)
}

func TestTaskExecutor_WaitTimeoutBehindRouter(t *testing.T) {
	exec := newTaskQueue(t, func(string, gjson.Result) string {
		return `{"status":"running"}`
	})
	exec.cfg.WaitTimeout = 120 * time.Millisecond
	r := provider.NewRouter(provider.Settings{
		Providers:      []provider.Provider{exec},
		Primary:        provider.Ptr("queue"),
		RequestTimeout: provider.Ptr(10 * time.Second),
	})

	start := time.Now()
	_, err := r.CallText(context.Background(), provider.TextRequest{})
	elapsed := time.Since(start)
	assert.Equal(t, provider.CodeTimeout, provider.CodeOf(err))
	assert.Contains(t, err.Error(), "within 120ms")
	assert.GreaterOrEqual(t, elapsed, 120*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestTaskExecutor_AgentDoesNotWait(t *testing.T) {
	polled := false
	exec := newTaskQueue(t, func(string, gjson.Result) string {
		polled = true
		return `{"status":"running"}`
	})
	res, err := exec.Agent(context.Background(), provider.AgentRequest{Goal: "plan a trip"})
	require.NoError(t, err)
	assert.Equal(t, provider.TaskQueued, res.Status)
	assert.NotEmpty(t, res.TaskID)
	assert.False(t, polled)

	stored, ok := exec.Client().Store().Get(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, provider.TaskQueued, stored.Status)
}

func TestTaskExecutor_AgentReportsQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{"id":"a1","status":"running"}`))
	}))
	t.Cleanup(srv.Close)
	exec := NewTaskExecutor(TaskConfig{
		ID:     "queue",
		Client: tasks.NewClient(tasks.Config{ProviderID: "queue", BaseURL: srv.URL, HTTPClient: srv.Client()}),
	})

	res, err := exec.Agent(context.Background(), provider.AgentRequest{Goal: "book a table"})
	require.NoError(t, err)
	assert.Equal(t, "a1", res.TaskID)
	assert.Equal(t, provider.TaskQueued, res.Status)
}
