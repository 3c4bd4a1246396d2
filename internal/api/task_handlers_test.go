package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nghyane/llm-failover/internal/config"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestWebhook(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/webhook", `{"id":"t1","status":"succeeded","result":{"text":"done"},"usage":{"prompt_tokens":3,"completion_tokens":2}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	stored, ok := f.store.Get("t1")
	require.True(t, ok)
	assert.Equal(t, provider.TaskSucceeded, stored.Status)
	assert.EqualValues(t, 5, stored.Usage.TotalTokens)

	// re-delivery and a conflicting terminal state are both acknowledged; first terminal wins
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhook", `{"id":"t1","status":"succeeded"}`).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhook", `{"id":"t1","status":"failed","error":"late"}`).Code)
	stored, _ = f.store.Get("t1")
	assert.Equal(t, provider.TaskSucceeded, stored.Status)
	assert.JSONEq(t, `{"text":"done"}`, string(stored.Result))

	tests := map[string]string{
		"missing id":     `{"status":"succeeded"}`,
		"malformed json": `{"id":`,
		"not an object":  `["t1"]`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/webhook", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "validation", gjson.Get(w.Body.String(), "error.code").String())
		})
	}
}

func TestWebhook_UnrecognisedStatus(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/webhook", `{"id":"t2","status":"exploded"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored, ok := f.store.Get("t2")
	require.True(t, ok)
	assert.Equal(t, provider.TaskStatus("exploded"), stored.Status)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhook", `{"id":"t2","status":"running"}`).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhook", `{"id":"t2","status":"exploded"}`).Code)
	stored, _ = f.store.Get("t2")
	assert.Equal(t, provider.TaskRunning, stored.Status, "an unrecognised status never replaces a known one")
}

func TestWebhook_Secret(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, _ *Deps) { cfg.WebhookSecret = "s3cret" })

	body := `{"id":"t1","status":"running"}`
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/webhook", body).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/webhook", body, WebhookSecretHeader, "nope").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhook", body, WebhookSecretHeader, "s3cret").Code)

	_, ok := f.store.Get("t1")
	assert.True(t, ok)
}

func newQueue(t *testing.T, polls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/tasks/remote-1":
			_, _ = w.Write([]byte(`{"id":"remote-1","status":"running"}`))
		case "/tasks/remote-2":
			_, _ = w.Write([]byte(`{"id":"remote-2","status":"succeeded","result":{"url":"https://cdn/x.png"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"no such task"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetTask(t *testing.T) {
	var polls atomic.Int32
	queue := newQueue(t, &polls)

	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/tasks/remote-1", "").Code, "no queue configured")

	f.server.SetTaskClients(map[string]*tasks.Client{
		"queue": tasks.NewClient(tasks.Config{ProviderID: "queue", BaseURL: queue.URL, Store: f.store}),
	})

	w := f.do(http.MethodGet, "/v1/tasks/remote-1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "running", gjson.Get(w.Body.String(), "status").String())
	assert.EqualValues(t, 1, polls.Load())

	// a webhook push is served from the store without polling
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhook?provider=queue", `{"id":"pushed","status":"succeeded"}`).Code)
	w = f.do(http.MethodGet, "/v1/tasks/pushed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "succeeded", gjson.Get(w.Body.String(), "status").String())
	assert.EqualValues(t, 1, polls.Load())

	w = f.do(http.MethodGet, "/v1/tasks/missing?provider=queue", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "queue", gjson.Get(w.Body.String(), "error.provider").String())
}

func dialWatch(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readWatch(t *testing.T, conn *websocket.Conn) gjson.Result {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return gjson.ParseBytes(data)
}

func TestWatchTask_WebhookCompletes(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	f.store.Put(tasks.Task{ID: "t1", Status: provider.TaskQueued})
	conn := dialWatch(t, srv, "/v1/tasks/t1/watch")
	assert.Equal(t, "queued", readWatch(t, conn).Get("task.status").String())

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhook", `{"id":"t1","status":"succeeded"}`).Code)
	msg := readWatch(t, conn)
	assert.Equal(t, "succeeded", msg.Get("task.status").String())
	assert.False(t, msg.Get("error").Exists())

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWatchTask_PollsQueue(t *testing.T) {
	var polls atomic.Int32
	queue := newQueue(t, &polls)
	f := newFixture(t)
	f.server.SetTaskClients(map[string]*tasks.Client{
		"queue": tasks.NewClient(tasks.Config{ProviderID: "queue", BaseURL: queue.URL, Store: f.store}),
	})
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	conn := dialWatch(t, srv, "/v1/tasks/remote-2/watch")
	msg := readWatch(t, conn)
	assert.Equal(t, "succeeded", msg.Get("task.status").String())
	assert.Equal(t, "https://cdn/x.png", msg.Get("task.result.url").String())
}

func TestWatchTask_Unknown(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/v1/tasks/nope/watch", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
