package tasks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nghyane/llm-failover/internal/json"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeQueue struct {
	mu         sync.Mutex
	status     map[string]string
	posts      atomic.Int32
	polls      atomic.Int32
	lastAuth   string
	lastBody   string
	failPostAt int
}

func newFakeQueue(t *testing.T) (*fakeQueue, *httptest.Server) {
	q := &fakeQueue{status: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q.mu.Lock()
		q.lastAuth = r.Header.Get("Authorization")
		q.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tasks":
			n := q.posts.Add(1)
			body, _ := io.ReadAll(r.Body)
			q.mu.Lock()
			q.lastBody = string(body)
			failAt := q.failPostAt
			q.mu.Unlock()
			if failAt != 0 {
				w.WriteHeader(failAt)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
				return
			}
			id := "task-" + string(rune('0'+n))
			q.mu.Lock()
			q.status[id] = `{"id":"` + id + `","status":"running"}`
			q.mu.Unlock()
			_, _ = w.Write([]byte(`{"id":"` + id + `","status":"queued"}`))
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/tasks/"):
			q.polls.Add(1)
			id := strings.TrimPrefix(r.URL.Path, "/tasks/")
			q.mu.Lock()
			doc, ok := q.status[id]
			q.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(doc))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return q, srv
}

func (q *fakeQueue) set(id, doc string) {
	q.mu.Lock()
	q.status[id] = doc
	q.mu.Unlock()
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		ProviderID:  "queue",
		BaseURL:     srv.URL + "/",
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret"}),
		HTTPClient:  srv.Client(),
	})
}

func TestPostTaskStoresHandle(t *testing.T) {
	q, srv := newFakeQueue(t)
	c := newTestClient(srv)

	h, err := c.PostTask(context.Background(), provider.ModalityText, map[string]string{"prompt": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", h.ID)
	assert.Equal(t, provider.TaskQueued, h.Status)
	assert.Equal(t, "Bearer secret", q.lastAuth)
	assert.JSONEq(t, `{"type":"text","payload":{"prompt":"hi"}}`, q.lastBody)

	cached, ok := c.Store().Get("task-1")
	require.True(t, ok)
	assert.Equal(t, provider.TaskQueued, cached.Status)
}

func TestPostTaskClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		code      provider.Code
		retryable bool
	}{
		{http.StatusServiceUnavailable, provider.CodeUnavailable, true},
		{http.StatusBadRequest, provider.CodeUnknown, false},
		{http.StatusUnauthorized, provider.CodeAuth, false},
	}
	for _, tc := range cases {
		q, srv := newFakeQueue(t)
		q.failPostAt = tc.status
		_, err := newTestClient(srv).PostTask(context.Background(), provider.ModalityImage, nil)
		require.Error(t, err)
		assert.Equal(t, tc.code, provider.CodeOf(err), "status %d", tc.status)
		assert.Equal(t, tc.retryable, provider.IsRetryable(err), "status %d", tc.status)
	}
}

func TestMissingCredentialFailsBeforeIO(t *testing.T) {
	q, srv := newFakeQueue(t)
	c := NewClient(Config{
		ProviderID:  "queue",
		BaseURL:     srv.URL,
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{}),
	})
	_, err := c.PostTask(context.Background(), provider.ModalityText, nil)
	assert.Equal(t, provider.CodeAuth, provider.CodeOf(err))
	assert.Zero(t, q.posts.Load())
}

func TestWebhookBeforePollSkipsNetwork(t *testing.T) {
	q, srv := newFakeQueue(t)
	c := newTestClient(srv)

	h, err := c.PostTask(context.Background(), provider.ModalityText, nil)
	require.NoError(t, err)

	_, err = c.SaveWebhookUpdate(Task{ID: h.ID, Status: provider.TaskSucceeded, Result: json.RawMessage(`{"text":"done"}`)})
	require.NoError(t, err)

	task, err := c.WaitForResult(context.Background(), h.ID, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"done"}`, string(task.Result))
	assert.Zero(t, q.polls.Load(), "webhook result must be served from the store")
}

func TestWaitForResultPollsUntilTerminal(t *testing.T) {
	q, srv := newFakeQueue(t)
	c := newTestClient(srv)

	h, err := c.PostTask(context.Background(), provider.ModalityText, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		q.set(h.ID, `{"id":"`+h.ID+`","status":"succeeded","result":{"text":"polled"},"usage":{"prompt_tokens":1,"completion_tokens":2}}`)
	}()

	task, err := c.WaitForResult(context.Background(), h.ID, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, provider.TaskSucceeded, task.Status)
	require.NotNil(t, task.Usage)
	assert.EqualValues(t, 3, task.Usage.TotalTokens)
	assert.GreaterOrEqual(t, q.polls.Load(), int32(2))
}

func TestWaitForResultFailedTaskIsNotRetryable(t *testing.T) {
	q, srv := newFakeQueue(t)
	c := newTestClient(srv)
	q.set("bad", `{"id":"bad","status":"failed","error":{"code":"unavailable","message":"gpu lost"}}`)

	_, err := c.WaitForResult(context.Background(), "bad", time.Second, 10*time.Millisecond)
	require.Error(t, err)
	assert.False(t, provider.IsRetryable(err))
	assert.Contains(t, err.Error(), "gpu lost")
}

func TestWaitForResultTimesOut(t *testing.T) {
	_, srv := newFakeQueue(t)
	c := newTestClient(srv)
	h, err := c.PostTask(context.Background(), provider.ModalityText, nil)
	require.NoError(t, err)

	timeout := 150 * time.Millisecond
	start := time.Now()
	_, err = c.WaitForResult(context.Background(), h.ID, timeout, 20*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, provider.CodeTimeout, provider.CodeOf(err))
	assert.True(t, provider.IsRetryable(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+200*time.Millisecond)
}

func TestWaitForResultCallerDeadline(t *testing.T) {
	_, srv := newFakeQueue(t)
	c := newTestClient(srv)
	h, err := c.PostTask(context.Background(), provider.ModalityText, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.WaitForResult(ctx, h.ID, 2*time.Second, 20*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, provider.CodeTimeout, provider.CodeOf(err))
	assert.Contains(t, err.Error(), "stopped waiting for task "+h.ID+" after")
	assert.NotContains(t, err.Error(), "within 2s")
	assert.Less(t, elapsed, time.Second)
}

func TestWaitForResultCallerCancel(t *testing.T) {
	_, srv := newFakeQueue(t)
	c := newTestClient(srv)
	h, err := c.PostTask(context.Background(), provider.ModalityText, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = c.WaitForResult(ctx, h.ID, 2*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWebhookWhileWaiting(t *testing.T) {
	q, srv := newFakeQueue(t)
	c := newTestClient(srv)
	h, err := c.PostTask(context.Background(), provider.ModalityText, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(40 * time.Millisecond)
		_, _ = c.SaveWebhookUpdate(Task{ID: h.ID, Status: provider.TaskSucceeded, Result: json.RawMessage(`"pushed"`)})
	}()

	task, err := c.WaitForResult(context.Background(), h.ID, 2*time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, `"pushed"`, string(task.Result))
	assert.LessOrEqual(t, q.polls.Load(), int32(2))
}

func TestSaveWebhookUpdateValidation(t *testing.T) {
	c := NewClient(Config{ProviderID: "queue", BaseURL: "http://unused"})
	_, err := c.SaveWebhookUpdate(Task{Status: provider.TaskSucceeded})
	require.Error(t, err)
	assert.Equal(t, provider.CodeValidation, provider.CodeOf(err))
	assert.False(t, provider.IsRetryable(err))
}

func TestSaveWebhookUpdateIdempotent(t *testing.T) {
	c := NewClient(Config{ProviderID: "queue", BaseURL: "http://unused"})
	update := Task{ID: "t", Status: provider.TaskSucceeded, Result: json.RawMessage(`{"a":1}`)}

	first, err := c.SaveWebhookUpdate(update)
	require.NoError(t, err)
	second, err := c.SaveWebhookUpdate(update)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	got, ok := c.Store().Get("t")
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestConcurrentWaitersSharePolls(t *testing.T) {
	q, srv := newFakeQueue(t)
	c := newTestClient(srv)
	q.set("shared", `{"id":"shared","status":"running"}`)

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.set("shared", `{"id":"shared","status":"succeeded","result":1}`)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.WaitForResult(context.Background(), "shared", 2*time.Second, 10*time.Millisecond)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, q.polls.Load(), int32(8*6))
}

func TestLookup(t *testing.T) {
	q, srv := newFakeQueue(t)
	c := newTestClient(srv)
	q.set("x", `{"id":"x","status":"running"}`)

	task, err := c.Lookup(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, provider.TaskRunning, task.Status)

	_, err = c.Lookup(context.Background(), "x")
	require.NoError(t, err)
	assert.EqualValues(t, 1, q.polls.Load(), "second lookup should hit the store")

	_, err = c.Lookup(context.Background(), "missing")
	assert.Equal(t, provider.CodeUnknown, provider.CodeOf(err))
}
