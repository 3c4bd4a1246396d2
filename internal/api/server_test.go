package api

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/llm-failover/internal/config"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/runtime/executor"
	"github.com/nghyane/llm-failover/internal/tasks"
	"github.com/nghyane/llm-failover/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fixture struct {
	server  *Server
	primary *executor.AgentMockExecutor
	backup  *executor.MockExecutor
	limiter *usage.Limiter
	store   *tasks.Store
}

type fixtureOption func(*config.Config, *Deps)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("WEBHOOK_SECRET", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	config.InvalidateCache()
	t.Cleanup(config.InvalidateCache)

	primary := executor.NewAgentMockExecutor("primary")
	backup := executor.NewMockExecutor("backup")
	router := provider.NewRouter(provider.Settings{
		Providers:       []provider.Provider{primary, backup},
		Primary:         provider.Ptr("primary"),
		Fallback:        provider.Ptr("backup"),
		FallbackEnabled: provider.Ptr(true),
		RetryBackoff:    provider.Ptr(time.Duration(0)),
	})

	cfg := config.NewDefaultConfig()
	cfg.Debug = true
	cfg.Tasks.PollInterval = 10 * time.Millisecond
	cfg.Tasks.WaitTimeout = 2 * time.Second
	store := tasks.NewStore(time.Minute)
	deps := Deps{Router: router, Limiter: usage.NewLimiter(nil), Store: store}
	for _, opt := range opts {
		opt(cfg, &deps)
	}
	return &fixture{
		server:  NewServer(cfg, deps),
		primary: primary,
		backup:  backup,
		limiter: deps.Limiter,
		store:   store,
	}
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

const textBodyJSON = `{"user_id":"u1","messages":[{"role":"user","content":"hello there"}]}`

func TestTextCall_FailsOverToBackup(t *testing.T) {
	f := newFixture(t)
	f.primary.FailWith(provider.CodeUnavailable, "")

	w := f.do(http.MethodPost, "/v1/text", textBodyJSON)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := gjson.ParseBytes(w.Body.Bytes())
	assert.Equal(t, "mock reply: hello there", body.Get("text").String())
	assert.Equal(t, "backup", body.Get("trace.provider").String())
	assert.Positive(t, body.Get("usage.total_tokens").Int())
	assert.EqualValues(t, 1, f.primary.Calls())
	assert.EqualValues(t, 1, f.backup.Calls())
	assert.Empty(t, w.Header().Get("X-RateLimit-Remaining"), "no rule, no header")
}

func TestCall_ErrorStatuses(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/text", `{"messages":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", gjson.Get(w.Body.String(), "error.code").String())

	w = f.do(http.MethodPost, "/v1/text", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/v1/image", `{"prompt":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, f.primary.Calls(), "validation happens before any provider call")

	f.primary.FailWith(provider.CodeAuth, "bad key")
	w = f.do(http.MethodPost, "/v1/text", textBodyJSON)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "primary", gjson.Get(w.Body.String(), "error.provider").String())
	assert.Zero(t, f.backup.Calls(), "auth errors never fail over")
}

func TestCall_RateLimited(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, d *Deps) {
		d.Limiter = usage.NewLimiter(map[provider.Modality]usage.Rule{
			provider.ModalityText: {MaxCalls: 2, Window: time.Minute},
		})
	})

	w := f.do(http.MethodPost, "/v1/text", textBodyJSON)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	// user id from header counts against a separate window
	w = f.do(http.MethodPost, "/v1/text", `{"messages":[{"role":"user","content":"hi"}]}`, UserIDHeader, "u2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	w = f.do(http.MethodPost, "/v1/text", textBodyJSON)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = f.do(http.MethodPost, "/v1/text", textBodyJSON)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "quota", gjson.Get(w.Body.String(), "error.code").String())
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.EqualValues(t, 3, f.primary.Calls(), "a rejected call never reaches the router")

	// other modalities are unlimited
	w = f.do(http.MethodPost, "/v1/image", `{"user_id":"u1","prompt":"a cat"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCall_OtherModalities(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/image", `{"prompt":"a red fox","timeout_ms":500}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(gjson.Get(w.Body.String(), "url").String(), "mock://image/"))

	w = f.do(http.MethodPost, "/v1/tts", `{"text":"read this"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/mpeg", gjson.Get(w.Body.String(), "mime_type").String())

	w = f.do(http.MethodPost, "/v1/stt", `{"audio":"aGVsbG8="}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(gjson.Get(w.Body.String(), "text").String(), "mock transcript "))

	w = f.do(http.MethodPost, "/v1/agent", `{"goal":"book a flight"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "queued", gjson.Get(w.Body.String(), "status").String())
	assert.True(t, strings.HasPrefix(gjson.Get(w.Body.String(), "task_id").String(), "mock-"))
}

func TestSTT_Multipart(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "clip.mp3")
	require.NoError(t, err)
	_, _ = part.Write([]byte("ID3 audio bytes"))
	require.NoError(t, mw.WriteField("user_id", "u9"))
	require.NoError(t, mw.WriteField("language", "en"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/stt", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(gjson.Get(w.Body.String(), "text").String(), "mock transcript "))

	// no file
	req = httptest.NewRequest(http.MethodPost, "/v1/stt", strings.NewReader("--x--\r\n"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeTotals struct{ since time.Time }

func (f *fakeTotals) Totals(_ context.Context, since time.Time) ([]usage.ProviderTotal, error) {
	f.since = since
	return []usage.ProviderTotal{{Provider: "primary", Modality: "text", Calls: 3}}, nil
}

func TestStatusAndHealth(t *testing.T) {
	totals := &fakeTotals{}
	f := newFixture(t, func(_ *config.Config, d *Deps) {
		d.Totals = totals
		d.Limiter = usage.NewLimiter(map[provider.Modality]usage.Rule{
			provider.ModalityImage: {MaxCalls: 5, Window: time.Hour},
		})
	})

	w := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/text", textBodyJSON).Code)

	w = f.do(http.MethodGet, "/v1/status?since=1h", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := gjson.ParseBytes(w.Body.Bytes())
	assert.Equal(t, "primary", body.Get("policy.primary").String())
	assert.Equal(t, "backup", body.Get("policy.fallback").String())
	assert.Equal(t, `["backup","primary"]`, body.Get("providers").Raw)
	assert.Equal(t, "1h0m0s", body.Get("rate_limits.image.window").String())
	assert.EqualValues(t, 3, body.Get("usage.0.calls").Int())
	assert.WithinDuration(t, time.Now().Add(-time.Hour), totals.since, 5*time.Second)
	assert.True(t, body.Get("stats.#(provider==primary)").Exists())

	w = f.do(http.MethodGet, "/v1/status?since=soon", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKeepAlive(t *testing.T) {
	gin.SetMode(gin.TestMode)
	expired := make(chan struct{})
	cfg := config.NewDefaultConfig()
	s := NewServer(cfg, Deps{Router: provider.NewRouter(), Limiter: usage.NewLimiter(nil)},
		WithLocalPassword("pw"),
		WithKeepAliveEndpoint(100*time.Millisecond, func() { close(expired) }),
	)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/keep-alive", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/keep-alive", nil)
	req.Header.Set("Authorization", "Bearer pw")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive timeout never fired")
	}

	req = httptest.NewRequest(http.MethodGet, "/keep-alive", nil)
	req.Header.Set("X-Local-Password", "pw")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NoError(t, s.Stop(context.Background()))
}
