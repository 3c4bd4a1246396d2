package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/nghyane/llm-failover/internal/logging"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/tasks"
	"github.com/tidwall/gjson"
)

// WebhookSecretHeader carries the shared secret on webhook pushes.
const WebhookSecretHeader = "X-Webhook-Secret"

const watchWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) webhookAuthorized(c *gin.Context) bool {
	secret := *s.webhookSecret.Load()
	if secret == "" {
		return true
	}
	provided := strings.TrimSpace(c.GetHeader(WebhookSecretHeader))
	return subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
}

// handleWebhook stores a task state pushed by the queue. Re-delivering a
// terminal update is acknowledged and ignored.
func (s *Server) handleWebhook(c *gin.Context) {
	if !s.webhookAuthorized(c) {
		writeError(c, provider.Classify("invalid webhook secret", provider.CodeAuth, ""))
		return
	}
	body, err := c.GetRawData()
	if err != nil || !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		writeError(c, provider.Classify("malformed webhook payload", provider.CodeValidation, ""))
		return
	}

	// only the id is required; the store refuses regressions on its own
	update := tasks.ParseTask(body)

	client := s.webhook
	if p := strings.ToLower(strings.TrimSpace(c.Query("provider"))); p != "" {
		if tc := s.taskClient(p); tc != nil {
			client = tc
		}
	}
	if _, err = client.SaveWebhookUpdate(update); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleGetTask returns the cached task, polling its queue on a miss.
func (s *Server) handleGetTask(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if t, ok := s.store.Get(id); ok {
		c.JSON(http.StatusOK, t)
		return
	}
	client := s.taskClient(strings.ToLower(strings.TrimSpace(c.Query("provider"))))
	if client == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": provider.Classify("unknown task "+id, provider.CodeValidation, "")})
		return
	}
	t, err := client.Lookup(c.Request.Context(), id)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) && perr.StatusCode() == http.StatusNotFound {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": perr})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleWatchTask upgrades to a websocket, sends the current task state if
// known, then the terminal state (or the wait error) and closes.
func (s *Server) handleWatchTask(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	client := s.taskClient(strings.ToLower(strings.TrimSpace(c.Query("provider"))))
	current, known := s.store.Get(id)
	if client == nil && !known {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": provider.Classify("unknown task "+id, provider.CodeValidation, "")})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).WithField("task_id", id).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		// drains control frames; any read error means the peer is gone
		for {
			if _, _, errRead := conn.ReadMessage(); errRead != nil {
				cancel()
				return
			}
		}
	}()

	if known {
		if err = writeWatchMessage(conn, gin.H{"task": current}); err != nil {
			return
		}
		if current.Status.Terminal() {
			closeWatch(conn)
			return
		}
	}

	wait := time.Duration(s.waitTimeout.Load())
	poll := time.Duration(s.pollInterval.Load())
	var (
		final   tasks.Task
		errWait error
	)
	if client != nil {
		final, errWait = client.WaitForResult(ctx, id, wait, poll)
	} else {
		final, errWait = s.waitInStore(ctx, id, wait, poll)
	}
	if ctx.Err() != nil {
		return
	}

	msg := gin.H{}
	if final.ID != "" {
		msg["task"] = final
	}
	if errWait != nil {
		var perr *provider.Error
		if !errors.As(errWait, &perr) {
			perr = provider.Classify(errWait.Error(), provider.CodeUnknown, "")
		}
		msg["error"] = perr
	}
	if err = writeWatchMessage(conn, msg); err != nil {
		return
	}
	closeWatch(conn)
}

// waitInStore watches the store alone, for tasks that only ever arrive by webhook.
func (s *Server) waitInStore(ctx context.Context, id string, timeout, interval time.Duration) (tasks.Task, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if t, ok := s.store.Get(id); ok && t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return tasks.Task{}, ctx.Err()
		case <-deadline.C:
			return tasks.Task{}, provider.Classify("task "+id+" did not complete within "+timeout.String(), provider.CodeTimeout, "")
		case <-ticker.C:
		}
	}
}

func writeWatchMessage(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	return conn.WriteJSON(v)
}

func closeWatch(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
}
