package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/nghyane/llm-failover/internal/logging"
)

// keepAlive fires onTimeout once when no heartbeat arrives within timeout.
type keepAlive struct {
	timeout   time.Duration
	password  string
	onTimeout func()

	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	done     bool
}

func newKeepAlive(timeout time.Duration, password string, onTimeout func()) *keepAlive {
	k := &keepAlive{timeout: timeout, password: password, onTimeout: onTimeout}
	k.deadline = time.Now().Add(timeout)
	k.timer = time.AfterFunc(timeout, k.expire)
	return k
}

// beat pushes the deadline out; it reports false once the watchdog has fired or stopped.
func (k *keepAlive) beat() (time.Time, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.done {
		return time.Time{}, false
	}
	k.timer.Reset(k.timeout)
	k.deadline = time.Now().Add(k.timeout)
	return k.deadline, true
}

func (k *keepAlive) expire() {
	k.mu.Lock()
	if k.done {
		k.mu.Unlock()
		return
	}
	k.done = true
	k.mu.Unlock()

	log.Warnf("keep-alive endpoint idle for %s, shutting down", k.timeout)
	k.onTimeout()
}

func (k *keepAlive) stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.done = true
	k.timer.Stop()
}

func (k *keepAlive) authorized(c *gin.Context) bool {
	if k.password == "" {
		return true
	}
	provided := strings.TrimSpace(c.GetHeader("Authorization"))
	if scheme, token, ok := strings.Cut(provided, " "); ok && strings.EqualFold(scheme, "bearer") {
		provided = strings.TrimSpace(token)
	}
	if provided == "" {
		provided = strings.TrimSpace(c.GetHeader("X-Local-Password"))
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(k.password)) == 1
}

func (k *keepAlive) handle(c *gin.Context) {
	if !k.authorized(c) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}
	deadline, ok := k.beat()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"timeout":    k.timeout.String(),
		"expires_at": deadline.UTC().Format(time.RFC3339),
	})
}
