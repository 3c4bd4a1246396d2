package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/nghyane/llm-failover/internal/logging"
)

const defaultTotalsWindow = 24 * time.Hour

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus reports the active policy, per provider stats, rate rules
// and, when persistence is on, call totals over ?since= (default 24h).
func (s *Server) handleStatus(c *gin.Context) {
	policy := gin.H{}
	if p, err := s.router.ResolvePolicy(); err != nil {
		policy["error"] = err.Error()
	} else {
		policy["primary"] = p.Primary.Identifier()
		if p.Fallback != nil {
			policy["fallback"] = p.Fallback.Identifier()
		}
	}

	rules := gin.H{}
	for m, r := range s.limiter.Rules() {
		rules[string(m)] = gin.H{"max_calls": r.MaxCalls, "window": r.Window.String()}
	}

	queues := make([]string, 0)
	for id := range *s.taskClients.Load() {
		queues = append(queues, id)
	}
	sort.Strings(queues)

	body := gin.H{
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"policy":      policy,
		"providers":   s.router.ProviderIDs(),
		"stats":       s.router.Stats(),
		"rate_limits": rules,
		"task_queues": queues,
		"tasks":       s.store.Len(),
	}

	if s.totals != nil {
		window := defaultTotalsWindow
		if raw := c.Query("since"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "validation", "message": "since must be a positive duration"}})
				return
			}
			window = d
		}
		totals, err := s.totals.Totals(c.Request.Context(), time.Now().Add(-window))
		if err != nil {
			log.WithError(err).Warn("failed to load usage totals")
		} else {
			body["usage"] = totals
		}
	}
	c.JSON(http.StatusOK, body)
}
