package watcher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nghyane/llm-failover/internal/config"
)

// buildConfigChangeDetails lists material differences between two configs,
// one human readable line per change. Secrets are never printed.
func buildConfigChangeDetails(oldCfg, newCfg *config.Config) []string {
	changes := make([]string, 0, 8)
	if oldCfg.Port != newCfg.Port {
		changes = append(changes, fmt.Sprintf("port: %d -> %d (restart required)", oldCfg.Port, newCfg.Port))
	}
	if oldCfg.Debug != newCfg.Debug {
		changes = append(changes, fmt.Sprintf("debug: %t -> %t", oldCfg.Debug, newCfg.Debug))
	}

	o, n := oldCfg.Router, newCfg.Router
	if o.Primary != n.Primary {
		changes = append(changes, fmt.Sprintf("router.primary: %q -> %q", o.Primary, n.Primary))
	}
	if o.Fallback != n.Fallback {
		changes = append(changes, fmt.Sprintf("router.fallback: %q -> %q", o.Fallback, n.Fallback))
	}
	if o.FallbackEnabled != n.FallbackEnabled {
		changes = append(changes, fmt.Sprintf("router.fallback-enabled: %t -> %t", o.FallbackEnabled, n.FallbackEnabled))
	}
	if o.RequestTimeout != n.RequestTimeout {
		changes = append(changes, fmt.Sprintf("router.request-timeout: %s -> %s", o.RequestTimeout, n.RequestTimeout))
	}
	if o.RetryBackoff != n.RetryBackoff {
		changes = append(changes, fmt.Sprintf("router.retry-backoff: %s -> %s", o.RetryBackoff, n.RetryBackoff))
	}
	if oldCfg.Tasks != newCfg.Tasks {
		changes = append(changes, "tasks settings updated (restart required)")
	}
	if !equalStringMap(oldCfg.Headers, newCfg.Headers) {
		changes = append(changes, "headers updated")
	}
	if oldCfg.WebhookSecret != newCfg.WebhookSecret {
		changes = append(changes, "webhook-secret updated")
	}

	changes = append(changes, diffRateLimits(oldCfg.RateLimit, newCfg.RateLimit)...)
	changes = append(changes, diffProviders(oldCfg.Providers, newCfg.Providers)...)
	return changes
}

func diffRateLimits(oldRules, newRules map[string]config.Rule) []string {
	keys := make(map[string]struct{}, len(oldRules)+len(newRules))
	for k := range oldRules {
		keys[k] = struct{}{}
	}
	for k := range newRules {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	changes := make([]string, 0)
	for _, k := range ordered {
		oldRule, okOld := oldRules[k]
		newRule, okNew := newRules[k]
		switch {
		case !okOld:
			changes = append(changes, fmt.Sprintf("rate-limits[%s]: added (%d per %s)", k, newRule.MaxCalls, newRule.Window))
		case !okNew:
			changes = append(changes, fmt.Sprintf("rate-limits[%s]: removed", k))
		case oldRule != newRule:
			changes = append(changes, fmt.Sprintf("rate-limits[%s]: %d per %s -> %d per %s", k, oldRule.MaxCalls, oldRule.Window, newRule.MaxCalls, newRule.Window))
		}
	}
	return changes
}

func diffProviders(oldList, newList []config.ProviderConfig) []string {
	oldMap := make(map[string]config.ProviderConfig, len(oldList))
	for _, p := range oldList {
		oldMap[p.ID] = p
	}
	newMap := make(map[string]config.ProviderConfig, len(newList))
	for _, p := range newList {
		newMap[p.ID] = p
	}
	keySet := make(map[string]struct{}, len(oldMap)+len(newMap))
	for id := range oldMap {
		keySet[id] = struct{}{}
	}
	for id := range newMap {
		keySet[id] = struct{}{}
	}
	ordered := make([]string, 0, len(keySet))
	for id := range keySet {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	changes := make([]string, 0)
	for _, id := range ordered {
		oldEntry, oldOk := oldMap[id]
		newEntry, newOk := newMap[id]
		switch {
		case !oldOk:
			changes = append(changes, fmt.Sprintf("provider added: %s (type=%s)", id, newEntry.Type))
		case !newOk:
			changes = append(changes, fmt.Sprintf("provider removed: %s (type=%s)", id, oldEntry.Type))
		default:
			if detail := describeProviderUpdate(oldEntry, newEntry); detail != "" {
				changes = append(changes, fmt.Sprintf("provider updated: %s %s", id, detail))
			}
		}
	}
	return changes
}

func describeProviderUpdate(oldEntry, newEntry config.ProviderConfig) string {
	details := make([]string, 0, 4)
	if oldEntry.Type != newEntry.Type {
		details = append(details, fmt.Sprintf("type %s -> %s", oldEntry.Type, newEntry.Type))
	}
	if oldEntry.BaseURL != newEntry.BaseURL {
		details = append(details, "base-url updated")
	}
	if oldEntry.APIKey != newEntry.APIKey || oldEntry.ClientSecret != newEntry.ClientSecret {
		details = append(details, "credentials updated")
	}
	if oldEntry.Model != newEntry.Model || oldEntry.ImageModel != newEntry.ImageModel ||
		oldEntry.SpeechModel != newEntry.SpeechModel || oldEntry.TranscriptionModel != newEntry.TranscriptionModel {
		details = append(details, "models updated")
	}
	if oldEntry.Timeout != newEntry.Timeout {
		details = append(details, fmt.Sprintf("timeout %s -> %s", oldEntry.Timeout, newEntry.Timeout))
	}
	if !equalStringMap(oldEntry.Headers, newEntry.Headers) {
		details = append(details, "headers updated")
	}
	if len(details) == 0 {
		return ""
	}
	return "(" + strings.Join(details, ", ") + ")"
}

func equalStringMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
