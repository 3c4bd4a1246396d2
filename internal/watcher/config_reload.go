package watcher

import (
	"os"
	"time"

	"github.com/nghyane/llm-failover/internal/config"
	log "github.com/nghyane/llm-failover/internal/logging"
)

func (w *Watcher) scheduleConfigReload() {
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(w.debounce, func() {
		w.configReloadMu.Lock()
		w.configReloadTimer = nil
		w.configReloadMu.Unlock()
		w.reloadConfigIfChanged()
	})
}

func (w *Watcher) stopConfigReloadTimer() {
	w.configReloadMu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.configReloadMu.Unlock()
}

// reloadConfigIfChanged reloads only when the file content hash moved.
// Returns whether the callback ran.
func (w *Watcher) reloadConfigIfChanged() bool {
	// serializes overlapping timer callbacks
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()

	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return false
	}
	if len(data) == 0 {
		log.Debug("ignoring empty config file write event")
		return false
	}
	newHash := hashBytes(data)

	w.configMu.RLock()
	currentHash := w.lastConfigHash
	w.configMu.RUnlock()
	if currentHash != "" && currentHash == newHash {
		log.Debug("config file content unchanged (hash match), skipping reload")
		return false
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	if !w.reloadConfig(data) {
		return false
	}
	w.configMu.Lock()
	w.lastConfigHash = newHash
	w.configMu.Unlock()
	return true
}

func (w *Watcher) reloadConfig(data []byte) bool {
	newConfig, err := config.Parse(data)
	if err != nil {
		log.Errorf("failed to reload config, keeping the previous one: %v", err)
		return false
	}
	if err = newConfig.ApplyEnv(w.getenv); err != nil {
		log.Errorf("failed to apply environment overrides, keeping the previous config: %v", err)
		return false
	}

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.configMu.Unlock()

	log.SetDebug(newConfig.Debug)
	if oldConfig != nil {
		details := buildConfigChangeDetails(oldConfig, newConfig)
		if len(details) > 0 {
			log.Debug("config changes detected:")
			for _, d := range details {
				log.Debugf("  %s", d)
			}
		} else {
			log.Debug("no material config field changes detected")
		}
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
	log.Info("config successfully reloaded")
	return true
}
