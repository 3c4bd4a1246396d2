// Package watcher reloads the configuration file when it changes on disk
// and hands the new config to a callback.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nghyane/llm-failover/internal/config"
	log "github.com/nghyane/llm-failover/internal/logging"
)

const configReloadDebounce = 150 * time.Millisecond

// Watcher monitors a single config file. Editors that save through a rename
// are handled by watching the parent directory and filtering on the name.
type Watcher struct {
	configPath        string
	config            *config.Config
	configMu          sync.RWMutex
	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
	reloadCallback    func(*config.Config)
	watcher           *fsnotify.Watcher
	lastConfigHash    string
	debounce          time.Duration
	getenv            func(string) string
	done              chan struct{}
	started           atomic.Bool
	stopOnce          sync.Once
}

// NewWatcher creates a watcher for configPath. reloadCallback receives every
// successfully parsed and validated config; it is never called concurrently.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		abs = filepath.Clean(configPath)
	}
	return &Watcher{
		configPath:     abs,
		reloadCallback: reloadCallback,
		watcher:        fw,
		debounce:       configReloadDebounce,
		getenv:         os.Getenv,
		done:           make(chan struct{}),
	}, nil
}

// Start begins watching. A missing config file is not an error; the
// watcher picks it up once it is created.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Errorf("failed to watch config directory %s: %v", dir, err)
		return err
	}
	if data, err := os.ReadFile(w.configPath); err == nil && len(data) > 0 {
		w.configMu.Lock()
		w.lastConfigHash = hashBytes(data)
		w.configMu.Unlock()
	} else {
		log.Infof("config file %s not found, running with defaults", w.configPath)
	}
	log.Debugf("watching config file: %s", w.configPath)

	w.started.Store(true)
	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.stopConfigReloadTimer()
		err = w.watcher.Close()
		if w.started.Load() {
			<-w.done
		}
	})
	return err
}

// SetConfig records the config currently in effect, used for change diffs.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.configMu.Lock()
	defer w.configMu.Unlock()
	w.config = cfg
}

// Config returns the config currently in effect.
func (w *Watcher) Config() *config.Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	configOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if filepath.Clean(event.Name) != w.configPath || event.Op&configOps == 0 {
		return
	}
	log.Debugf("config file event: %s %s", event.Op.String(), event.Name)
	w.scheduleConfigReload()
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
