package service

import (
	"context"

	"github.com/nghyane/llm-failover/internal/config"
	"github.com/nghyane/llm-failover/internal/watcher"
)

// WatcherFactory creates the config watcher; reload receives every valid new config.
type WatcherFactory func(configPath string, reload func(*config.Config)) (*WatcherWrapper, error)

// WatcherWrapper decouples the service from the concrete watcher.
type WatcherWrapper struct {
	start     func(ctx context.Context) error
	stop      func() error
	setConfig func(cfg *config.Config)
}

// NewWatcherWrapper builds a wrapper from plain functions, for custom factories.
func NewWatcherWrapper(start func(context.Context) error, stop func() error, setConfig func(*config.Config)) *WatcherWrapper {
	return &WatcherWrapper{start: start, stop: stop, setConfig: setConfig}
}

func (w *WatcherWrapper) Start(ctx context.Context) error {
	if w == nil || w.start == nil {
		return nil
	}
	return w.start(ctx)
}

func (w *WatcherWrapper) Stop() error {
	if w == nil || w.stop == nil {
		return nil
	}
	return w.stop()
}

func (w *WatcherWrapper) SetConfig(cfg *config.Config) {
	if w == nil || w.setConfig == nil {
		return
	}
	w.setConfig(cfg)
}

func defaultWatcherFactory(configPath string, reload func(*config.Config)) (*WatcherWrapper, error) {
	w, err := watcher.NewWatcher(configPath, reload)
	if err != nil {
		return nil, err
	}
	return &WatcherWrapper{
		start:     w.Start,
		stop:      w.Stop,
		setConfig: w.SetConfig,
	}, nil
}
