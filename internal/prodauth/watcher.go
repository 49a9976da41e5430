package prodauth

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDebounce = 200 * time.Millisecond

// ReloadFunc receives every configuration that loaded and validated after a
// file change.
type ReloadFunc func(ctx context.Context, cfg Config) error

// ConfigWatcher reloads the configuration file when it changes on disk.
type ConfigWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload ReloadFunc
	logger   *zap.Logger
	debounce time.Duration

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewConfigWatcher(path string, onReload ReloadFunc, logger *zap.Logger) (*ConfigWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigWatcher{
		path:     absPath,
		watcher:  fsWatcher,
		onReload: onReload,
		logger:   logger,
		debounce: defaultReloadDebounce,
	}, nil
}

// Start watches the directory of the file so that editors replacing the
// file through a rename are noticed too.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})

	w.logger.Info("watching configuration file", zap.String("path", w.path))
	go w.loop(ctx, w.stopCh, w.stoppedCh)
	return nil
}

func (w *ConfigWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	stop, stopped := w.stopCh, w.stoppedCh
	w.mu.Unlock()

	close(stop)
	<-stopped
	return w.watcher.Close()
}

func (w *ConfigWatcher) loop(ctx context.Context, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("configuration file changed", zap.String("op", event.Op.String()))
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("configuration watcher error", zap.Error(err))
		}
	}
}

func (w *ConfigWatcher) reload(ctx context.Context) {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("configuration reload rejected, keeping current settings", zap.Error(err))
		return
	}
	if err := w.onReload(ctx, cfg); err != nil {
		w.logger.Error("applying reloaded configuration failed", zap.Error(err))
		return
	}
	w.logger.Info("configuration reloaded", zap.Int("products", len(cfg.Products)))
}
