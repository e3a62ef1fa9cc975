package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ollamaacp/internal/logging"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// result to a callback. Only settings that can change at runtime (logging)
// are expected to be applied by the callback.
type Watcher struct {
	path     string
	reload   func() (Config, error)
	onChange func(Config)
	logger   logging.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	fs       *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce coalesces bursts of file events.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for watcher diagnostics.
func WithWatchLogger(logger logging.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logging.OrNop(logger)
	}
}

func NewWatcher(path string, reload func() (Config, error), onChange func(Config), opts ...WatcherOption) (*Watcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("config path required")
	}
	if reload == nil || onChange == nil {
		return nil, errors.New("reload and onChange are required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		reload:   reload,
		onChange: onChange,
		logger:   logging.Nop(),
		debounce: defaultWatchDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches the file's directory, so editors that replace the file by
// rename are seen too. The watcher stops when ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		_ = fsWatcher.Close()
		return err
	}
	w.mu.Lock()
	w.fs = fsWatcher
	w.mu.Unlock()

	go w.loop(fsWatcher)
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopCh:
		}
	}()
	return nil
}

// Stop terminates the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.fs != nil {
			_ = w.fs.Close()
			w.fs = nil
		}
	})
}

func (w *Watcher) loop(fsWatcher *fsnotify.Watcher) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.schedule()
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher: %v", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		cfg, err := w.reload()
		if err != nil {
			w.logger.Warn("config reload failed, keeping previous settings: %v", err)
			return
		}
		w.logger.Info("config reloaded from %s", w.path)
		w.onChange(cfg)
	})
}
