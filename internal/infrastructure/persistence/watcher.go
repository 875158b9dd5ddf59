package persistence

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kirogate/kirogate/pkg/safego"
)

// TokenWatcher watches registered token files and fires a callback when
// one changes on disk, so tokens refreshed by the IDE itself are picked up
// without a restart. Parent directories are watched rather than the files:
// editors replace files by rename, which drops file-level watches.
type TokenWatcher struct {
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	onChange func(path string)

	mu    sync.Mutex
	paths map[string]string // cleaned absolute path -> registered path
	dirs  map[string]int    // watched dir -> registered file count
}

// NewTokenWatcher 创建令牌文件监视器
func NewTokenWatcher(onChange func(path string), logger *zap.Logger) (*TokenWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &TokenWatcher{
		watcher:  fsw,
		logger:   logger.With(zap.String("component", "token_watcher")),
		onChange: onChange,
		paths:    make(map[string]string),
		dirs:     make(map[string]int),
	}, nil
}

// Add registers a token file for change notifications.
func (w *TokenWatcher) Add(path string) error {
	full, err := filepath.Abs(ExpandPath(path))
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.paths[full]; ok {
		return nil
	}
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}
	w.paths[full] = path
	w.dirs[dir]++
	return nil
}

// Remove drops a registered token file.
func (w *TokenWatcher) Remove(path string) {
	full, err := filepath.Abs(ExpandPath(path))
	if err != nil {
		return
	}
	dir := filepath.Dir(full)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.paths[full]; !ok {
		return
	}
	delete(w.paths, full)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		_ = w.watcher.Remove(dir)
	}
}

// Start launches the event loop. Close stops it.
func (w *TokenWatcher) Start() {
	safego.Go(w.logger, "token-watcher", func() {
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("watch error", zap.Error(err))
			}
		}
	})
}

func (w *TokenWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	full := filepath.Clean(event.Name)

	w.mu.Lock()
	registered, ok := w.paths[full]
	w.mu.Unlock()
	if !ok {
		return
	}

	w.logger.Info("token file changed on disk", zap.String("path", registered))
	if w.onChange != nil {
		w.onChange(registered)
	}
}

// Close stops watching.
func (w *TokenWatcher) Close() error {
	return w.watcher.Close()
}
