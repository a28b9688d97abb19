package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Library serves the current system prompt. When backed by a file it can
// watch for edits and hot-swap the prompt without a restart.
type Library struct {
	mu     sync.RWMutex
	system string
	path   string
	logger *zap.Logger
}

// NewLibrary creates a library. path may be empty, in which case
// DefaultSystem is served and Watch is a no-op.
func NewLibrary(path string, logger *zap.Logger) (*Library, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Library{system: DefaultSystem, path: path, logger: logger}
	if path != "" {
		if err := l.reload(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// System returns the current system prompt.
func (l *Library) System() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.system
}

func (l *Library) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read system prompt %s: %w", l.path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		text = DefaultSystem
	}
	l.mu.Lock()
	l.system = text
	l.mu.Unlock()
	return nil
}

// Watch hot-reloads the system prompt when the file changes. Blocks until
// ctx is cancelled. Editors that replace the file (rename+create) are
// handled by watching the directory.
func (l *Library) Watch(ctx context.Context) error {
	if l.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.reload(); err != nil {
				l.logger.Warn("system prompt reload failed", zap.Error(err))
				continue
			}
			l.logger.Info("system prompt reloaded", zap.String("path", l.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("prompt watcher error", zap.Error(err))
		}
	}
}
