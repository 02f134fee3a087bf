package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plugind/pkg/engine"
)

// ReloadFunc is called after a plugin was reloaded from disk. replaced holds
// the units that were swapped out; err is non-nil if some versions failed to
// load.
type ReloadFunc func(pluginID string, replaced []*engine.ExecutableUnit, err error)

// Watcher reloads plugins into a Registry when their directory changes.
type Watcher struct {
	dir      string
	registry *Registry
	onReload ReloadFunc
	delay    time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher over dir. Changes to one plugin are
// debounced by delay before reloading.
func NewWatcher(dir string, registry *Registry, onReload ReloadFunc, delay time.Duration, logger zerolog.Logger) *Watcher {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Watcher{
		dir:      dir,
		registry: registry,
		onReload: onReload,
		delay:    delay,
		logger:   logger.With().Str("component", "plugin_watcher").Logger(),
		pending:  make(map[string]*time.Timer),
	}
}

// Start begins watching until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	if err := w.watchTree(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch plugin directory: %w", err)
	}

	go w.processEvents(ctx)

	w.logger.Info().Str("dir", w.dir).Msg("Watching plugin directory")
	return nil
}

// watchTree adds dir and every directory below it. fsnotify is not
// recursive.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.stopPending()

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watchTree(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
					}
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if pluginID := w.pluginOf(event.Name); pluginID != "" {
				w.logger.Debug().
					Str("file", event.Name).
					Str("op", event.Op.String()).
					Str("plugin_id", pluginID).
					Msg("Plugin file changed")
				w.schedule(pluginID)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// pluginOf returns the plugin ID owning path, the first path element
// below the watched directory.
func (w *Watcher) pluginOf(path string) string {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return strings.Split(filepath.ToSlash(rel), "/")[0]
}

func (w *Watcher) schedule(pluginID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[pluginID]; ok {
		t.Stop()
	}
	w.pending[pluginID] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.pending, pluginID)
		w.mu.Unlock()
		w.Reload(pluginID)
	})
}

// Reload reloads one plugin immediately.
func (w *Watcher) Reload(pluginID string) {
	replaced, err := w.registry.ReloadPlugin(w.dir, pluginID)
	if err != nil {
		w.logger.Error().Err(err).Str("plugin_id", pluginID).Msg("Failed to reload plugin")
	} else {
		w.logger.Info().Str("plugin_id", pluginID).Int("replaced", len(replaced)).Msg("Plugin reloaded")
	}
	if w.onReload != nil {
		w.onReload(pluginID, replaced, err)
	}
}

// ReloadAll reloads every plugin directory.
func (w *Watcher) ReloadAll() error {
	ids, err := pluginDirs(w.dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		w.Reload(id)
	}
	return nil
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.pending {
		t.Stop()
		delete(w.pending, id)
	}
}
