package dispatch

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads plugins when their source files change on disk. Only
// file-backed sources are trackable; compiled-in plugins have nothing to
// watch.
type Watcher struct {
	log    *logrus.Logger
	router *Router
	fs     *fsnotify.Watcher

	mu      sync.Mutex
	plugins map[string]string // source path -> plugin name
}

// NewWatcher creates a watcher over the given router.
func NewWatcher(router *Router, log *logrus.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Watcher{
		log:     log,
		router:  router,
		fs:      fs,
		plugins: make(map[string]string),
	}, nil
}

// Track starts reloading plugin whenever path changes.
func (w *Watcher) Track(path, plugin string) error {
	if err := w.fs.Add(path); err != nil {
		return err
	}
	w.mu.Lock()
	w.plugins[path] = plugin
	w.mu.Unlock()
	return nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			plugin, tracked := w.plugins[ev.Name]
			w.mu.Unlock()
			if !tracked {
				continue
			}
			w.log.Infof("source of plugin %s changed, reloading", plugin)
			if err := w.router.ReloadPlugin(ctx, plugin); err != nil {
				w.log.WithError(err).Errorf("failed to reload plugin %s", plugin)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("plugin watcher error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
