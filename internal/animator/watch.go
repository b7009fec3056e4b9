package animator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// boundClipAnimator is a ClipAnimator whose source path is fixed at
// registration time rather than passed at create(); this is what lets
// a motion file dropped into the watched directory become its own
// animator kind, addressable by filename alone.
type boundClipAnimator struct {
	ClipAnimator
	path string
}

func (b *boundClipAnimator) Initialize(_ string) error {
	return b.ClipAnimator.Initialize(b.path)
}

func clipKindFactory(path string) Factory {
	return func() Animator { return &boundClipAnimator{path: path} }
}

func kindFromFilename(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Watcher watches a directory of baked motion clips and registers each
// file created or written there as an animator kind, hot-reloading the
// animator-kind registry as files are added. Removing or renaming a
// file is only logged; its kind stays registered. Grounded on
// the pack's fsnotify idiom (helixml-helix's
// desktop.ClaudeJSONLWatcher: an fsnotify.Watcher plus a
// context-cancelable event loop goroutine).
type Watcher struct {
	dir      string
	registry *Registry
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
}

// NewWatcher constructs a Watcher over dir. Call Start to begin
// watching; registered kinds are named after each file's basename
// without extension.
func NewWatcher(dir string, registry *Registry, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, registry: registry, logger: logger}
}

// Start performs an initial scan of dir, registering every file found
// as a clip kind, then begins watching for further create/write
// events (registering the file) until ctx is canceled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.registerFile(e.Name())
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.loop(watchCtx)

	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.registerFile(name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.logger.Debug("animator watcher: file removed, kind stays registered for in-flight sessions", "file", name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("animator watcher: error", "error", err)
		}
	}
}

func (w *Watcher) registerFile(name string) {
	kind := kindFromFilename(name)
	if kind == "" {
		return
	}
	path := filepath.Join(w.dir, name)
	w.registry.Register(kind, clipKindFactory(path))
	w.logger.Info("animator watcher: registered kind", "kind", kind, "path", path)
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}
