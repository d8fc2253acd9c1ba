package index

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"codequery/internal/walker"
)

// DefaultDebounce coalesces editor write bursts into one reconcile.
const DefaultDebounce = 300 * time.Millisecond

// debouncer runs one deferred call per key, resetting the timer on every
// schedule. Cancel discards a pending call without running it.
type debouncer struct {
	delay time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newDebouncer(delay time.Duration) *debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &debouncer{delay: delay, timers: make(map[string]*time.Timer)}
}

func (d *debouncer) Schedule(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
}

func (d *debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
}

// CancelPrefix discards the pending call for key and for every key under
// key as a path prefix.
func (d *debouncer) CancelPrefix(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := key + "/"
	for k, t := range d.timers {
		if k == key || strings.HasPrefix(k, prefix) {
			t.Stop()
			delete(d.timers, k)
		}
	}
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}

// Watcher keeps the index in sync with filesystem changes. Edits debounce
// per file; a delete cancels any pending reconcile for that file before
// removing its chunks.
type Watcher struct {
	mgr      *Manager
	wk       *walker.Walker
	log      *slog.Logger
	debounce *debouncer
}

// NewWatcher creates a watcher driving the given manager.
func NewWatcher(mgr *Manager, wk *walker.Walker, log *slog.Logger, debounce time.Duration) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		mgr:      mgr,
		wk:       wk,
		log:      log,
		debounce: newDebouncer(debounce),
	}
}

// Run watches the roots until the context is cancelled.
func (w *Watcher) Run(ctx context.Context, roots []string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	defer w.debounce.Stop()

	absRoots := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolve root %s: %w", root, err)
		}
		absRoots = append(absRoots, abs)
		if err := w.addRecursive(fw, abs, abs); err != nil {
			return err
		}
	}
	w.log.Info("watching for changes", "roots", absRoots)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, absRoots, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, roots []string, event fsnotify.Event) {
	root := owningRoot(roots, event.Name)
	if root == "" {
		return
	}
	if w.wk.Excluded(root, event.Name) {
		return
	}
	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// The path may have been a directory, in which case everything
		// indexed under it has to go too.
		w.debounce.CancelPrefix(rel)
		if err := w.mgr.RemoveTree(ctx, rel); err != nil {
			w.log.Warn("remove failed", "path", rel, "error", err)
		}

	case event.Op&fsnotify.Create != 0:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(fw, root, event.Name); err != nil {
				w.log.Warn("watch new directory failed", "path", event.Name, "error", err)
			}
			return
		}
		w.scheduleReconcile(ctx, root, rel, event.Name)

	case event.Op&fsnotify.Write != 0:
		w.scheduleReconcile(ctx, root, rel, event.Name)
	}
}

func (w *Watcher) scheduleReconcile(ctx context.Context, root, rel, abs string) {
	if !w.wk.Eligible(abs) {
		return
	}
	fi := walker.FileInfo{Path: abs, RelPath: rel, Root: root}
	w.debounce.Schedule(rel, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.mgr.ReconcileFile(ctx, fi, false); err != nil {
			w.log.Warn("reconcile failed", "path", rel, "error", err)
		} else {
			w.log.Debug("reconciled", "path", rel)
		}
	})
}

// addRecursive watches dir and every non-excluded directory under it.
func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.wk.Excluded(root, path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			w.log.Warn("watch add failed", "path", path, "error", err)
		}
		return nil
	})
}

func owningRoot(roots []string, path string) string {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}
