package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codequery/internal/vectorstore"
)

func newTestWatcher(t *testing.T, provider *countingProvider) (*Watcher, *Manager, vectorstore.Store, *fsnotify.Watcher) {
	t.Helper()
	mgr, store, wk := newTestManager(t, provider)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w := NewWatcher(mgr, wk, log, 20*time.Millisecond)
	fw, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	t.Cleanup(func() { fw.Close() })
	return w, mgr, store, fw
}

func hasFile(t *testing.T, store vectorstore.Store, rel string) bool {
	t.Helper()
	hashes, err := store.HashesForFile(context.Background(), rel)
	require.NoError(t, err)
	return len(hashes) > 0
}

func TestWatcherWriteEventReconciles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "demo.go", twoFuncs)

	provider := newCountingProvider()
	w, _, store, fw := newTestWatcher(t, provider)
	ctx := context.Background()

	w.handleEvent(ctx, fw, []string{dir}, fsnotify.Event{Name: path, Op: fsnotify.Write})

	assert.Eventually(t, func() bool {
		return hasFile(t, store, "demo.go")
	}, time.Second, 10*time.Millisecond, "a write event must index the file after the debounce window")
}

func TestWatcherRemoveCancelsPendingAndDeletes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "demo.go", twoFuncs)

	provider := newCountingProvider()
	w, mgr, store, fw := newTestWatcher(t, provider)
	ctx := context.Background()

	_, err := mgr.ReconcileAll(ctx, []string{dir})
	require.NoError(t, err)
	require.True(t, hasFile(t, store, "demo.go"))

	// An edit burst ends in a delete before the debounce fires: the pending
	// reconcile is discarded and the records go.
	w.handleEvent(ctx, fw, []string{dir}, fsnotify.Event{Name: path, Op: fsnotify.Write})
	require.NoError(t, os.Remove(path))
	w.handleEvent(ctx, fw, []string{dir}, fsnotify.Event{Name: path, Op: fsnotify.Remove})

	assert.Eventually(t, func() bool {
		return !hasFile(t, store, "demo.go")
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, hasFile(t, store, "demo.go"), "cancelled reconcile must not resurrect the file")
}

func TestWatcherRemoveDirectoryDropsChildren(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", twoFuncs)
	writeFile(t, dir, "sub/a.go", "package sub\n\nfunc A() int {\n\treturn 1\n}\n")
	writeFile(t, dir, "sub/b.go", "package sub\n\nfunc B() int {\n\treturn 2\n}\n")

	provider := newCountingProvider()
	w, mgr, store, fw := newTestWatcher(t, provider)
	ctx := context.Background()

	_, err := mgr.ReconcileAll(ctx, []string{dir})
	require.NoError(t, err)
	require.True(t, hasFile(t, store, "sub/a.go"))

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.RemoveAll(sub))
	w.handleEvent(ctx, fw, []string{dir}, fsnotify.Event{Name: sub, Op: fsnotify.Remove})

	assert.False(t, hasFile(t, store, "sub/a.go"))
	assert.False(t, hasFile(t, store, "sub/b.go"))
	assert.True(t, hasFile(t, store, "main.go"), "siblings outside the removed directory stay indexed")
}

func TestWatcherNewDirectoryJoinsWatch(t *testing.T) {
	dir := t.TempDir()

	provider := newCountingProvider()
	w, _, _, fw := newTestWatcher(t, provider)
	ctx := context.Background()

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	w.handleEvent(ctx, fw, []string{dir}, fsnotify.Event{Name: sub, Op: fsnotify.Create})

	assert.Contains(t, fw.WatchList(), sub)
}

func TestWatcherIgnoresExcludedPaths(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "node_modules/lib.js", "var x = 1\n")

	provider := newCountingProvider()
	w, _, store, fw := newTestWatcher(t, provider)
	ctx := context.Background()

	w.handleEvent(ctx, fw, []string{dir}, fsnotify.Event{Name: path, Op: fsnotify.Write})

	time.Sleep(100 * time.Millisecond)
	assert.False(t, hasFile(t, store, "node_modules/lib.js"))
	assert.Equal(t, 0, provider.callCount())
}
