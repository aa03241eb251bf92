package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmirror/vaultmirror/internal/ignore"
	"github.com/vaultmirror/vaultmirror/internal/vaultfs"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestWatcher(t *testing.T, extra ...string) *Watcher {
	t.Helper()

	w := New(vaultfs.NewVault(t.TempDir()), ignore.NewMatcher(extra), 300*time.Millisecond, testLogger)

	// Unit tests drive handleEvent/sweep directly but still need a live
	// fsnotify handle for the directory-watch paths.
	fsw, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsw.Close() })
	w.watcher = fsw

	return w
}

func assertNoPath(t *testing.T, ch <-chan string) {
	t.Helper()

	select {
	case p := <-ch:
		t.Fatalf("unexpected path emitted: %q", p)
	default:
	}
}

func recvPath(t *testing.T, ch <-chan string, within time.Duration) string {
	t.Helper()

	select {
	case p := <-ch:
		return p
	case <-time.After(within):
		t.Fatalf("no path received within %s", within)
		return ""
	}
}

// --- shouldIgnore ---

func TestShouldIgnore(t *testing.T) {
	tests := []struct {
		path   string
		ignore bool
	}{
		{"notes/hello.md", false},
		{".git", true},
		{".hidden", true},
		{".obsidian", false},
		{".obsidian/app.json", false},
		{"file.swp", true},
		{"file~", true},
		{"regular.txt", false},
		{"sub/dir/file.md", false},
	}

	w := &Watcher{}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.ignore, w.shouldIgnore(tt.path), "shouldIgnore(%q)", tt.path)
		})
	}
}

// --- relPath ---

func TestRelPath_ConvertsAndNormalizes(t *testing.T) {
	w := newTestWatcher(t)

	rel, ok := w.relPath(filepath.Join(w.vault.Dir(), "sub", "note.md"))
	require.True(t, ok)
	assert.Equal(t, "sub/note.md", rel)

	// Decomposed unicode from the filesystem comes back composed.
	rel, ok = w.relPath(filepath.Join(w.vault.Dir(), "café.md"))
	require.True(t, ok)
	assert.Equal(t, "café.md", rel)
}

func TestRelPath_FiltersIgnorePatterns(t *testing.T) {
	w := newTestWatcher(t, "drafts/*")

	_, ok := w.relPath(filepath.Join(w.vault.Dir(), "drafts", "wip.md"))
	assert.False(t, ok)

	_, ok = w.relPath(filepath.Join(w.vault.Dir(), "scratch.tmp"))
	assert.False(t, ok, "built-in *.tmp pattern applies")
}

// --- handleEvent ---

func TestHandleEvent_WriteGoesPending(t *testing.T) {
	w := newTestWatcher(t)
	pending := make(map[string]time.Time)

	abs := filepath.Join(w.vault.Dir(), "a.md")
	w.handleEvent(context.Background(), fsnotify.Event{Name: abs, Op: fsnotify.Write}, pending)

	assert.Contains(t, pending, abs)
	assertNoPath(t, w.Changes())
	assertNoPath(t, w.Deletes())
}

func TestHandleEvent_CreatedDirectoryIsWatched(t *testing.T) {
	w := newTestWatcher(t)
	pending := make(map[string]time.Time)

	dir := filepath.Join(w.vault.Dir(), "newdir")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	w.handleEvent(context.Background(), fsnotify.Event{Name: dir, Op: fsnotify.Create}, pending)

	assert.Contains(t, w.watcher.WatchList(), dir)
}

func TestHandleEvent_RemoveEmitsDeleteImmediately(t *testing.T) {
	w := newTestWatcher(t)

	abs := filepath.Join(w.vault.Dir(), "sub", "gone.md")
	pending := map[string]time.Time{abs: time.Now()}

	w.handleEvent(context.Background(), fsnotify.Event{Name: abs, Op: fsnotify.Remove}, pending)

	assert.Equal(t, "sub/gone.md", recvPath(t, w.Deletes(), time.Second))
	assert.Empty(t, pending, "a pending write is dropped once the file is gone")
}

func TestHandleEvent_RenameEmitsDeleteForOldPath(t *testing.T) {
	w := newTestWatcher(t)
	pending := make(map[string]time.Time)

	abs := filepath.Join(w.vault.Dir(), "old.md")
	w.handleEvent(context.Background(), fsnotify.Event{Name: abs, Op: fsnotify.Rename}, pending)

	assert.Equal(t, "old.md", recvPath(t, w.Deletes(), time.Second))
}

func TestHandleEvent_IgnoredPathsAreDropped(t *testing.T) {
	w := newTestWatcher(t)
	pending := make(map[string]time.Time)

	for _, name := range []string{".lock", "note.md.swp", "buffer~"} {
		abs := filepath.Join(w.vault.Dir(), name)
		w.handleEvent(context.Background(), fsnotify.Event{Name: abs, Op: fsnotify.Write}, pending)
		w.handleEvent(context.Background(), fsnotify.Event{Name: abs, Op: fsnotify.Remove}, pending)
	}

	assert.Empty(t, pending)
	assertNoPath(t, w.Changes())
	assertNoPath(t, w.Deletes())
}

// --- sweep ---

func TestSweep_EmitsAfterQuietPeriod(t *testing.T) {
	w := newTestWatcher(t)

	abs := filepath.Join(w.vault.Dir(), "a.md")
	seen := time.Now()
	pending := map[string]time.Time{abs: seen}

	w.sweep(context.Background(), pending, seen.Add(100*time.Millisecond))
	assertNoPath(t, w.Changes())
	assert.Contains(t, pending, abs, "still inside the quiet period")

	w.sweep(context.Background(), pending, seen.Add(400*time.Millisecond))
	assert.Equal(t, "a.md", recvPath(t, w.Changes(), time.Second))
	assert.Empty(t, pending)
}

func TestSweep_RearmedWriteStaysPending(t *testing.T) {
	w := newTestWatcher(t)

	abs := filepath.Join(w.vault.Dir(), "busy.md")
	seen := time.Now()
	pending := map[string]time.Time{abs: seen}

	// A later write re-arms the entry; sweeping at the original deadline
	// emits nothing.
	pending[abs] = seen.Add(200 * time.Millisecond)

	w.sweep(context.Background(), pending, seen.Add(350*time.Millisecond))
	assertNoPath(t, w.Changes())
	assert.Contains(t, pending, abs)
}

func TestSweep_DropsIgnoredPatterns(t *testing.T) {
	w := newTestWatcher(t, "drafts/*")

	abs := filepath.Join(w.vault.Dir(), "drafts", "wip.md")
	seen := time.Now()
	pending := map[string]time.Time{abs: seen}

	w.sweep(context.Background(), pending, seen.Add(time.Second))

	assertNoPath(t, w.Changes())
	assert.Empty(t, pending)
}

// --- full loop ---

func TestWatch_EmitsChangesAndDeletes(t *testing.T) {
	v := vaultfs.NewVault(t.TempDir())
	w := New(v, ignore.NewMatcher(nil), 50*time.Millisecond, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher a moment to install its watches.
	time.Sleep(100 * time.Millisecond)

	abs := filepath.Join(v.Dir(), "a.md")
	require.NoError(t, os.WriteFile(abs, []byte("alpha"), 0o644))

	assert.Equal(t, "a.md", recvPath(t, w.Changes(), 3*time.Second))

	require.NoError(t, os.Remove(abs))
	assert.Equal(t, "a.md", recvPath(t, w.Deletes(), 3*time.Second))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWatch_PicksUpNewDirectories(t *testing.T) {
	v := vaultfs.NewVault(t.TempDir())
	w := New(v, ignore.NewMatcher(nil), 50*time.Millisecond, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)

	dir := filepath.Join(v.Dir(), "notes")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// Wait for the new directory's watch to land before writing into it.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("beta"), 0o644))

	// The directory creation itself and the file write both surface as
	// changes; collect until the file arrives.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case p := <-w.Changes():
			if p == "notes/b.md" {
				cancel()
				require.ErrorIs(t, <-done, context.Canceled)
				return
			}
		case <-deadline:
			t.Fatal("notes/b.md never emitted")
		}
	}
}
