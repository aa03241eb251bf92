// Package watcher turns fsnotify events on the vault directory into
// vault-relative change and delete paths for the engine's daemon loop.
// Writes are debounced so editors that save in bursts produce one
// change; deletes are forwarded immediately so the deletion lifecycle
// starts as soon as a file disappears.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vaultmirror/vaultmirror/internal/ignore"
	"github.com/vaultmirror/vaultmirror/internal/vaultfs"
)

const (
	// defaultDebounce is the quiet period before a changed file is
	// emitted.
	defaultDebounce = 2 * time.Second

	// sweepInterval is how often the pending set is checked for entries
	// past their quiet period.
	sweepInterval = 500 * time.Millisecond

	// chanSize buffers emitted paths so a slow consumer does not stall
	// the fsnotify event loop.
	chanSize = 64
)

// Watcher monitors the vault directory recursively and emits
// vault-relative paths on its Changes and Deletes channels.
type Watcher struct {
	vault    *vaultfs.Vault
	matcher  *ignore.Matcher
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	changes chan string
	deletes chan string
}

// New creates a watcher. debounce is the quiet period for write events;
// values <= 0 fall back to the default.
func New(vault *vaultfs.Vault, matcher *ignore.Matcher, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	return &Watcher{
		vault:    vault,
		matcher:  matcher,
		debounce: debounce,
		logger:   logger,
		changes:  make(chan string, chanSize),
		deletes:  make(chan string, chanSize),
	}
}

// Changes returns the channel of debounced changed-file paths.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

// Deletes returns the channel of deleted-file paths.
func (w *Watcher) Deletes() <-chan string {
	return w.deletes
}

// Watch starts watching the vault directory for changes. It blocks
// until the context is cancelled. Directories are watched recursively,
// including ones created while watching.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	dir := w.vault.Dir()

	if err := w.addRecursive(dir); err != nil {
		return fmt.Errorf("watching vault dir: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", dir))

	// Debounce: batch rapid writes into a single emission per file.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("fsnotify events channel closed unexpectedly")
			}

			w.handleEvent(ctx, event, pending)

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.sweep(ctx, pending, time.Now())
		}
	}
}

// handleEvent records writes in the pending set and forwards deletes
// immediately.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event, pending map[string]time.Time) {
	if w.shouldIgnore(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		pending[event.Name] = time.Now()

		// If a new directory was created, watch it recursively.
		if event.Has(fsnotify.Create) {
			info, err := os.Stat(event.Name)
			if err == nil && info.IsDir() {
				if err := w.addRecursive(event.Name); err != nil {
					w.logger.Warn("watching new directory",
						slog.String("path", event.Name),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// For rename, fsnotify fires Remove on the old path. The new
		// path fires Create separately.
		delete(pending, event.Name)
		// Remove watch for deleted directories. On Linux inotify handles
		// this automatically, but other platforms may leak.
		_ = w.watcher.Remove(event.Name)

		if relPath, ok := w.relPath(event.Name); ok {
			w.send(ctx, w.deletes, relPath)
		}
	}
}

// sweep emits every pending write past its quiet period.
func (w *Watcher) sweep(ctx context.Context, pending map[string]time.Time, now time.Time) {
	for absPath, seen := range pending {
		if now.Sub(seen) < w.debounce {
			continue
		}

		delete(pending, absPath)

		if relPath, ok := w.relPath(absPath); ok {
			w.send(ctx, w.changes, relPath)
		}
	}
}

// send delivers a path without outliving the context.
func (w *Watcher) send(ctx context.Context, ch chan string, relPath string) {
	select {
	case ch <- relPath:
	case <-ctx.Done():
	}
}

// relPath converts an event path to a vault-relative one, applying the
// ignore patterns. The second return is false for filtered paths.
func (w *Watcher) relPath(absPath string) (string, bool) {
	relPath, err := filepath.Rel(w.vault.Dir(), absPath)
	if err != nil {
		w.logger.Warn("computing relative path", slog.String("error", err.Error()))
		return "", false
	}

	relPath = vaultfs.NormalizePath(relPath)

	if w.matcher.Match(relPath) {
		return "", false
	}

	return relPath, true
}

func (w *Watcher) addRecursive(dir string) error {
	root := w.vault.Dir()

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		// Never skip the vault root itself, even when its own name is
		// hidden.
		if path != root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

// shouldIgnore filters event paths by basename: hidden files and dirs
// except .obsidian, plus editor swap artifacts. Pattern-based filtering
// happens later in relPath, after the path is made vault-relative.
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") && base != ".obsidian" {
		return true
	}

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}

	return false
}
