package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	vmerrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/fingerprint"
	"github.com/vaultmirror/vaultmirror/internal/reconcile"
	"github.com/vaultmirror/vaultmirror/internal/scanner"
	"github.com/vaultmirror/vaultmirror/internal/store"
	"github.com/vaultmirror/vaultmirror/internal/vaultfs"
)

const reasonLocalChange = "local change"

// SyncFile uploads a single path immediately when its content differs
// from the tracked baseline. It does not take the sync flag: bbolt
// serializes the store update against any running pass. A missing file
// is left to the next full pass's deletion detection.
func (e *Engine) SyncFile(ctx context.Context, path string) error {
	path = vaultfs.NormalizePath(path)

	if reason := scanner.SkipReason(path, e.matcher); reason != "" {
		e.logger.Debug("skipping file not eligible for sync",
			slog.String("path", path),
			slog.String("reason", reason),
		)

		return nil
	}

	info, err := e.vault.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("stat %s: %w", path, err))
	}

	if info.IsDir() {
		return nil
	}

	content, err := e.vault.ReadFile(path)
	if err != nil {
		return vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("reading %s: %w", path, err))
	}

	hash := fingerprint.HashBytes(content)

	tracked, err := e.store.Get(path)
	if err != nil {
		return vmerrors.Classify(vmerrors.ErrStore, err)
	}

	if tracked != nil && tracked.Status == store.StatusActive && tracked.Hash == hash {
		e.logger.Debug("file unchanged, skipping upload", slog.String("path", path))
		return nil
	}

	mtime := fingerprint.Epoch(info.ModTime())

	opErr := e.remote.Upload(ctx, path, content, mtime)
	if opErr != nil {
		opErr = vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("uploading %s: %w", path, opErr))
	} else if putErr := e.store.Put(fingerprint.New(path, uint64(len(content)), mtime, hash)); putErr != nil {
		opErr = vmerrors.Classify(vmerrors.ErrStore, putErr)
	}

	e.appendLog(store.KindUpload, path, reasonLocalChange, opErr)

	if opErr != nil {
		return opErr
	}

	e.logger.Info("file synced", slog.String("path", path), slog.Int("bytes", len(content)))

	return nil
}

// PushLocal uploads every local file that is untracked or whose content
// differs from the tracked baseline. One-way: nothing is downloaded and
// no deletions are detected or resolved.
func (e *Engine) PushLocal(ctx context.Context) (Stats, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return Stats{}, vmerrors.ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	start := time.Now()
	e.logger.Info("push starting")

	local, err := e.local.Scan(ctx)
	if err != nil {
		return Stats{}, vmerrors.Classify(vmerrors.ErrScan, err)
	}

	tracked, err := e.store.ListTracked()
	if err != nil {
		return Stats{}, vmerrors.Classify(vmerrors.ErrStore, err)
	}

	var actions []reconcile.Action

	for _, path := range sortedPaths(local) {
		fp := local[path]

		tf, ok := tracked[path]
		switch {
		case !ok:
			actions = append(actions, reconcile.Action{
				Kind:       reconcile.ActionUpload,
				LocalPath:  path,
				RemotePath: path,
				Reason:     reconcile.ReasonNewLocal,
			})
		case tf.Hash != fp.Hash:
			actions = append(actions, reconcile.Action{
				Kind:       reconcile.ActionUpload,
				LocalPath:  path,
				RemotePath: path,
				Reason:     reconcile.ReasonLocalNewer,
			})
		}
	}

	e.logger.Info("push plan ready",
		slog.Int("local_files", len(local)),
		slog.Int("uploads", len(actions)),
	)

	return e.finishPass(ctx, start, "push", actions, nil)
}

// PullRemote downloads every remote file that is untracked or whose
// content differs from the tracked baseline. Paths parked as pending
// deletions are skipped so a pull cannot race the deletion lifecycle.
func (e *Engine) PullRemote(ctx context.Context) (Stats, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return Stats{}, vmerrors.ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	start := time.Now()
	e.logger.Info("pull starting")

	remoteFiles, err := e.remoteScn.Scan(ctx)
	if err != nil {
		return Stats{}, vmerrors.Classify(vmerrors.ErrScan, err)
	}

	tracked, err := e.store.ListTracked()
	if err != nil {
		return Stats{}, vmerrors.Classify(vmerrors.ErrStore, err)
	}

	var actions []reconcile.Action

	for _, path := range sortedPaths(remoteFiles) {
		rf := remoteFiles[path]

		tf, ok := tracked[path]
		switch {
		case !ok:
			actions = append(actions, reconcile.Action{
				Kind:       reconcile.ActionDownload,
				LocalPath:  path,
				RemotePath: path,
				Reason:     reconcile.ReasonNewRemote,
			})
		case tf.Status == store.StatusDeletedLocal:
			// Deletion detection owns this path until it is confirmed or
			// restored.
		case tf.Hash != rf.Hash:
			actions = append(actions, reconcile.Action{
				Kind:       reconcile.ActionDownload,
				LocalPath:  path,
				RemotePath: path,
				Reason:     reconcile.ReasonRemoteNewer,
			})
		}
	}

	e.logger.Info("pull plan ready",
		slog.Int("remote_files", len(remoteFiles)),
		slog.Int("downloads", len(actions)),
	)

	return e.finishPass(ctx, start, "pull", actions, remoteFiles)
}

// finishPass executes a one-way plan and assembles its stats.
func (e *Engine) finishPass(ctx context.Context, start time.Time, pass string, actions []reconcile.Action, remoteFiles map[string]fingerprint.Fingerprint) (Stats, error) {
	c := &counters{}

	if err := e.runActions(ctx, actions, remoteFiles, c); err != nil {
		return c.snapshot(start), err
	}

	stats := c.snapshot(start)
	e.logger.Info(pass+" complete",
		slog.Uint64("uploads", stats.Uploads),
		slog.Uint64("downloads", stats.Downloads),
		slog.Uint64("failures", stats.Failures),
		slog.Duration("duration", stats.Duration),
	)
	e.emit(Event{
		Kind:   EventPassDone,
		Detail: fmt.Sprintf("%d uploads, %d downloads, %d failures", stats.Uploads, stats.Downloads, stats.Failures),
	})

	if stats.Failures > 0 {
		return stats, vmerrors.Classify(vmerrors.ErrTransfer,
			fmt.Errorf("%d of %d actions failed", stats.Failures, len(actions)))
	}

	return stats, nil
}

func sortedPaths(m map[string]fingerprint.Fingerprint) []string {
	paths := make([]string, 0, len(m))
	for path := range m {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	return paths
}
