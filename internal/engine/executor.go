package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	vmerrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/fingerprint"
	"github.com/vaultmirror/vaultmirror/internal/reconcile"
	"github.com/vaultmirror/vaultmirror/internal/store"
)

// runActions drains the action list through a bounded worker pool.
// Transfer failures are counted and isolated per action; a store
// failure cancels the remaining work and aborts the pass.
func (e *Engine) runActions(ctx context.Context, actions []reconcile.Action, remoteFiles map[string]fingerprint.Fingerprint, c *counters) error {
	if len(actions) == 0 {
		return nil
	}

	total := len(actions)

	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, action := range actions {
		g.Go(func() error {
			err := e.runAction(gctx, action, remoteFiles, c)

			e.emit(Event{
				Kind:      EventProgress,
				Path:      action.LocalPath,
				Detail:    action.Reason,
				Completed: int(completed.Add(1)),
				Total:     total,
			})

			if err != nil && errors.Is(err, vmerrors.ErrStore) {
				return err
			}

			return nil
		})
	}

	return g.Wait()
}

func (e *Engine) runAction(ctx context.Context, a reconcile.Action, remoteFiles map[string]fingerprint.Fingerprint, c *counters) error {
	var (
		bytes int
		err   error
		kind  string
	)

	switch a.Kind {
	case reconcile.ActionUpload:
		kind = store.KindUpload
		bytes, err = e.uploadAction(ctx, a)
	case reconcile.ActionDownload:
		kind = store.KindDownload
		bytes, err = e.downloadAction(ctx, a, remoteFiles)
	default:
		kind = string(a.Kind)
		err = vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("unknown action kind %q", a.Kind))
	}

	e.appendLog(kind, a.LocalPath, a.Reason, err)

	if err != nil {
		c.failures.Add(1)

		e.logger.Warn("sync action failed",
			slog.String("kind", kind),
			slog.String("path", a.LocalPath),
			slog.String("reason", a.Reason),
			slog.String("error", err.Error()),
		)

		return err
	}

	switch a.Kind {
	case reconcile.ActionUpload:
		c.uploads.Add(1)
	case reconcile.ActionDownload:
		c.downloads.Add(1)
	}

	c.bytesMoved.Add(uint64(bytes))

	e.logger.Info("sync action complete",
		slog.String("kind", kind),
		slog.String("path", a.LocalPath),
		slog.String("reason", a.Reason),
		slog.Int("bytes", bytes),
	)

	return nil
}

// uploadAction reads the local file and overwrites the remote copy,
// then records the uploaded content as the new baseline.
func (e *Engine) uploadAction(ctx context.Context, a reconcile.Action) (int, error) {
	content, err := e.vault.ReadFile(a.LocalPath)
	if err != nil {
		return 0, vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("reading %s: %w", a.LocalPath, err))
	}

	info, err := e.vault.Stat(a.LocalPath)
	if err != nil {
		return 0, vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("stat %s: %w", a.LocalPath, err))
	}

	mtime := fingerprint.Epoch(info.ModTime())

	if err := e.remote.Upload(ctx, a.RemotePath, content, mtime); err != nil {
		return 0, vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("uploading %s: %w", a.RemotePath, err))
	}

	fp := fingerprint.New(a.LocalPath, uint64(len(content)), mtime, fingerprint.HashBytes(content))
	if err := e.store.Put(fp); err != nil {
		return len(content), vmerrors.Classify(vmerrors.ErrStore, err)
	}

	return len(content), nil
}

// downloadAction fetches the remote copy, writes it atomically with the
// remote mtime preserved, and records the written content as the new
// baseline after a fresh stat.
func (e *Engine) downloadAction(ctx context.Context, a reconcile.Action, remoteFiles map[string]fingerprint.Fingerprint) (int, error) {
	content, err := e.remote.Download(ctx, a.RemotePath)
	if err != nil {
		return 0, vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("downloading %s: %w", a.RemotePath, err))
	}

	var mtime time.Time
	if rf, ok := remoteFiles[a.RemotePath]; ok && rf.Mtime > 0 {
		mtime = fingerprint.TimeFromEpoch(rf.Mtime)
	}

	if err := e.vault.WriteFileAtomic(a.LocalPath, content, mtime); err != nil {
		return 0, vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("writing %s: %w", a.LocalPath, err))
	}

	info, err := e.vault.Stat(a.LocalPath)
	if err != nil {
		return len(content), vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("stat %s: %w", a.LocalPath, err))
	}

	fp := fingerprint.New(a.LocalPath, uint64(info.Size()), fingerprint.Epoch(info.ModTime()), fingerprint.HashBytes(content))
	if err := e.store.Put(fp); err != nil {
		return len(content), vmerrors.Classify(vmerrors.ErrStore, err)
	}

	return len(content), nil
}

// appendLog records one transfer attempt. Log failures never fail the
// transfer they describe.
func (e *Engine) appendLog(kind, path, reason string, opErr error) {
	entry := store.LogEntry{
		Time:    time.Now().UTC(),
		Kind:    kind,
		Path:    path,
		Outcome: store.OutcomeSuccess,
		Detail:  reason,
	}

	if opErr != nil {
		entry.Outcome = store.OutcomeError
		entry.Detail = reason + ": " + opErr.Error()
	}

	if err := e.store.AppendLog(entry); err != nil {
		e.logger.Warn("appending sync log entry",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
