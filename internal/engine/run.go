package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	vmerrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/snapshot"
	"github.com/vaultmirror/vaultmirror/internal/store"
)

// CommandKind labels queued engine commands.
type CommandKind string

const (
	CommandFullSync         CommandKind = "full_sync"
	CommandPush             CommandKind = "push"
	CommandPull             CommandKind = "pull"
	CommandConfirmDeletions CommandKind = "confirm_deletions"
	CommandRestorePaths     CommandKind = "restore_paths"
	CommandSnapshot         CommandKind = "snapshot"
)

// Command is a queued request for the daemon loop. Paths applies to the
// deletion commands only.
type Command struct {
	Kind  CommandKind
	Paths []string
}

// Submit queues a command for the daemon loop without blocking. It
// reports false when the queue is full or nothing is draining it.
func (e *Engine) Submit(cmd Command) bool {
	select {
	case e.commands <- cmd:
		return true
	default:
		return false
	}
}

// Snapshot archives the vault and uploads it to the snapshots folder,
// returning the full remote path of the archive.
func (e *Engine) Snapshot(ctx context.Context) (string, error) {
	if e.snapRemote == nil {
		return "", vmerrors.Classify(vmerrors.ErrTransfer, errors.New("snapshots not configured"))
	}

	name, err := snapshot.Create(ctx, e.vault, e.matcher, e.snapRemote, e.logger)
	if name != "" {
		e.appendLog(store.KindSnapshot, name, "vault snapshot", err)
	}

	if err != nil {
		return "", err
	}

	return path.Join(e.snapshotsRoot, name), nil
}

// Run drives the engine as a daemon: an initial full pass, then passes
// on the scheduler tick, on debounced remote change-feed events, and on
// watcher events (changed files upload immediately, deleted files are
// parked as pending deletions). Queued commands are executed inline.
// Run owns the pass serialization for its own triggers; external
// FullSync calls still race it and lose with ErrSyncInProgress.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		slog.Duration("sync_interval", e.syncInterval),
		slog.Bool("auto_confirm_deletions", e.autoConfirm),
	)

	e.runScheduled(ctx, "startup")

	var tick <-chan time.Time

	if e.syncInterval > 0 {
		ticker := time.NewTicker(e.syncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// The debounce timer coalesces bursts of change-feed events into one
	// pass; it is created on the first event and re-armed on each
	// subsequent one.
	var (
		debounce      *time.Timer
		debounceFired <-chan time.Time
	)

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping")
			return ctx.Err()

		case <-tick:
			e.runScheduled(ctx, "interval")

		case changed, ok := <-e.localChanges:
			if !ok {
				e.localChanges = nil
				continue
			}

			if err := e.SyncFile(ctx, changed); err != nil {
				e.logger.Warn("syncing changed file",
					slog.String("path", changed),
					slog.String("error", err.Error()),
				)
			}

		case deleted, ok := <-e.localDeletes:
			if !ok {
				e.localDeletes = nil
				continue
			}

			if err := e.deletions.HandleMissing([]string{deleted}); err != nil {
				e.logger.Warn("recording local deletion",
					slog.String("path", deleted),
					slog.String("error", err.Error()),
				)
			}

		case change, ok := <-e.remoteChanges:
			if !ok {
				e.remoteChanges = nil
				continue
			}

			e.logger.Debug("remote change received",
				slog.String("path", change.Path),
				slog.String("kind", string(change.Kind)),
			)

			if debounce == nil {
				debounce = time.NewTimer(remoteChangeDebounce)
				debounceFired = debounce.C
			} else {
				debounce.Reset(remoteChangeDebounce)
			}

		case <-debounceFired:
			e.runScheduled(ctx, "remote_change")

		case cmd := <-e.commands:
			e.handleCommand(ctx, cmd)
		}
	}
}

// runScheduled runs a full pass for a loop trigger, demoting all
// failures to log entries so the daemon keeps running.
func (e *Engine) runScheduled(ctx context.Context, trigger string) {
	if _, err := e.FullSync(ctx); err != nil {
		if errors.Is(err, vmerrors.ErrSyncInProgress) {
			e.logger.Debug("sync skipped, another pass is running", slog.String("trigger", trigger))
			return
		}

		e.logger.Warn("sync failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd Command) {
	var err error

	switch cmd.Kind {
	case CommandFullSync:
		_, err = e.FullSync(ctx)
	case CommandPush:
		_, err = e.PushLocal(ctx)
	case CommandPull:
		_, err = e.PullRemote(ctx)
	case CommandConfirmDeletions:
		err = e.deletions.Confirm(ctx, cmd.Paths)
	case CommandRestorePaths:
		err = e.deletions.Restore(ctx, cmd.Paths)
	case CommandSnapshot:
		_, err = e.Snapshot(ctx)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Kind)
	}

	if err != nil {
		e.logger.Warn("command failed",
			slog.String("command", string(cmd.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}

	e.logger.Info("command complete", slog.String("command", string(cmd.Kind)))
}
