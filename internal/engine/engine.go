// Package engine coordinates sync passes: it owns the scanners,
// reconciler, executor, and deletion manager, and exposes the pass
// operations the CLI, daemon loop, and MCP tools trigger. All pass
// mutations flow through the store's transactions; no store transaction
// is ever held across network I/O.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vaultmirror/vaultmirror/internal/deletion"
	vmerrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/fingerprint"
	"github.com/vaultmirror/vaultmirror/internal/ignore"
	"github.com/vaultmirror/vaultmirror/internal/reconcile"
	"github.com/vaultmirror/vaultmirror/internal/remote"
	"github.com/vaultmirror/vaultmirror/internal/scanner"
	"github.com/vaultmirror/vaultmirror/internal/store"
	"github.com/vaultmirror/vaultmirror/internal/vaultfs"
)

const (
	// defaultTransferWorkers bounds the executor's concurrent transfers.
	defaultTransferWorkers = 4

	// remoteChangeDebounce is the quiet period after a change-feed event
	// before a full sync is triggered.
	remoteChangeDebounce = 2 * time.Second
)

// Options configures an Engine. Vault, Store, Remote, Matcher, and
// Logger are required; the rest default sensibly.
type Options struct {
	Vault   *vaultfs.Vault
	Store   *store.Store
	Remote  remote.Store
	Matcher *ignore.Matcher
	Logger  *slog.Logger

	// TransferWorkers bounds concurrent uploads/downloads during a pass.
	TransferWorkers int

	// HashWorkers bounds concurrent hashing during the local scan.
	HashWorkers int

	// AutoConfirmDeletions confirms every pending deletion at the end of
	// a full pass without prompting.
	AutoConfirmDeletions bool

	// Prompt resolves pending deletions interactively when
	// AutoConfirmDeletions is off. Nil leaves deletions pending.
	Prompt deletion.Prompt

	// SnapshotRemote is a store client rooted at the snapshots folder.
	// Nil disables the snapshot operation.
	SnapshotRemote remote.Store

	// SnapshotsRoot is the remote directory SnapshotRemote is rooted at,
	// used only to report full snapshot paths.
	SnapshotsRoot string

	// SyncInterval drives the daemon scheduler; zero disables it.
	SyncInterval time.Duration

	// LocalChanges and LocalDeletes carry watcher events into the daemon
	// loop. Nil channels disable the corresponding trigger.
	LocalChanges <-chan string
	LocalDeletes <-chan string

	// RemoteChanges carries change-feed events into the daemon loop.
	RemoteChanges <-chan remote.Change
}

// Engine coordinates all sync operations over one vault/store/remote
// triple. Safe for concurrent use: a full pass is guarded by an atomic
// flag and store writes are serialized by bbolt.
type Engine struct {
	vault     *vaultfs.Vault
	store     *store.Store
	remote    remote.Store
	matcher   *ignore.Matcher
	local     *scanner.Local
	remoteScn *scanner.Remote
	deletions *deletion.Manager
	logger    *slog.Logger

	workers       int
	autoConfirm   bool
	prompt        deletion.Prompt
	snapRemote    remote.Store
	snapshotsRoot string
	syncInterval  time.Duration

	localChanges  <-chan string
	localDeletes  <-chan string
	remoteChanges <-chan remote.Change

	syncing  atomic.Bool
	commands chan Command
	events   chan Event
}

// New creates an Engine from options.
func New(opts Options) *Engine {
	workers := opts.TransferWorkers
	if workers < 1 {
		workers = defaultTransferWorkers
	}

	return &Engine{
		vault:         opts.Vault,
		store:         opts.Store,
		remote:        opts.Remote,
		matcher:       opts.Matcher,
		local:         scanner.NewLocal(opts.Vault, opts.Matcher, opts.HashWorkers, opts.Logger),
		remoteScn:     scanner.NewRemote(opts.Remote, opts.Matcher, opts.Logger),
		deletions:     deletion.NewManager(opts.Store, opts.Remote, opts.Vault, opts.Logger),
		logger:        opts.Logger,
		workers:       workers,
		autoConfirm:   opts.AutoConfirmDeletions,
		prompt:        opts.Prompt,
		snapRemote:    opts.SnapshotRemote,
		snapshotsRoot: opts.SnapshotsRoot,
		syncInterval:  opts.SyncInterval,
		localChanges:  opts.LocalChanges,
		localDeletes:  opts.LocalDeletes,
		remoteChanges: opts.RemoteChanges,
		commands:      make(chan Command, commandChanSize),
		events:        make(chan Event, eventChanSize),
	}
}

// Deletions exposes the deletion manager for the CLI and MCP surfaces.
func (e *Engine) Deletions() *deletion.Manager {
	return e.deletions
}

// SyncInProgress reports whether a pass currently holds the sync flag.
func (e *Engine) SyncInProgress() bool {
	return e.syncing.Load()
}

// FullSync runs one complete three-way pass: concurrent scans, deletion
// detection, reconciliation, transfer execution, deletion resolution.
// A concurrent call is rejected with ErrSyncInProgress, never queued.
func (e *Engine) FullSync(ctx context.Context) (Stats, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return Stats{}, vmerrors.ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	start := time.Now()
	e.logger.Info("full sync starting")

	local, remoteFiles, err := e.scanBoth(ctx)
	if err != nil {
		return Stats{}, err
	}

	// Deletion detection consumes the local scan before reconciliation,
	// so a deleted-but-tracked path is parked before the diff runs and
	// can never be resurrected by it.
	active, err := e.store.ListActive()
	if err != nil {
		return Stats{}, vmerrors.Classify(vmerrors.ErrStore, err)
	}

	if missing := scanner.Missing(local, active); len(missing) > 0 {
		if err := e.deletions.HandleMissing(missing); err != nil {
			return Stats{}, err
		}
	}

	tracked, err := e.store.ListTracked()
	if err != nil {
		return Stats{}, vmerrors.Classify(vmerrors.ErrStore, err)
	}

	// A pending-deletion path that is back on disk was recreated by the
	// user; reactivate it instead of leaving a stale deletion open.
	if err := e.reactivateRecreated(local, tracked); err != nil {
		return Stats{}, err
	}

	actions := reconcile.Diff(local, remoteFiles, func(path string) bool {
		_, ok := tracked[path]
		return ok
	})

	e.logger.Info("reconciliation complete",
		slog.Int("local_files", len(local)),
		slog.Int("remote_files", len(remoteFiles)),
		slog.Int("actions", len(actions)),
	)

	c := &counters{}

	if err := e.runActions(ctx, actions, remoteFiles, c); err != nil {
		return c.snapshot(start), err
	}

	if err := e.deletions.Resolve(ctx, e.autoConfirm, e.prompt); err != nil {
		if errors.Is(err, vmerrors.ErrStore) {
			return c.snapshot(start), err
		}

		e.logger.Warn("resolving pending deletions", slog.String("error", err.Error()))
	}

	stats := c.snapshot(start)
	e.logger.Info("full sync complete",
		slog.Uint64("uploads", stats.Uploads),
		slog.Uint64("downloads", stats.Downloads),
		slog.Uint64("failures", stats.Failures),
		slog.Uint64("bytes_moved", stats.BytesMoved),
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

// scanBoth runs the local and remote scans concurrently.
func (e *Engine) scanBoth(ctx context.Context) (local, remoteFiles map[string]fingerprint.Fingerprint, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var scanErr error

		local, scanErr = e.local.Scan(gctx)
		if scanErr != nil {
			return vmerrors.Classify(vmerrors.ErrScan, scanErr)
		}

		return nil
	})

	g.Go(func() error {
		var scanErr error

		remoteFiles, scanErr = e.remoteScn.Scan(gctx)
		if scanErr != nil {
			return vmerrors.Classify(vmerrors.ErrScan, scanErr)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return local, remoteFiles, nil
}

// reactivateRecreated flips deleted_local rows back to active when the
// path is present in the current local scan, updating the caller's
// tracked map in place.
func (e *Engine) reactivateRecreated(local map[string]fingerprint.Fingerprint, tracked map[string]store.TrackedFile) error {
	for path, tf := range tracked {
		if tf.Status != store.StatusDeletedLocal {
			continue
		}

		if _, onDisk := local[path]; !onDisk {
			continue
		}

		if err := e.store.Restore(path); err != nil {
			return vmerrors.Classify(vmerrors.ErrStore, err)
		}

		tf.Status = store.StatusActive
		tracked[path] = tf

		e.logger.Info("recreated file reactivated", slog.String("path", path))
	}

	return nil
}
