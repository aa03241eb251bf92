package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	vmerrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/store"
)

// Stats summarizes a single sync pass.
type Stats struct {
	Uploads    uint64        `json:"uploads"`
	Downloads  uint64        `json:"downloads"`
	Failures   uint64        `json:"failures"`
	BytesMoved uint64        `json:"bytes_moved"`
	Duration   time.Duration `json:"duration"`
}

// counters accumulates transfer totals across the worker pool.
type counters struct {
	uploads    atomic.Uint64
	downloads  atomic.Uint64
	failures   atomic.Uint64
	bytesMoved atomic.Uint64
}

func (c *counters) snapshot(start time.Time) Stats {
	return Stats{
		Uploads:    c.uploads.Load(),
		Downloads:  c.downloads.Load(),
		Failures:   c.failures.Load(),
		BytesMoved: c.bytesMoved.Load(),
		Duration:   time.Since(start),
	}
}

// Status describes the engine's current state for operator surfaces.
type Status struct {
	Account          string    `json:"account,omitempty"`
	TrackedFiles     int       `json:"tracked_files"`
	PendingDeletions int       `json:"pending_deletions"`
	SyncInProgress   bool      `json:"sync_in_progress"`
	LastActivity     time.Time `json:"last_activity,omitempty"`
}

// Status reports tracked-file and deletion counts alongside the remote
// account name. A remote failure degrades to an empty account rather
// than failing the whole status call.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{SyncInProgress: e.syncing.Load()}

	account, err := e.remote.AccountName(ctx)
	if err != nil {
		e.logger.Warn("fetching account name", slog.Any("error", err))
	} else {
		st.Account = account
	}

	active, err := e.store.ListActive()
	if err != nil {
		return st, vmerrors.Classify(vmerrors.ErrStore, err)
	}

	st.TrackedFiles = len(active)

	pending, err := e.store.ListPendingDeletions()
	if err != nil {
		return st, vmerrors.Classify(vmerrors.ErrStore, err)
	}

	st.PendingDeletions = len(pending)

	if entries, err := e.store.RecentLog(1); err == nil && len(entries) == 1 {
		st.LastActivity = entries[0].Time
	}

	return st, nil
}

// History returns the most recent sync log entries, newest first.
func (e *Engine) History(n int) ([]store.LogEntry, error) {
	entries, err := e.store.RecentLog(n)
	if err != nil {
		return nil, vmerrors.Classify(vmerrors.ErrStore, err)
	}

	return entries, nil
}
