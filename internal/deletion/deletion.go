// Package deletion drives the pending-deletion lifecycle. A file that
// disappears locally is never deleted from the remote store without
// confirmation: it parks in PENDING_DELETION until an operator (or the
// auto-confirm flag) either confirms the remote delete or restores the
// local copy from the remote version.
package deletion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	vmerrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/remote"
	"github.com/vaultmirror/vaultmirror/internal/store"
	"github.com/vaultmirror/vaultmirror/internal/vaultfs"
)

// DecisionAction is the operator's choice for a set of pending deletions.
type DecisionAction string

const (
	// ActionConfirm deletes the files from the remote store and purges
	// their tracking records.
	ActionConfirm DecisionAction = "confirm"

	// ActionRestore downloads the remote copies back into the vault and
	// reactivates their tracking records.
	ActionRestore DecisionAction = "restore"

	// ActionCancel leaves every record pending.
	ActionCancel DecisionAction = "cancel"
)

// Decision is the outcome of prompting the operator. Paths lists the
// affected subset; paths not listed stay pending.
type Decision struct {
	Action DecisionAction
	Paths  []string
}

// Prompt asks the operator what to do with pending deletions.
type Prompt interface {
	Ask(pending []store.PendingDeletion) (Decision, error)
}

// Manager owns the deletion state machine. All remote calls happen
// outside store transactions, so a slow network never blocks the store.
type Manager struct {
	store  *store.Store
	remote remote.Store
	vault  *vaultfs.Vault
	logger *slog.Logger
}

// NewManager creates a deletion manager.
func NewManager(st *store.Store, rs remote.Store, vault *vaultfs.Vault, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		remote: rs,
		vault:  vault,
		logger: logger,
	}
}

// HandleMissing marks every given path deleted_local, opening a pending
// record with the file's last tracked size and hash. Already-pending
// paths are untouched, so repeated detection across passes is harmless.
// Store failures abort immediately.
func (m *Manager) HandleMissing(paths []string) error {
	for _, path := range paths {
		tf, err := m.store.Get(path)
		if err != nil {
			return vmerrors.Classify(vmerrors.ErrStore, err)
		}

		if tf == nil {
			continue
		}

		if err := m.store.MarkDeletedLocal(path, tf.Size, tf.Hash); err != nil {
			return vmerrors.Classify(vmerrors.ErrStore, err)
		}

		if tf.Status == store.StatusActive {
			m.logger.Info("local file missing, deletion pending confirmation",
				slog.String("path", path),
			)
			m.appendLog(store.KindDeletionPending, path, nil)
		}
	}

	return nil
}

// Pending lists open pending-deletion records, most recent first.
func (m *Manager) Pending() ([]store.PendingDeletion, error) {
	pending, err := m.store.ListPendingDeletions()
	if err != nil {
		return nil, vmerrors.Classify(vmerrors.ErrStore, err)
	}

	return pending, nil
}

// Confirm deletes each path from the remote store and purges its
// records. Only paths with an open pending record are touched: the
// remote copy of anything else must survive. A path that is back on
// disk is reactivated, not deleted. A remote failure leaves that path
// pending for a later attempt; remaining paths are still processed.
func (m *Manager) Confirm(ctx context.Context, paths []string) error {
	open, err := m.openPending()
	if err != nil {
		return err
	}

	var failures int

	for _, path := range paths {
		if err := m.confirmOne(ctx, path, open); err != nil {
			failures++

			m.logger.Warn("confirming deletion",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		} else {
			m.logger.Info("deletion confirmed", slog.String("path", path))
		}
	}

	if failures > 0 {
		return vmerrors.Classify(vmerrors.ErrDeletion,
			fmt.Errorf("%d of %d deletions failed", failures, len(paths)))
	}

	return nil
}

func (m *Manager) confirmOne(ctx context.Context, path string, open map[string]struct{}) error {
	if _, ok := open[path]; !ok {
		return fmt.Errorf("%w: %s", vmerrors.ErrNoPendingDeletion, path)
	}

	// The ledger can be stale: the file may have been recreated since it
	// was parked. Re-check the disk before the destructive call and
	// reactivate the row instead of deleting the remote copy.
	if _, err := m.vault.Stat(path); err == nil {
		if err := m.store.Restore(path); err != nil {
			return vmerrors.Classify(vmerrors.ErrStore, err)
		}

		m.logger.Info("deletion cancelled, file is back on disk", slog.String("path", path))

		return nil
	}

	if err := m.remote.Delete(ctx, path); err != nil {
		m.appendLog(store.KindDelete, path, err)
		return fmt.Errorf("deleting remote copy: %w", err)
	}

	if err := m.store.ConfirmDeletion(path); err != nil {
		m.appendLog(store.KindDelete, path, err)
		return vmerrors.Classify(vmerrors.ErrStore, err)
	}

	m.appendLog(store.KindDelete, path, nil)

	return nil
}

// Restore downloads each path's remote copy back into the vault and
// reactivates its tracking record. Only paths with an open pending
// record are touched. A download failure leaves that path pending;
// remaining paths are still processed.
func (m *Manager) Restore(ctx context.Context, paths []string) error {
	open, err := m.openPending()
	if err != nil {
		return err
	}

	var failures int

	for _, path := range paths {
		if err := m.restoreOne(ctx, path, open); err != nil {
			failures++

			m.logger.Warn("restoring file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		} else {
			m.logger.Info("file restored from remote", slog.String("path", path))
		}
	}

	if failures > 0 {
		return vmerrors.Classify(vmerrors.ErrDeletion,
			fmt.Errorf("%d of %d restores failed", failures, len(paths)))
	}

	return nil
}

func (m *Manager) restoreOne(ctx context.Context, path string, open map[string]struct{}) error {
	if _, ok := open[path]; !ok {
		return fmt.Errorf("%w: %s", vmerrors.ErrNoPendingDeletion, path)
	}

	content, err := m.remote.Download(ctx, path)
	if err != nil {
		m.appendLog(store.KindRestore, path, err)
		return fmt.Errorf("downloading remote copy: %w", err)
	}

	if err := m.vault.WriteFileAtomic(path, content, time.Time{}); err != nil {
		m.appendLog(store.KindRestore, path, err)
		return fmt.Errorf("writing restored file: %w", err)
	}

	if err := m.store.Restore(path); err != nil {
		m.appendLog(store.KindRestore, path, err)
		return vmerrors.Classify(vmerrors.ErrStore, err)
	}

	m.appendLog(store.KindRestore, path, nil)

	return nil
}

// openPending returns the set of paths with an open pending record.
func (m *Manager) openPending() (map[string]struct{}, error) {
	pending, err := m.store.ListPendingDeletions()
	if err != nil {
		return nil, vmerrors.Classify(vmerrors.ErrStore, err)
	}

	open := make(map[string]struct{}, len(pending))
	for _, pd := range pending {
		open[pd.Path] = struct{}{}
	}

	return open, nil
}

// Resolve settles pending deletions at the end of a full sync pass.
// With autoConfirm set, every pending record is confirmed without
// prompting. Otherwise the prompt decides; a nil prompt leaves
// everything pending (headless daemon mode).
func (m *Manager) Resolve(ctx context.Context, autoConfirm bool, prompt Prompt) error {
	pending, err := m.Pending()
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		return nil
	}

	allPaths := make([]string, len(pending))
	for i, pd := range pending {
		allPaths[i] = pd.Path
	}

	if autoConfirm {
		m.logger.Info("auto-confirming pending deletions", slog.Int("count", len(allPaths)))
		return m.Confirm(ctx, allPaths)
	}

	if prompt == nil {
		m.logger.Info("deletions pending confirmation", slog.Int("count", len(pending)))
		return nil
	}

	decision, err := prompt.Ask(pending)
	if err != nil {
		return fmt.Errorf("prompting for deletions: %w", err)
	}

	switch decision.Action {
	case ActionConfirm:
		return m.Confirm(ctx, decision.Paths)
	case ActionRestore:
		return m.Restore(ctx, decision.Paths)
	case ActionCancel:
		m.logger.Info("deletion resolution cancelled, records stay pending")
		return nil
	default:
		return fmt.Errorf("unknown deletion decision %q", decision.Action)
	}
}

// appendLog records one lifecycle event in the sync log. Log failures
// are reported but never fail the operation they describe.
func (m *Manager) appendLog(kind, path string, opErr error) {
	e := store.LogEntry{
		Time:    time.Now().UTC(),
		Kind:    kind,
		Path:    path,
		Outcome: store.OutcomeSuccess,
	}

	if opErr != nil {
		e.Outcome = store.OutcomeError
		e.Detail = opErr.Error()
	}

	if err := m.store.AppendLog(e); err != nil {
		m.logger.Warn("appending sync log entry",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
