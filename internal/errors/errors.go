package errors

import "errors"

// Failure classes. One of these is joined into an error chain so callers
// can route on the class with errors.Is while the cause stays inspectable.
// Only ErrStore aborts a sync pass; the other classes are isolated per
// path and surfaced as failure counts.
var (
	ErrScan     = errors.New("scan failed")
	ErrTransfer = errors.New("transfer failed")
	ErrDeletion = errors.New("deletion failed")
	ErrStore    = errors.New("store failure")
)

// Engine errors.
var (
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrNotTracked        = errors.New("path not tracked")
	ErrNoPendingDeletion = errors.New("no pending deletion for path")
)

// Path errors.
var (
	ErrPathOutsideVault     = errors.New("path resolves outside vault")
	ErrPathNotRepresentable = errors.New("path not representable in remote store")
	ErrPathTooLong          = errors.New("path exceeds remote length limit")
)

// Classify joins a failure class into err's chain. Returns nil when err
// is nil so call sites can classify unconditionally.
func Classify(class, err error) error {
	if err == nil {
		return nil
	}

	return errors.Join(class, err)
}
