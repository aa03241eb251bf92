// Package remote implements the mirror store protocol: an HTTP file API
// for listing and transferring vault content, an optional end-to-end
// content cipher, and a WebSocket change feed for realtime updates.
package remote

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the remote store has no file at the
// requested path.
var ErrNotFound = errors.New("remote file not found")

// Store is the remote side of a sync pass. Implementations must be safe
// for concurrent use by the transfer workers.
type Store interface {
	// List returns every entry under the configured remote root, with
	// paths relative to that root.
	List(ctx context.Context) ([]Entry, error)

	// Upload writes content to the vault-relative path, overwriting any
	// existing version. mtime is the local modification time in epoch
	// seconds, stored by the server alongside the content.
	Upload(ctx context.Context, path string, content []byte, mtime float64) error

	// Download returns the content of the file at the vault-relative path.
	Download(ctx context.Context, path string) ([]byte, error)

	// Delete removes the file at the vault-relative path.
	Delete(ctx context.Context, path string) error

	// AccountName returns a human-readable identifier for the signed-in
	// account.
	AccountName(ctx context.Context) (string, error)
}

// Entry is one record in a remote file listing.
type Entry struct {
	Path        string  `json:"path"`
	Size        uint64  `json:"size"`
	Mtime       float64 `json:"mtime"`
	ContentHash string  `json:"content_hash"`
	IsFolder    bool    `json:"is_folder"`
}
