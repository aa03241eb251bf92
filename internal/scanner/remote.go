package scanner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vaultmirror/vaultmirror/internal/fingerprint"
	"github.com/vaultmirror/vaultmirror/internal/ignore"
	"github.com/vaultmirror/vaultmirror/internal/remote"
	"github.com/vaultmirror/vaultmirror/internal/vaultfs"
)

// Remote converts the remote store's listing into the scanner's
// fingerprint shape.
type Remote struct {
	store   remote.Store
	matcher *ignore.Matcher
	logger  *slog.Logger
}

// NewRemote creates a remote scanner over the given store client.
func NewRemote(store remote.Store, matcher *ignore.Matcher, logger *slog.Logger) *Remote {
	return &Remote{
		store:   store,
		matcher: matcher,
		logger:  logger,
	}
}

// Scan lists the remote store and returns a fingerprint per file entry.
// Folders and entries without a content hash are dropped, and the local
// scanner's eligibility rules apply in full: a path the local walk would
// skip (hidden, ignored, unrepresentable) never enters the mapping, so
// another client's writes under such paths cannot be downloaded, tracked,
// and later mistaken for local deletions. A listing error returns a nil
// map: callers must check the error before treating an empty result as
// "remote vault empty", since acting on a failed listing would re-upload
// the entire vault.
func (s *Remote) Scan(ctx context.Context) (map[string]fingerprint.Fingerprint, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing remote store: %w", err)
	}

	files := make(map[string]fingerprint.Fingerprint, len(entries))

	for _, e := range entries {
		if e.IsFolder || e.ContentHash == "" {
			continue
		}

		relPath := vaultfs.NormalizePath(e.Path)

		if reason := SkipReason(relPath, s.matcher); reason != "" {
			s.logger.Debug("skipping remote entry",
				slog.String("path", relPath),
				slog.String("reason", reason),
			)

			continue
		}

		files[relPath] = fingerprint.New(relPath, e.Size, e.Mtime, e.ContentHash)
	}

	s.logger.Info("remote scan complete", slog.Int("files", len(files)))

	return files, nil
}
