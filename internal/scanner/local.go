// Package scanner produces point-in-time fingerprint snapshots of the
// local vault and the remote store. Both scanners emit the same
// map[path]Fingerprint shape so the reconciler can diff them directly,
// and both apply the same ignore matcher so an excluded path can never
// enter the diff from either side.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vaultmirror/vaultmirror/internal/fingerprint"
	"github.com/vaultmirror/vaultmirror/internal/ignore"
	"github.com/vaultmirror/vaultmirror/internal/remote"
	"github.com/vaultmirror/vaultmirror/internal/vaultfs"
)

// defaultHashWorkers bounds concurrent file hashing when the caller does
// not configure a limit.
const defaultHashWorkers = 4

// Local scans the vault directory on disk and fingerprints every
// syncable file.
type Local struct {
	vault   *vaultfs.Vault
	matcher *ignore.Matcher
	workers int
	logger  *slog.Logger
}

// NewLocal creates a local scanner. workers bounds concurrent hashing;
// values below 1 fall back to the default.
func NewLocal(vault *vaultfs.Vault, matcher *ignore.Matcher, workers int, logger *slog.Logger) *Local {
	if workers < 1 {
		workers = defaultHashWorkers
	}

	return &Local{
		vault:   vault,
		matcher: matcher,
		workers: workers,
		logger:  logger,
	}
}

// candidate is a file discovered by the walk, queued for hashing.
type candidate struct {
	absPath string
	relPath string
}

// Skip reasons shared by the local and remote scanners.
const (
	skipHidden           = "hidden path"
	skipIgnored          = "ignored path"
	skipTooLong          = "path exceeds remote length limit"
	skipNotRepresentable = "path not representable in remote store"
)

// SkipReason reports why a vault-relative path is excluded from sync,
// or "" when the path is eligible. Every entry point applies it — both
// scanners and single-file syncs: a path one side cannot see must never
// be tracked through the other, where it would later be mistaken for a
// local deletion.
func SkipReason(relPath string, matcher *ignore.Matcher) string {
	for _, segment := range strings.Split(relPath, "/") {
		if strings.HasPrefix(segment, ".") && segment != ".obsidian" {
			return skipHidden
		}
	}

	if matcher.Match(relPath) {
		return skipIgnored
	}

	if len(relPath) > remote.MaxPathBytes {
		return skipTooLong
	}

	if !remote.Representable(relPath) {
		return skipNotRepresentable
	}

	return ""
}

// Walk visits every syncable file under the vault root and calls fn
// with its absolute and vault-relative path. Directories, symlinks,
// hidden files outside .obsidian, ignored paths, and paths the remote
// store cannot represent are skipped; skips are logged, never errors.
// These are the shared eligibility rules: anything Walk skips is
// invisible to sync and to snapshots alike.
func Walk(ctx context.Context, vault *vaultfs.Vault, matcher *ignore.Matcher, logger *slog.Logger, fn func(absPath, relPath string) error) error {
	dir := vault.Dir()

	err := filepath.WalkDir(dir, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		relPath, err := filepath.Rel(dir, absPath)
		if err != nil {
			return err
		}

		// Skip the root directory itself.
		if relPath == "." {
			return nil
		}

		relPath = vaultfs.NormalizePath(relPath)

		// Prune hidden directories at any level (like .git), but NOT
		// .obsidian, which is vault config that syncs. Hidden files are
		// caught by SkipReason; pruning avoids walking whole hidden trees.
		if d.IsDir() {
			base := filepath.Base(absPath)
			if strings.HasPrefix(base, ".") && base != ".obsidian" {
				return filepath.SkipDir
			}

			return nil
		}

		// Skip symlinks to prevent following links to files outside the
		// vault or to special files (devices, FIFOs) that could hang or
		// produce unexpected data.
		if d.Type()&os.ModeSymlink != 0 {
			logger.Debug("skipping symlink during scan", slog.String("path", relPath))
			return nil
		}

		switch reason := SkipReason(relPath, matcher); reason {
		case "":
		case skipHidden, skipIgnored:
			logger.Debug("skipping path during scan",
				slog.String("path", relPath),
				slog.String("reason", reason),
			)

			return nil
		default:
			logger.Warn("skipping file the remote store cannot hold",
				slog.String("path", relPath),
				slog.String("reason", reason),
			)

			return nil
		}

		return fn(absPath, relPath)
	})
	if err != nil {
		return fmt.Errorf("walking vault directory: %w", err)
	}

	return nil
}

// Scan walks the vault and returns a fingerprint per syncable file.
// Hashing runs concurrently across files after the walk completes.
func (s *Local) Scan(ctx context.Context) (map[string]fingerprint.Fingerprint, error) {
	var candidates []candidate

	err := Walk(ctx, s.vault, s.matcher, s.logger, func(absPath, relPath string) error {
		candidates = append(candidates, candidate{absPath: absPath, relPath: relPath})
		return nil
	})
	if err != nil {
		return nil, err
	}

	files := make(map[string]fingerprint.Fingerprint, len(candidates))

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, c := range candidates {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			fp, err := fingerprint.File(c.absPath, c.relPath)
			if err != nil {
				// The file vanished between walk and hash. A later scan
				// will report it missing; this one just omits it.
				if errors.Is(err, fs.ErrNotExist) {
					s.logger.Debug("file vanished during scan", slog.String("path", c.relPath))
					return nil
				}

				return fmt.Errorf("fingerprinting %s: %w", c.relPath, err)
			}

			mu.Lock()
			files[c.relPath] = fp
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("local scan complete", slog.Int("files", len(files)))

	return files, nil
}

// Missing returns every tracked-active path absent from the current
// scan, sorted. This is the sole source of local deletion events.
func Missing(current map[string]fingerprint.Fingerprint, active map[string]struct{}) []string {
	var missing []string

	for path := range active {
		if _, ok := current[path]; !ok {
			missing = append(missing, path)
		}
	}

	sort.Strings(missing)

	return missing
}
