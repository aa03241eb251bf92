// Package snapshot archives the vault into a zip and uploads it to the
// remote snapshots folder. Snapshots are plain point-in-time copies:
// they are never listed, diffed, or restored by the sync passes.
package snapshot

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	vmerrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/fingerprint"
	"github.com/vaultmirror/vaultmirror/internal/ignore"
	"github.com/vaultmirror/vaultmirror/internal/remote"
	"github.com/vaultmirror/vaultmirror/internal/scanner"
	"github.com/vaultmirror/vaultmirror/internal/vaultfs"
)

// nameFormat stamps archives as vault_snapshot_YYYYMMDD_HHMMSS.zip.
const nameFormat = "20060102_150405"

// Create zips every syncable vault file (same eligibility rules as the
// scanner) into a temp archive and uploads it through rs, which must be
// rooted at the snapshots folder. Returns the archive name. All
// failures classify as transfer errors.
func Create(ctx context.Context, vault *vaultfs.Vault, matcher *ignore.Matcher, rs remote.Store, logger *slog.Logger) (string, error) {
	tmp, err := os.CreateTemp("", "vaultmirror-snapshot-*.zip")
	if err != nil {
		return "", vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("creating temp archive: %w", err))
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	count, err := writeArchive(ctx, tmp, vault, matcher, logger)
	if err != nil {
		return "", vmerrors.Classify(vmerrors.ErrTransfer, err)
	}

	if err := tmp.Close(); err != nil {
		return "", vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("closing temp archive: %w", err))
	}

	content, err := os.ReadFile(tmp.Name())
	if err != nil {
		return "", vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("reading temp archive: %w", err))
	}

	now := time.Now()
	name := "vault_snapshot_" + now.Format(nameFormat) + ".zip"

	if err := rs.Upload(ctx, name, content, fingerprint.Epoch(now)); err != nil {
		return name, vmerrors.Classify(vmerrors.ErrTransfer, fmt.Errorf("uploading snapshot %s: %w", name, err))
	}

	logger.Info("snapshot uploaded",
		slog.String("name", name),
		slog.Int("files", count),
		slog.Int("bytes", len(content)),
	)

	return name, nil
}

// writeArchive streams every eligible vault file into a zip written to
// w and returns the number of files archived.
func writeArchive(ctx context.Context, w io.Writer, vault *vaultfs.Vault, matcher *ignore.Matcher, logger *slog.Logger) (int, error) {
	zw := zip.NewWriter(w)

	count := 0

	err := scanner.Walk(ctx, vault, matcher, logger, func(absPath, relPath string) error {
		if err := addFile(zw, absPath, relPath); err != nil {
			return fmt.Errorf("archiving %s: %w", relPath, err)
		}

		count++

		return nil
	})
	if err != nil {
		zw.Close()
		return 0, err
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finalizing archive: %w", err)
	}

	return count, nil
}

func addFile(zw *zip.Writer, absPath, relPath string) error {
	info, err := os.Stat(absPath)
	if err != nil {
		return err
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	// Zip entry names use the vault-relative path so the archive
	// reproduces the vault layout on extraction.
	hdr.Name = relPath
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}

	src, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = io.Copy(dst, src)

	return err
}
