// Package vaultfs provides thread-safe filesystem operations rooted at
// the vault directory. All writes are serialized by an exclusive lock;
// reads take a shared lock so partially written files are never observed.
// The sync engine, watcher, and snapshot archiver all go through this
// type for file access.
package vaultfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	vmerrors "github.com/vaultmirror/vaultmirror/internal/errors"
)

// Vault is a rooted view of the local vault directory. The root must be
// an absolute path (resolved at config load time).
type Vault struct {
	dir string
	mu  sync.RWMutex
}

// NewVault creates a Vault rooted at the given directory.
func NewVault(dir string) *Vault {
	return &Vault{dir: dir}
}

// Dir returns the root directory of the vault.
func (v *Vault) Dir() string {
	return v.dir
}

// ReadFile reads a file by relative path.
func (v *Vault) ReadFile(relPath string) ([]byte, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.ReadFile(absPath)
}

// WriteFileAtomic writes content to a file by relative path, creating
// parent directories as needed. The content lands in a temp file in the
// target directory and is renamed into place, so readers never observe a
// partial download. If mtime is non-zero the file's modification time is
// set to that value, preserving remote timestamps on downloaded files.
func (v *Vault) WriteFileAtomic(relPath string, data []byte, mtime time.Time) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	// Temp file in the same directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, ".vaultmirror-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", relPath, err)
	}

	tmpPath := tmp.Name()

	renamed := false
	defer func() {
		if !renamed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", relPath, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", relPath, err)
	}

	if !mtime.IsZero() {
		if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
			return fmt.Errorf("setting mtime for %s: %w", relPath, err)
		}
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		return fmt.Errorf("renaming into %s: %w", relPath, err)
	}

	renamed = true

	return nil
}

// DeleteFile removes a file by relative path. Returns nil if the file
// does not exist.
func (v *Vault) DeleteFile(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}

	return nil
}

// Stat returns file info for a relative path. Takes a read lock so the
// file isn't being written mid-stat.
func (v *Vault) Stat(relPath string) (os.FileInfo, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.Stat(absPath)
}

// resolve converts a relative path to an absolute path within the vault
// directory, rejecting path traversal attempts.
func (v *Vault) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("%w: empty path", vmerrors.ErrPathOutsideVault)
	}

	absPath := filepath.Join(v.dir, filepath.FromSlash(relPath))
	if !strings.HasPrefix(absPath, v.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", vmerrors.ErrPathOutsideVault, relPath)
	}

	return absPath, nil
}

// NormalizePath canonicalizes a vault-relative path: forward slashes
// only, non-breaking spaces replaced with regular spaces, repeated
// slashes collapsed, leading/trailing slashes trimmed, and Unicode NFC
// normalization applied. Call this on every path entering the system:
// scanner output, watcher events, and remote listing entries.
func NormalizePath(path string) string {
	path = filepath.ToSlash(path)
	path = strings.ReplaceAll(path, " ", " ")
	path = strings.ReplaceAll(path, " ", " ")

	var b strings.Builder

	prevSlash := false
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}
