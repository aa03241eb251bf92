// Package fingerprint computes content identity snapshots for vault files.
// A fingerprint pairs a streamed SHA-256 digest with the file's size and
// modification time; two fingerprints describe the same content iff their
// hashes match. Size and mtime are tie-break signals, never identity.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"time"
)

// currentVersion is the fingerprint schema version persisted with each
// tracked file.
const currentVersion = 1

// hashBufSize is the chunk size for streamed hashing. Memory use stays
// constant regardless of file size.
const hashBufSize = 32 * 1024

// Fingerprint is a path's content identity snapshot. Produced fresh on
// every scan and never mutated in place, only replaced.
type Fingerprint struct {
	Path    string  `json:"path"`
	Size    uint64  `json:"size"`
	Mtime   float64 `json:"mtime"` // seconds since epoch
	Hash    string  `json:"hash"`
	Version uint32  `json:"version"`
}

// Equal reports whether two fingerprints describe the same content.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Hash == other.Hash
}

// Newer reports whether f's mtime is strictly later than other's.
func (f Fingerprint) Newer(other Fingerprint) bool {
	return f.Mtime > other.Mtime
}

// New builds a fingerprint from already-known fields. Used by the remote
// scanner, which gets hash and mtime from the store's listing.
func New(path string, size uint64, mtime float64, hash string) Fingerprint {
	return Fingerprint{
		Path:    path,
		Size:    size,
		Mtime:   mtime,
		Hash:    hash,
		Version: currentVersion,
	}
}

// File fingerprints the file at absPath, recording relPath as the
// fingerprint's identity. The content is hashed in fixed-size chunks.
func File(absPath, relPath string) (Fingerprint, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("stat %s: %w", relPath, err)
	}

	return fromInfo(absPath, relPath, info)
}

// FromDirEntry fingerprints a file discovered during a directory walk,
// reusing the walk's DirEntry to avoid a second stat.
func FromDirEntry(absPath, relPath string, entry fs.DirEntry) (Fingerprint, error) {
	info, err := entry.Info()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("stat %s: %w", relPath, err)
	}

	return fromInfo(absPath, relPath, info)
}

func fromInfo(absPath, relPath string, info fs.FileInfo) (Fingerprint, error) {
	hash, err := HashFile(absPath)
	if err != nil {
		return Fingerprint{}, err
	}

	return Fingerprint{
		Path:    relPath,
		Size:    uint64(info.Size()),
		Mtime:   Epoch(info.ModTime()),
		Hash:    hash,
		Version: currentVersion,
	}, nil
}

// Epoch converts a time to fractional epoch seconds, the mtime
// representation used throughout fingerprints and the remote protocol.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// TimeFromEpoch is the inverse of Epoch.
func TimeFromEpoch(sec float64) time.Time {
	s, frac := math.Modf(sec)
	return time.Unix(int64(s), int64(math.Round(frac*1e9)))
}

// HashFile computes the SHA-256 hash of the file at path, returning the
// hex-encoded digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the hex-encoded SHA-256 digest of in-memory content.
// Used when content is already buffered, e.g. before a remote upload.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
