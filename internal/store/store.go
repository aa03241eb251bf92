// Package store persists sync metadata in a single bbolt database:
// tracked file fingerprints, pending deletions awaiting operator
// confirmation, and an append-only sync log.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	vmerrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/fingerprint"
)

const (
	// dbFileName is the database file created under the data directory.
	dbFileName = "state.db"

	// dataDirPerm is the permission mode for the data directory.
	dataDirPerm = fs.FileMode(0o700)

	// dbFilePerm is the permission mode for the database file.
	dbFilePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second
)

var (
	filesBucket   = []byte("files")
	pendingBucket = []byte("pending")
	syncLogBucket = []byte("synclog")
)

// Status is the lifecycle state of a tracked file.
type Status string

const (
	// StatusActive marks a file present locally at the last scan. Active
	// rows form the reconciliation baseline.
	StatusActive Status = "active"

	// StatusDeletedLocal marks a file that disappeared locally and now
	// awaits deletion confirmation. Excluded from the baseline.
	StatusDeletedLocal Status = "deleted_local"
)

// TrackedFile is a fingerprint plus its sync lifecycle state. Exactly one
// row exists per ever-synchronized path; the row is destroyed only when a
// deletion is confirmed.
type TrackedFile struct {
	fingerprint.Fingerprint

	Status   Status    `json:"status"`
	LastSync time.Time `json:"last_sync"`
}

// PendingDeletion records a file that vanished locally, preserving enough
// of its last known state to describe it to an operator. At most one open
// record exists per path.
type PendingDeletion struct {
	Path         string    `json:"path"`
	DeletedAt    time.Time `json:"deleted_at"`
	OriginalSize uint64    `json:"original_size"`
	OriginalHash string    `json:"original_hash"`
	Confirmed    bool      `json:"confirmed"`
}

// Log entry outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Log entry kinds.
const (
	KindUpload          = "upload"
	KindDownload        = "download"
	KindDelete          = "delete"
	KindRestore         = "restore"
	KindDeletionPending = "deletion_pending"
	KindSnapshot        = "snapshot"
)

// LogEntry is one record in the append-only sync log. The log is an audit
// trail: reconciliation never reads it back, only history surfaces do.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Path    string    `json:"path"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}

// Store wraps a bbolt database holding all persistent sync metadata.
type Store struct {
	db *bolt.DB
}

// Open opens the metadata database under the given data directory,
// creating directory and file as needed.
func Open(dataDir string) (*Store, error) {
	return OpenAt(filepath.Join(dataDir, dbFileName))
}

// OpenAt opens a metadata database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dataDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(filesBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(pendingBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(syncLogBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadata db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the tracked file for a path, or nil if the path has never
// been synchronized.
func (s *Store) Get(path string) (*TrackedFile, error) {
	var tf *TrackedFile

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(filesBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		tf = &TrackedFile{}

		return json.Unmarshal(v, tf)
	})

	return tf, err
}

// Put upserts the tracked row for fp's path, marking it active and
// stamping LastSync. Called after every successful transfer. A transfer
// puts the content back in both stores, so any open pending deletion
// for the path is closed in the same transaction: an active row never
// coexists with a pending record.
func (s *Store) Put(fp fingerprint.Fingerprint) error {
	tf := TrackedFile{
		Fingerprint: fp,
		Status:      StatusActive,
		LastSync:    time.Now().UTC(),
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(tf)
		if err != nil {
			return err
		}

		if err := tx.Bucket(filesBucket).Put([]byte(fp.Path), data); err != nil {
			return err
		}

		return tx.Bucket(pendingBucket).Delete([]byte(fp.Path))
	})
}

// MarkDeletedLocal flips a tracked file to deleted_local and opens a
// pending-deletion record preserving its last known size and hash.
// Calling it again for the same path is a no-op: the original record,
// including its DeletedAt stamp, is kept.
func (s *Store) MarkDeletedLocal(path string, size uint64, hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(filesBucket)

		v := files.Get([]byte(path))
		if v == nil {
			return fmt.Errorf("%w: %s", vmerrors.ErrNotTracked, path)
		}

		var tf TrackedFile
		if err := json.Unmarshal(v, &tf); err != nil {
			return err
		}

		if tf.Status != StatusDeletedLocal {
			tf.Status = StatusDeletedLocal

			data, err := json.Marshal(tf)
			if err != nil {
				return err
			}

			if err := files.Put([]byte(path), data); err != nil {
				return err
			}
		}

		pending := tx.Bucket(pendingBucket)
		if pending.Get([]byte(path)) != nil {
			return nil
		}

		pd := PendingDeletion{
			Path:         path,
			DeletedAt:    time.Now().UTC(),
			OriginalSize: size,
			OriginalHash: hash,
		}

		data, err := json.Marshal(pd)
		if err != nil {
			return err
		}

		return pending.Put([]byte(path), data)
	})
}

// ConfirmDeletion purges both the tracked row and the pending record for
// a confirmed deletion. The path leaves the store entirely; if it ever
// reappears it is treated as a new file.
func (s *Store) ConfirmDeletion(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(pendingBucket)
		if pending.Get([]byte(path)) == nil {
			return fmt.Errorf("%w: %s", vmerrors.ErrNoPendingDeletion, path)
		}

		if err := pending.Delete([]byte(path)); err != nil {
			return err
		}

		return tx.Bucket(filesBucket).Delete([]byte(path))
	})
}

// Restore flips a deleted_local file back to active and drops the pending
// record. The tracked row keeps its fingerprint, so no duplicate row is
// created for the path.
func (s *Store) Restore(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(pendingBucket)
		if pending.Get([]byte(path)) == nil {
			return fmt.Errorf("%w: %s", vmerrors.ErrNoPendingDeletion, path)
		}

		files := tx.Bucket(filesBucket)

		v := files.Get([]byte(path))
		if v == nil {
			return fmt.Errorf("%w: %s", vmerrors.ErrNotTracked, path)
		}

		var tf TrackedFile
		if err := json.Unmarshal(v, &tf); err != nil {
			return err
		}

		tf.Status = StatusActive
		tf.LastSync = time.Now().UTC()

		data, err := json.Marshal(tf)
		if err != nil {
			return err
		}

		if err := files.Put([]byte(path), data); err != nil {
			return err
		}

		return pending.Delete([]byte(path))
	})
}

// ListActive returns the set of paths forming the reconciliation
// baseline: every tracked path whose status is active.
func (s *Store) ListActive() (map[string]struct{}, error) {
	result := make(map[string]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var tf TrackedFile
			if err := json.Unmarshal(v, &tf); err != nil {
				return err
			}

			if tf.Status == StatusActive {
				result[string(k)] = struct{}{}
			}

			return nil
		})
	})

	return result, err
}

// ListTracked returns every tracked row regardless of status, keyed by path.
func (s *Store) ListTracked() (map[string]TrackedFile, error) {
	result := make(map[string]TrackedFile)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var tf TrackedFile
			if err := json.Unmarshal(v, &tf); err != nil {
				return err
			}

			result[string(k)] = tf

			return nil
		})
	})

	return result, err
}

// ListPendingDeletions returns all open pending-deletion records, most
// recently deleted first.
func (s *Store) ListPendingDeletions() ([]PendingDeletion, error) {
	var result []PendingDeletion

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			var pd PendingDeletion
			if err := json.Unmarshal(v, &pd); err != nil {
				return err
			}

			result = append(result, pd)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DeletedAt.After(result[j].DeletedAt)
	})

	return result, nil
}

// AppendLog appends an entry to the sync log. Keys are the bucket's
// monotonic sequence number, big-endian so byte order matches insertion
// order.
func (s *Store) AppendLog(e LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(syncLogBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put(logKey(seq), data)
	})
}

// RecentLog returns the n most recent log entries, newest first.
func (s *Store) RecentLog(n int) ([]LogEntry, error) {
	if n <= 0 {
		return nil, nil
	}

	var result []LogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(syncLogBucket).Cursor()
		for k, v := c.Last(); k != nil && len(result) < n; k, v = c.Prev() {
			var e LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			result = append(result, e)
		}

		return nil
	})

	return result, err
}

func logKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}
