// Package reconcile computes the transfer list for one sync pass by
// comparing the local and remote fingerprint snapshots. Diff is a pure
// decision function with no I/O; the engine performs the transfers.
package reconcile

import (
	"sort"

	"github.com/vaultmirror/vaultmirror/internal/fingerprint"
)

// ActionKind is the direction a transfer moves content.
type ActionKind string

const (
	ActionUpload   ActionKind = "upload"
	ActionDownload ActionKind = "download"
)

// Reasons attached to actions. Stable strings: they appear in logs and
// in the persisted sync history.
const (
	ReasonNewLocal    = "new local file"
	ReasonNewRemote   = "new remote file"
	ReasonLocalNewer  = "local version newer"
	ReasonRemoteNewer = "remote version newer"
)

// Action is one transfer for the executor to perform. Both paths are
// vault-relative and currently always equal.
type Action struct {
	Kind       ActionKind
	LocalPath  string
	RemotePath string
	Reason     string
}

// Diff compares the two snapshots and returns the transfers needed to
// converge them. tracked reports whether the store holds a record for a
// path in ANY status; it gates the deletion-handling rule in step 5.
// The slice is built in sorted path order so runs are deterministic.
func Diff(local, remote map[string]fingerprint.Fingerprint, tracked func(path string) bool) []Action {
	paths := unionPaths(local, remote)

	actions := make([]Action, 0, len(paths))

	for _, path := range paths {
		lf, onLocal := local[path]
		rf, onRemote := remote[path]

		switch {
		case onLocal && onRemote:
			// Step 1: both sides, same content.
			if lf.Equal(rf) {
				continue
			}

			// Step 2: both sides, content differs -- last writer wins.
			// A modification-time tie goes to the remote version.
			if lf.Newer(rf) {
				actions = append(actions, upload(path, ReasonLocalNewer))
			} else {
				actions = append(actions, download(path, ReasonRemoteNewer))
			}

		case onLocal:
			// Step 3: local only -- the remote store has never seen it.
			actions = append(actions, upload(path, ReasonNewLocal))

		default:
			// Step 4: remote only and never tracked -- a genuinely new
			// remote file.
			if !tracked(path) {
				actions = append(actions, download(path, ReasonNewRemote))
				continue
			}

			// Step 5: remote only but tracked -- the file was deleted
			// locally. Deletion handling owns this path; downloading it
			// here would resurrect it.
		}
	}

	return actions
}

func unionPaths(local, remote map[string]fingerprint.Fingerprint) []string {
	set := make(map[string]struct{}, len(local)+len(remote))

	for path := range local {
		set[path] = struct{}{}
	}

	for path := range remote {
		set[path] = struct{}{}
	}

	paths := make([]string, 0, len(set))
	for path := range set {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	return paths
}

func upload(path, reason string) Action {
	return Action{Kind: ActionUpload, LocalPath: path, RemotePath: path, Reason: reason}
}

func download(path, reason string) Action {
	return Action{Kind: ActionDownload, LocalPath: path, RemotePath: path, Reason: reason}
}
