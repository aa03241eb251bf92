// Package e2e_test drives the full stack over real HTTP: engines with
// their own vault directories and bbolt state talk to an in-process
// server speaking the mirror store's file API. The unit tests cover
// each layer in isolation; these prove the layers agree end to end,
// including content encryption and multi-device convergence.
package e2e_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultmirror/vaultmirror/internal/engine"
	"github.com/vaultmirror/vaultmirror/internal/fingerprint"
	"github.com/vaultmirror/vaultmirror/internal/ignore"
	"github.com/vaultmirror/vaultmirror/internal/remote"
	"github.com/vaultmirror/vaultmirror/internal/store"
	"github.com/vaultmirror/vaultmirror/internal/vaultfs"
)

const (
	testToken = "tok_e2e"
	syncRoot  = "/vault"
	snapsRoot = "/vault_snapshots"
)

// --- fake store server ---

// remoteFile is one stored file on the fake server.
type remoteFile struct {
	content []byte
	hash    string
	mtime   float64
}

// fakeRemote implements the mirror store's HTTP file API in memory.
// Files are keyed by full remote path ("/vault/notes/a.md") so a single
// server backs both the synced root and the snapshots root, the way the
// real store does.
type fakeRemote struct {
	mu    sync.Mutex
	files map[string]remoteFile
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: make(map[string]remoteFile)}
}

// Wire shapes of the store API, as the client speaks it.
type listRequest struct {
	Root   string `json:"root"`
	Cursor string `json:"cursor,omitempty"`
}

type listResponse struct {
	Entries []remote.Entry `json:"entries"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

type pathRequest struct {
	Path string `json:"path"`
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/files/list", f.withAuth(f.handleList))
	mux.HandleFunc("/v1/files/content", f.withAuth(f.handleUpload))
	mux.HandleFunc("/v1/files/download", f.withAuth(f.handleDownload))
	mux.HandleFunc("/v1/files/delete", f.withAuth(f.handleDelete))
	mux.HandleFunc("/v1/account", f.withAuth(f.handleAccount))

	return mux
}

func (f *fakeRemote) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func (f *fakeRemote) handleList(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "bad request"}`, http.StatusBadRequest)
		return
	}

	prefix := strings.TrimSuffix(req.Root, "/") + "/"

	f.mu.Lock()
	resp := listResponse{Entries: []remote.Entry{}}

	for p, rf := range f.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}

		resp.Entries = append(resp.Entries, remote.Entry{
			Path:        p,
			Size:        uint64(len(rf.content)),
			Mtime:       rf.mtime,
			ContentHash: rf.hash,
		})
	}
	f.mu.Unlock()

	writeJSON(w, resp)
}

func (f *fakeRemote) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error": "read failed"}`, http.StatusInternalServerError)
		return
	}

	mtime, _ := strconv.ParseFloat(r.Header.Get("X-Client-Mtime"), 64)

	f.mu.Lock()
	f.files[r.URL.Query().Get("path")] = remoteFile{
		content: body,
		hash:    r.Header.Get("X-Content-Hash"),
		mtime:   mtime,
	}
	f.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeRemote) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "bad request"}`, http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	rf, ok := f.files[req.Path]
	f.mu.Unlock()

	if !ok {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
		return
	}

	w.Write(rf.content)
}

func (f *fakeRemote) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "bad request"}`, http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	_, ok := f.files[req.Path]
	delete(f.files, req.Path)
	f.mu.Unlock()

	if !ok {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeRemote) handleAccount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"name": "E2E Tester", "email": "e2e@example.com"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// seed places a file on the server directly, bypassing the client. The
// listing hash is computed from the given content, so seeded files look
// like unencrypted uploads from some other client.
func (f *fakeRemote) seed(path, content string, mtime float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.files[path] = remoteFile{
		content: []byte(content),
		hash:    fingerprint.HashBytes([]byte(content)),
		mtime:   mtime,
	}
}

func (f *fakeRemote) has(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.files[path]

	return ok
}

// contentOf returns the stored bytes for a full remote path, or nil.
func (f *fakeRemote) contentOf(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.files[path].content
}

func (f *fakeRemote) hashOf(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.files[path].hash
}

func (f *fakeRemote) countUnder(root string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := strings.TrimSuffix(root, "/") + "/"
	n := 0

	for p := range f.files {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}

	return n
}

// --- harness ---

// harness is one shared fake store server. Tests attach devices to it;
// two devices on one harness model two machines syncing the same
// account.
type harness struct {
	t    *testing.T
	fake *fakeRemote
	srv  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := newFakeRemote()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	return &harness{t: t, fake: fake, srv: srv}
}

// device is one synced machine: its own vault directory, its own state
// database, and an engine talking to the shared server.
type device struct {
	t      *testing.T
	vault  *vaultfs.Vault
	engine *engine.Engine
}

// newDevice provisions a fresh device against the shared server. A
// non-empty passphrase enables end-to-end content encryption.
func (h *harness) newDevice(passphrase string) *device {
	h.t.Helper()

	var cipher *remote.ContentCipher

	if passphrase != "" {
		key, err := remote.DeriveKey(passphrase, "e2e-salt")
		require.NoError(h.t, err)

		cipher, err = remote.NewContentCipher(key)
		require.NoError(h.t, err)

		remote.ZeroKey(key)
	}

	client := remote.NewClient(remote.ClientOptions{
		BaseURL:    h.srv.URL,
		Token:      testToken,
		Root:       syncRoot,
		Cipher:     cipher,
		HTTPClient: h.srv.Client(),
	})

	// Snapshots go through a second client rooted at a sibling folder so
	// archives never show up in the synced listing.
	snapClient := remote.NewClient(remote.ClientOptions{
		BaseURL:    h.srv.URL,
		Token:      testToken,
		Root:       snapsRoot,
		Cipher:     cipher,
		HTTPClient: h.srv.Client(),
	})

	st, err := store.OpenAt(filepath.Join(h.t.TempDir(), "state.db"))
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = st.Close() })

	v := vaultfs.NewVault(h.t.TempDir())

	eng := engine.New(engine.Options{
		Vault:          v,
		Store:          st,
		Remote:         client,
		Matcher:        ignore.NewMatcher(nil),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		SnapshotRemote: snapClient,
		SnapshotsRoot:  snapsRoot,
	})

	return &device{t: h.t, vault: v, engine: eng}
}

func (d *device) abs(rel string) string {
	return filepath.Join(d.vault.Dir(), filepath.FromSlash(rel))
}

func (d *device) write(rel, content string) {
	d.t.Helper()

	abs := d.abs(rel)
	require.NoError(d.t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(d.t, os.WriteFile(abs, []byte(content), 0o644))
}

// touch backdates or forward-dates a file so conflict tests control
// which side is newer.
func (d *device) touch(rel string, at time.Time) {
	d.t.Helper()
	require.NoError(d.t, os.Chtimes(d.abs(rel), at, at))
}

func (d *device) remove(rel string) {
	d.t.Helper()
	require.NoError(d.t, os.Remove(d.abs(rel)))
}

func (d *device) read(rel string) string {
	d.t.Helper()

	data, err := os.ReadFile(d.abs(rel))
	require.NoError(d.t, err)

	return string(data)
}

func (d *device) exists(rel string) bool {
	_, err := os.Stat(d.abs(rel))
	return err == nil
}

// sync runs a full pass and fails the test on any error.
func (d *device) sync() engine.Stats {
	d.t.Helper()

	stats, err := d.engine.FullSync(d.t.Context())
	require.NoError(d.t, err)

	return stats
}
