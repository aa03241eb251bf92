package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	vmerrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/fingerprint"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the store client when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps control-endpoint body reads to prevent a
	// misbehaving server from consuming unbounded memory. File downloads
	// are exempt.
	maxAPIResponseBytes = 1024 * 1024
)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// ClientOptions configures a store client.
type ClientOptions struct {
	// BaseURL is the API origin, e.g. "https://store.example.com".
	BaseURL string

	// Token is the bearer token sent on every request.
	Token string

	// Root is the remote directory holding this vault's files.
	Root string

	// Device identifies this client on every request so the store can
	// attribute writes in multi-device setups. Sent as X-Device-Name
	// when non-empty.
	Device string

	// Cipher, when non-nil, encrypts file content end to end.
	Cipher *ContentCipher

	// HTTPClient overrides the default client. If nil, a client with a
	// 30-second timeout and same-host redirect policy is used.
	HTTPClient *http.Client
}

// Client talks to the mirror store's HTTP file API. It implements Store.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	root       string
	device     string
	cipher     *ContentCipher
}

// NewClient creates a store client.
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		token:      opts.Token,
		root:       strings.TrimSuffix(opts.Root, "/"),
		device:     opts.Device,
		cipher:     opts.Cipher,
	}
}

// setCommonHeaders stamps the auth token and device identity on a request.
func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)

	if c.device != "" {
		req.Header.Set("X-Device-Name", c.device)
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	// Ensure valid UTF-8 and replace control characters.
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// doJSON sends a JSON request and decodes the response into result.
// body and result may each be nil.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	c.setCommonHeaders(req)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	// Cap response reads at 1MB. Control responses are small JSON payloads.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, endpoint)
	}

	if resp.StatusCode/100 != 2 {
		return apiError(endpoint, resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// apiError converts a non-2xx response into an error, classifying
// transient server-side conditions so callers can retry.
func apiError(endpoint string, status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}

	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		err := fmt.Errorf("API %s (%d): %s", endpoint, status, e.Error)
		if isTransientStatus(status) || isTransientMessage(e.Error) {
			return &TransientError{Err: err}
		}

		return err
	}

	err := fmt.Errorf("API %s returned status %d: %s", endpoint, status, sanitizeResponseBody(body))
	if isTransientStatus(status) {
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// isTransientMessage checks whether an API error message suggests a
// temporary condition worth retrying.
func isTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)

	return strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "try again") ||
		strings.Contains(lower, "temporarily unavailable")
}

type listRequest struct {
	Root   string `json:"root"`
	Cursor string `json:"cursor,omitempty"`
}

type listResponse struct {
	Entries []Entry `json:"entries"`
	Cursor  string  `json:"cursor"`
	HasMore bool    `json:"has_more"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type accountResponse struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// List pages through the remote listing until the cursor is exhausted,
// returning entries with the remote root prefix stripped.
func (c *Client) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry

	cursor := ""

	for {
		var resp listResponse
		if err := c.doJSON(ctx, http.MethodPost, "/v1/files/list", listRequest{Root: c.root, Cursor: cursor}, &resp); err != nil {
			return nil, fmt.Errorf("listing remote files: %w", err)
		}

		for _, e := range resp.Entries {
			rel, ok := strings.CutPrefix(e.Path, c.root+"/")
			if !ok {
				continue
			}

			e.Path = rel
			entries = append(entries, e)
		}

		if !resp.HasMore {
			return entries, nil
		}

		cursor = resp.Cursor
	}
}

// Upload writes content to path under the remote root, overwriting any
// existing version (last write wins at the store level). The path is
// normalized to the store's character set first and must survive with a
// non-empty name that fits the length limit; scan-driven passes filter
// such paths earlier, so the checks here guard direct callers. The
// plaintext hash travels in a header so the server can echo it in
// listings even when the body is encrypted.
func (c *Client) Upload(ctx context.Context, path string, content []byte, mtime float64) error {
	name := NormalizeForRemote(path)
	if name == "" {
		return fmt.Errorf("%w: %q", vmerrors.ErrPathNotRepresentable, path)
	}

	if len(name) > MaxPathBytes {
		return fmt.Errorf("%w: %q", vmerrors.ErrPathTooLong, path)
	}

	hash := fingerprint.HashBytes(content)

	body := content

	if c.cipher != nil {
		var err error

		body, err = c.cipher.Encrypt(content)
		if err != nil {
			return fmt.Errorf("encrypting %s: %w", path, err)
		}
	}

	target := c.remotePath(name)
	endpoint := "/v1/files/content?path=" + url.QueryEscape(target)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	c.setCommonHeaders(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Content-Hash", hash)
	req.Header.Set("X-Client-Mtime", strconv.FormatFloat(mtime, 'f', -1, 64))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("uploading %s: %w", path, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading upload response for %s: %w", path, err)
	}

	if resp.StatusCode/100 != 2 {
		return apiError("/v1/files/content", resp.StatusCode, respBody)
	}

	return nil
}

// Download fetches the content at path. When the exact path is missing
// it retries once with the normalized form, covering files uploaded
// before their names needed remote sanitization.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	content, err := c.download(ctx, path)
	if errors.Is(err, ErrNotFound) {
		if normalized := NormalizeForRemote(path); normalized != path {
			return c.download(ctx, normalized)
		}
	}

	return content, err
}

func (c *Client) download(ctx context.Context, path string) ([]byte, error) {
	payload, err := json.Marshal(pathRequest{Path: c.remotePath(path)})
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files/download", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	c.setCommonHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("downloading %s: %w", path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
		return nil, apiError("/v1/files/download", resp.StatusCode, respBody)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading content of %s: %w", path, err)
	}

	if c.cipher != nil {
		plain, err := c.cipher.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", path, err)
		}

		return plain, nil
	}

	return data, nil
}

// Delete removes the file at path. A 404 means the file is already gone
// and counts as success, keeping confirmation retries idempotent.
func (c *Client) Delete(ctx context.Context, path string) error {
	target := c.remotePath(NormalizeForRemote(path))

	err := c.doJSON(ctx, http.MethodPost, "/v1/files/delete", pathRequest{Path: target}, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}

	return nil
}

// AccountName returns the display name of the signed-in account, falling
// back to the account email.
func (c *Client) AccountName(ctx context.Context) (string, error) {
	var resp accountResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/account", nil, &resp); err != nil {
		return "", fmt.Errorf("fetching account: %w", err)
	}

	if resp.Name != "" {
		return resp.Name, nil
	}

	return resp.Email, nil
}

// remotePath joins a vault-relative path onto the remote root.
func (c *Client) remotePath(path string) string {
	return c.root + "/" + path
}
