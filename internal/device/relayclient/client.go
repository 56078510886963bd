// Package relayclient is the device-side HTTP client for the relay: auth,
// delta push/pull, blob transfer and grant lifecycle, plus the websocket
// subscribe stream. Relay failures surface as the shared error sentinels so
// the sync agent can decide what to retry.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/logging"
)

// Client talks to one relay. It is safe for concurrent use; the token pair is
// guarded and refreshed transparently when the relay reports an expired
// access token.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logging.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	onTokens     func(api.TokenPair)
}

func New(baseURL string, logger logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("module", "relayclient"),
	}
}

// SetTokens seeds the token pair, e.g. from a persisted refresh token.
func (c *Client) SetTokens(access, refresh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = access
	c.refreshToken = refresh
}

// OnTokenRefresh registers a callback invoked whenever the token pair rotates,
// so the caller can persist the new refresh token.
func (c *Client) OnTokenRefresh(fn func(api.TokenPair)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTokens = fn
}

func (c *Client) setPair(pair api.TokenPair) {
	c.mu.Lock()
	c.accessToken = pair.AccessToken
	c.refreshToken = pair.RefreshToken
	fn := c.onTokens
	c.mu.Unlock()
	if fn != nil {
		fn(pair)
	}
}

func (c *Client) tokens() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken, c.refreshToken
}

// Register creates the account on the relay. Key material never travels:
// only the KDF salt and the login verifier.
func (c *Client) Register(ctx context.Context, username string, salt, verifier []byte) error {
	return c.public(ctx, api.PathRegister, api.RegisterRequest{Username: username, Salt: salt, Verifier: verifier}, nil)
}

// GetSalt fetches the account's KDF salt, so a new device can derive the same
// master key from the passphrase.
func (c *Client) GetSalt(ctx context.Context, username string) ([]byte, error) {
	var resp api.SaltResponse
	if err := c.public(ctx, api.PathSalt, api.SaltRequest{Username: username}, &resp); err != nil {
		return nil, err
	}
	return resp.Salt, nil
}

// Login exchanges the verifier for a token pair and installs it.
func (c *Client) Login(ctx context.Context, username string, verifier []byte) error {
	var pair api.TokenPair
	if err := c.public(ctx, api.PathLogin, api.LoginRequest{Username: username, Verifier: verifier}, &pair); err != nil {
		return err
	}
	c.setPair(pair)
	return nil
}

// Refresh rotates the token pair using the stored refresh token.
func (c *Client) Refresh(ctx context.Context) error {
	_, refresh := c.tokens()
	if refresh == "" {
		return fmt.Errorf("no refresh token: %w", common.ErrorUnauthorized)
	}
	var pair api.TokenPair
	if err := c.public(ctx, api.PathRefresh, api.RefreshRequest{RefreshToken: refresh}, &pair); err != nil {
		return err
	}
	c.setPair(pair)
	return nil
}

func (c *Client) Push(ctx context.Context, deltas []api.Delta) (*api.PushResponse, error) {
	var resp api.PushResponse
	if err := c.authed(ctx, http.MethodPost, api.PathPush, api.PushRequest{Deltas: deltas}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Pull(ctx context.Context, req *api.PullRequest) (*api.PullResponse, error) {
	var resp api.PullResponse
	if err := c.authed(ctx, http.MethodPost, api.PathPull, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BlobUploadURL asks the relay for a fresh blob key and a presigned PUT URL.
func (c *Client) BlobUploadURL(ctx context.Context) (string, string, error) {
	var resp api.BlobUploadURLResponse
	if err := c.authed(ctx, http.MethodPost, api.PathBlobUploadURL, struct{}{}, &resp); err != nil {
		return "", "", err
	}
	return resp.BlobKey, resp.URL, nil
}

func (c *Client) BlobDownloadURL(ctx context.Context, blobKey string) (string, error) {
	var resp api.BlobDownloadURLResponse
	if err := c.authed(ctx, http.MethodPost, api.PathBlobDownloadURL, api.BlobDownloadURLRequest{BlobKey: blobKey}, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// UploadBlob PUTs sealed bytes to a presigned URL. The URL goes to object
// storage, not the relay, so no bearer token is attached.
func (c *Client) UploadBlob(ctx context.Context, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("blob upload: %w: %v", common.ErrTransportUnavailable, err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("blob upload status %d: %w", resp.StatusCode, common.ErrTransportUnavailable)
	}
	return nil
}

// DownloadBlob GETs sealed bytes from a presigned URL.
func (c *Client) DownloadBlob(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob download: %w: %v", common.ErrTransportUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blob download status %d: %w", resp.StatusCode, common.ErrTransportUnavailable)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) CreateGrant(ctx context.Context, req *api.CreateGrantRequest) (*api.Grant, error) {
	var grant api.Grant
	if err := c.authed(ctx, http.MethodPost, api.PathGrants, req, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func (c *Client) ListGrants(ctx context.Context) (*api.ListGrantsResponse, error) {
	var resp api.ListGrantsResponse
	if err := c.authed(ctx, http.MethodGet, api.PathGrants, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) AcceptGrant(ctx context.Context, grantID string, devicePublicKey []byte) error {
	return c.authed(ctx, http.MethodPost, grantPath(api.PathGrantAccept, grantID),
		api.AcceptGrantRequest{DevicePublicKey: devicePublicKey}, nil)
}

func (c *Client) UploadGrantKey(ctx context.Context, grantID string, key *api.GrantKey) error {
	return c.authed(ctx, http.MethodPut, grantPath(api.PathGrantKey, grantID), key, nil)
}

func (c *Client) GetGrantKey(ctx context.Context, grantID string) (*api.GrantKey, error) {
	var key api.GrantKey
	if err := c.authed(ctx, http.MethodGet, grantPath(api.PathGrantKey, grantID), nil, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

func (c *Client) RevokeGrant(ctx context.Context, grantID string) error {
	return c.authed(ctx, http.MethodPost, grantPath(api.PathGrantRevoke, grantID), struct{}{}, nil)
}

func grantPath(pattern, grantID string) string {
	return strings.Replace(pattern, "{grantID}", grantID, 1)
}

// public performs an unauthenticated POST.
func (c *Client) public(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out, "")
}

// authed performs a request with the bearer token. An expired access token is
// refreshed once, transparently, and the request retried with the new token.
func (c *Client) authed(ctx context.Context, method, path string, body, out any) error {
	access, refresh := c.tokens()
	err := c.do(ctx, method, path, body, out, access)
	if err == nil || !errorsIsUnauthorized(err) || refresh == "" {
		return err
	}
	c.logger.Debug(ctx, "access token rejected, refreshing", "path", path)
	if rerr := c.Refresh(ctx); rerr != nil {
		return err
	}
	access, _ = c.tokens()
	return c.do(ctx, method, path, body, out, access)
}

func errorsIsUnauthorized(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusUnauthorized
}

// statusError keeps the HTTP status alongside the mapped sentinel, so the
// refresh retry can distinguish a 401 from other failures.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, path string, body, out any, token string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(common.AuthorizationHeaderName, common.BearerPrefix+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("relay unreachable: %w: %v", common.ErrTransportUnavailable, err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("malformed relay response: %w", err)
		}
		return nil
	}
	return c.mapStatus(resp)
}

// mapStatus converts an error response into the shared sentinels the rest of
// the device code dispatches on.
func (c *Client) mapStatus(resp *http.Response) error {
	var body api.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	var sentinel error
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		sentinel = common.ErrorUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		sentinel = common.ErrAuthorizationDenied
	case resp.StatusCode == http.StatusNotFound:
		sentinel = common.ErrorNotFound
	case resp.StatusCode == http.StatusBadRequest:
		sentinel = common.ErrInvalidRequest
	case resp.StatusCode == http.StatusConflict:
		sentinel = common.ErrInvalidRequest
	case resp.StatusCode >= 500:
		sentinel = common.ErrTransportUnavailable
	default:
		sentinel = common.ErrInvalidRequest
	}
	return &statusError{status: resp.StatusCode, err: fmt.Errorf("relay: %s: %w", msg, sentinel)}
}
