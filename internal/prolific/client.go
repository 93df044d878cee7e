package prolific

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Defaults for NewClient.
const (
	DefaultBaseURL       = "https://api.prolific.com/api/v1"
	DefaultStatusTimeout = 2 * time.Second
	DefaultHTTPTimeout   = 30 * time.Second

	// minCredentialLength rejects tokens and project ids that cannot be real
	// without a round trip.
	minCredentialLength = 10
)

// Status is the result of the credential check.
type Status string

const (
	StatusUnknown          Status = "unknown"
	StatusOK               Status = "ok"
	StatusInvalidToken     Status = "invalidToken"
	StatusInvalidProjectID Status = "invalidProjectId"
)

// Client talks to the recruitment platform API on behalf of one project.
//
// Thread Safety: safe for concurrent use. SetToken invalidates the cached
// credential status.
type Client struct {
	baseURL       string
	projectID     string
	http          *http.Client
	statusTimeout time.Duration

	mu     sync.Mutex
	token  string
	status Status
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithStatusTimeout bounds how long Request waits for the credential check.
func WithStatusTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.statusTimeout = d }
}

// WithToken sets the API token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// NewClient creates a client for projectID.
func NewClient(projectID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       DefaultBaseURL,
		projectID:     projectID,
		http:          &http.Client{Timeout: DefaultHTTPTimeout},
		statusTimeout: DefaultStatusTimeout,
		status:        StatusUnknown,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProjectID returns the project the client acts on.
func (c *Client) ProjectID() string {
	return c.projectID
}

// Token returns the current API token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken replaces the API token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
	c.status = StatusUnknown
}

// Status returns the last credential check result.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CheckStatus validates the token and project id against the API.
func (c *Client) CheckStatus(ctx context.Context) (Status, error) {
	token := c.Token()
	st, err := c.checkStatus(ctx, token)
	c.mu.Lock()
	if c.token == token {
		c.status = st
	}
	c.mu.Unlock()
	return st, err
}

func (c *Client) checkStatus(ctx context.Context, token string) (Status, error) {
	if len(token) < minCredentialLength {
		return StatusInvalidToken, nil
	}
	if len(c.projectID) < minCredentialLength {
		return StatusInvalidProjectID, nil
	}
	resp, err := c.do(ctx, http.MethodGet, "/projects/"+c.projectID, "", token, nil)
	if err != nil {
		return StatusUnknown, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return StatusOK, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return StatusInvalidToken, nil
	case resp.StatusCode == http.StatusNotFound:
		return StatusInvalidProjectID, nil
	}
	slog.Error("prolific status check failed", "status", resp.StatusCode)
	return StatusUnknown, &Error{Method: http.MethodGet, Path: "/projects/" + c.projectID, Status: resp.StatusCode, Message: "status check failed"}
}

// Request performs an API call and decodes the JSON response into out,
// which may be nil. The call fails closed with ErrStatus unless the
// credential check reports StatusOK within the status timeout.
//
// Non-JSON response bodies decode as {"info": text}; an empty body or a
// 204 leaves out untouched.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	if err := c.ensureOK(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	start := time.Now()
	resp, err := c.do(ctx, method, path, "", c.Token(), reader)
	if err != nil {
		observeRequest(method, 0)
		slog.Error("API request failed", "method", method, "path", path, "error", err, "elapsed", time.Since(start))
		return &Error{Method: method, Path: path, Message: fmt.Sprintf("API request failed: %v", err)}
	}
	defer resp.Body.Close()
	observeRequest(method, resp.StatusCode)
	slog.Debug("API request response", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Method: method, Path: path, Status: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	data := decodeBody(raw)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		pretty, _ := json.MarshalIndent(data, "", "  ")
		return &Error{Method: method, Path: path, Status: resp.StatusCode, Body: data, Message: string(pretty)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		raw, _ = json.Marshal(data)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"info": string(raw)}
	}
	return v
}

func (c *Client) ensureOK(ctx context.Context) error {
	if st := c.Status(); st == StatusOK {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()
	st, err := c.CheckStatus(cctx)
	if st == StatusOK {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStatus, st, err)
	}
	return fmt.Errorf("%w: %s", ErrStatus, st)
}

// Forward relays a raw request with the caller's token. It skips the
// credential check and leaves the response for the caller to close.
func (c *Client) Forward(ctx context.Context, method, path, rawQuery, token string, body io.Reader) (*http.Response, error) {
	return c.do(ctx, method, path, rawQuery, token, body)
}

func (c *Client) do(ctx context.Context, method, path, rawQuery, token string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path, rawQuery), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+token)
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// URL joins path onto the API root. The API requires a trailing slash
// on every path, so one is added when missing.
func (c *Client) URL(path, rawQuery string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		extra := path[i+1:]
		path = path[:i]
		if rawQuery == "" {
			rawQuery = extra
		} else if extra != "" {
			rawQuery = extra + "&" + rawQuery
		}
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u := c.baseURL + "/" + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// StudyLink is the researcher dashboard page for a study.
func StudyLink(studyID string) string {
	return "https://app.prolific.com/researcher/workspaces/studies/" + studyID + "/submissions"
}

func statusLabel(code int) string {
	if code == 0 {
		return "error"
	}
	return strconv.Itoa(code)
}
