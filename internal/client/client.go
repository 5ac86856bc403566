package client

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

	"github.com/studentenathome/sahguard/internal/auth"
	"github.com/studentenathome/sahguard/internal/csrf"
	"github.com/studentenathome/sahguard/internal/httpx"
	"github.com/studentenathome/sahguard/internal/session"
)

// Client talks to the sahguard REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	nowFunc func() time.Time

	mu          sync.Mutex
	csrfToken   string
	csrfTTL     time.Duration
	csrfRefresh time.Time
}

// csrfRefreshMargin is subtracted from the token lifetime the server reports.
const csrfRefreshMargin = time.Minute

var _ session.Authenticator = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithClock replaces the time source used to age the cached CSRF token.
func WithClock(now func() time.Time) Option {
	return func(client *Client) {
		client.nowFunc = now
	}
}

// New creates a client for the server at baseURL (e.g. "http://127.0.0.1:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		nowFunc: time.Now,
		csrfTTL: csrf.DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body httpx.ErrorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
}

type requestOptions struct {
	token string
	csrf  bool
}

// do sends a JSON request and decodes a JSON answer into out (if non-nil).
// A CSRF request rejected with CSRF_INVALID is retried once with a freshly
// fetched token.
func (c *Client) do(ctx context.Context, method, path string, in, out any, opts requestOptions) error {
	var data []byte
	if in != nil {
		var err error
		if data, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	resp, err := c.send(ctx, method, path, data, opts)
	if err != nil {
		return err
	}
	if opts.csrf && resp.StatusCode == http.StatusForbidden {
		apiErr := decodeAPIError(resp)
		resp.Body.Close()
		if !IsCode(apiErr, httpx.CodeCSRFInvalid) {
			return apiErr
		}
		c.setCSRFToken("")
		if resp, err = c.send(ctx, method, path, data, opts); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send performs a single round trip. The caller closes the response body.
func (c *Client) send(ctx context.Context, method, path string, data []byte, opts requestOptions) (*http.Response, error) {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}
	if opts.csrf {
		token, err := c.CSRFToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set(csrf.HeaderName, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if opts.csrf {
		// The submitted token is spent either way.
		c.setCSRFToken(resp.Header.Get(csrf.HeaderName))
	}
	return resp, nil
}

// setCSRFToken caches token and restarts its lifetime. An empty token
// clears the cache.
func (c *Client) setCSRFToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csrfToken = token
	c.csrfRefresh = time.Time{}
	if token != "" {
		c.csrfRefresh = c.nowFunc().Add(refreshAfter(c.csrfTTL))
	}
}

// refreshAfter is how long a token is reused before a new one is fetched,
// leaving a margin for clock skew and request latency.
func refreshAfter(ttl time.Duration) time.Duration {
	if ttl <= 2*csrfRefreshMargin {
		return ttl / 2
	}
	return ttl - csrfRefreshMargin
}

// CSRFToken returns the current CSRF token, fetching one if none is cached
// or the cached one is close to expiring.
func (c *Client) CSRFToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.csrfToken
	if token != "" && !c.nowFunc().Before(c.csrfRefresh) {
		token = ""
	}
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}

	var resp csrf.TokenResponse
	if err := c.do(ctx, http.MethodGet, "/api/csrf-token", nil, &resp, requestOptions{}); err != nil {
		return "", fmt.Errorf("fetch csrf token: %w", err)
	}
	if resp.Token == "" {
		return "", errors.New("fetch csrf token: empty token")
	}
	if resp.ExpiresIn > 0 {
		c.mu.Lock()
		c.csrfTTL = time.Duration(resp.ExpiresIn) * time.Second
		c.mu.Unlock()
	}
	c.setCSRFToken(resp.Token)
	return resp.Token, nil
}

func toGrant(r auth.SessionResponse) *session.Grant {
	return &session.Grant{
		Token:     r.Token,
		UserID:    r.UserID,
		Email:     r.Email,
		IsAdmin:   r.IsAdmin,
		ExpiresAt: r.ExpiresAt,
	}
}

// Login implements session.Authenticator.
func (c *Client) Login(ctx context.Context, creds session.Credentials) (*session.Grant, error) {
	var resp auth.SessionResponse
	req := auth.LoginRequest{Email: creds.Email, Password: creds.Password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", req, &resp, requestOptions{}); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return toGrant(resp), nil
}

// Renew implements session.Authenticator.
func (c *Client) Renew(ctx context.Context, token string) (*session.Grant, error) {
	var resp auth.SessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/renew", nil, &resp, requestOptions{token: token, csrf: true}); err != nil {
		return nil, fmt.Errorf("renew: %w", err)
	}
	return toGrant(resp), nil
}

// Revoke implements session.Authenticator.
func (c *Client) Revoke(ctx context.Context, token string) error {
	if err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, requestOptions{token: token, csrf: true}); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Session returns the server's view of the session behind token.
func (c *Client) Session(ctx context.Context, token string) (*auth.SessionResponse, error) {
	var resp auth.SessionResponse
	if err := c.do(ctx, http.MethodGet, "/api/auth/session", nil, &resp, requestOptions{token: token}); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &resp, nil
}

// Health is the answer of GET /api/health.
type Health struct {
	Status     string `json:"status"`
	Blocks     int    `json:"blocks"`
	Violations int    `json:"violations"`
	CSRFTokens int    `json:"csrfTokens"`
}

// Health fetches the server health summary.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &h, requestOptions{}); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &h, nil
}
