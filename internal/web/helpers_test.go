package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/studentenathome/sahguard/internal/config"
	"github.com/studentenathome/sahguard/internal/csrf"
	"github.com/studentenathome/sahguard/internal/store"
)

const (
	adminEmailAddr   = "admin@example.com"
	studentEmailAddr = "student@example.com"
	testPassword     = "correct horse battery"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	*Server
	clock *fakeClock
	users *store.SQLite
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.TokenSecret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.AdminEmails = []string{adminEmailAddr}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opts Options) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	users, err := store.Open(filepath.Join(t.TempDir(), "web.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { users.Close() })

	for _, email := range []string{adminEmailAddr, studentEmailAddr} {
		hash, _ := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
		if _, err := users.CreateUser(context.Background(), email, string(hash), ""); err != nil {
			t.Fatal(err)
		}
	}

	opts.Users = users
	srv, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	clock := newFakeClock()
	srv.SetClock(clock.Now)
	return &testServer{Server: srv, clock: clock, users: users}
}

type request struct {
	method  string
	path    string
	body    string
	ip      string
	token   string
	csrf    string
	headers map[string]string
}

func (ts *testServer) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if req.body != "" {
		body = strings.NewReader(req.body)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.ip == "" {
		req.ip = "192.0.2.10"
	}
	r.RemoteAddr = req.ip + ":40000"
	if req.body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.csrf != "" {
		r.Header.Set(csrf.HeaderName, req.csrf)
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, r)
	return rec
}

// login returns the session token of email, failing the test otherwise.
func (ts *testServer) login(t *testing.T, email, ip string) string {
	t.Helper()
	rec := ts.do(t, request{
		method: http.MethodPost,
		path:   "/api/auth/login",
		body:   `{"email":"` + email + `","password":"` + testPassword + `"}`,
		ip:     ip,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status = %d, body = %s", email, rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	return resp.Token
}

func (ts *testServer) csrfToken(t *testing.T, ip string) string {
	t.Helper()
	rec := ts.do(t, request{method: http.MethodGet, path: "/api/csrf-token", ip: ip})
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf-token: status = %d", rec.Code)
	}
	var resp struct {
		Token string `json:"token"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	return resp.Token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}
