package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
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

type fakeAuth struct {
	mu        sync.Mutex
	isAdmin   bool
	loginErr  error
	revokeErr error
	renewErr  error
	revoked   []string
	issued    int
}

func (f *fakeAuth) grant(email string) *Grant {
	f.issued++
	return &Grant{
		Token:   "token-" + string(rune('a'+f.issued)),
		UserID:  7,
		Email:   email,
		IsAdmin: f.isAdmin,
	}
}

func (f *fakeAuth) Login(_ context.Context, creds Credentials) (*Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.grant(creds.Email), nil
}

func (f *fakeAuth) Renew(_ context.Context, _ string) (*Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	// The server answer deliberately differs; the client keeps its own identity.
	return f.grant("renewed@example.com"), nil
}

func (f *fakeAuth) Revoke(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return f.revokeErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, storage Storage) (*Manager, *fakeAuth, *fakeClock) {
	t.Helper()
	if storage == nil {
		storage = NewMemoryStorage()
	}
	auth := &fakeAuth{}
	clock := newFakeClock()
	m := NewManager(auth, storage, testLogger(), WithClock(clock.Now))
	return m, auth, clock
}

func TestLogin(t *testing.T) {
	m, auth, clock := newTestManager(t, nil)
	auth.isAdmin = true

	s, err := m.Login(context.Background(), Credentials{Email: "admin@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !s.IsAdmin {
		t.Error("IsAdmin should come from the server grant")
	}
	if !s.ExpiresAt.Equal(clock.Now().Add(24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v, want now+24h", s.ExpiresAt)
	}
	if s.ID == "" || s.Token == "" {
		t.Errorf("session = %+v", s)
	}
	if got := m.Check(); got == nil || got.ID != s.ID {
		t.Errorf("Check() = %+v, want stored session", got)
	}
}

func TestLoginFailureStoresNothing(t *testing.T) {
	m, auth, _ := newTestManager(t, nil)
	auth.loginErr = errors.New("invalid credentials")

	if _, err := m.Login(context.Background(), Credentials{Email: "a@example.com"}); err == nil {
		t.Fatal("Login() expected error")
	}
	if m.Check() != nil {
		t.Error("failed login left a session behind")
	}
}

// An expired session is never returned, even while storage still holds it.
func TestCheckFailsClosedOnExpiry(t *testing.T) {
	storage := NewMemoryStorage()
	m, _, clock := newTestManager(t, storage)
	m.Login(context.Background(), Credentials{Email: "a@example.com"})

	clock.Advance(24*time.Hour - time.Second)
	if m.Check() == nil {
		t.Fatal("Check() just before expiry returned nil")
	}

	clock.Advance(time.Second)
	if _, err := storage.Load(); err != nil {
		t.Fatalf("storage should still hold the session before Check(): %v", err)
	}
	if got := m.Check(); got != nil {
		t.Errorf("Check() at expiresAt = %+v, want nil", got)
	}
	if _, err := storage.Load(); !errors.Is(err, ErrNoSession) {
		t.Errorf("storage not cleared after expiry: %v", err)
	}
	if got := m.Check(); got != nil {
		t.Errorf("second Check() = %+v", got)
	}
}

func TestCheckFailsClosedOnCorruptStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	m, _, _ := newTestManager(t, NewFileStorage(path))

	if got := m.Check(); got != nil {
		t.Errorf("Check() with corrupt storage = %+v, want nil", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt session file was not removed")
	}

	// A parseable but incomplete record is rejected too.
	os.WriteFile(path, []byte(`{"email":"a@example.com"}`), 0600)
	if got := m.Check(); got != nil {
		t.Errorf("Check() with incomplete record = %+v, want nil", got)
	}
}

func TestState(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	if got := m.State(clock.Now()); got != NoSession {
		t.Errorf("State() = %v, want NoSession", got)
	}

	s, _ := m.Login(context.Background(), Credentials{Email: "a@example.com"})
	tests := []struct {
		at   time.Time
		want State
	}{
		{clock.Now(), Active},
		{s.ExpiresAt.Add(-5*time.Minute - time.Second), Active},
		{s.ExpiresAt.Add(-5 * time.Minute), Warning},
		{s.ExpiresAt.Add(-time.Second), Warning},
		{s.ExpiresAt, Expired},
	}
	for _, tt := range tests {
		if got := m.State(tt.at); got != tt.want {
			t.Errorf("State(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestRenew(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	old, _ := m.Login(context.Background(), Credentials{Email: "a@example.com"})
	oldCopy := *old

	clock.Advance(23 * time.Hour)
	fresh, err := m.Renew(context.Background(), old)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if *old != oldCopy {
		t.Error("Renew() modified the old session")
	}
	if fresh.ID == old.ID || fresh.Token == old.Token {
		t.Error("Renew() should mint a new session")
	}
	if fresh.Email != old.Email || fresh.UserID != old.UserID || fresh.IsAdmin != old.IsAdmin {
		t.Errorf("Renew() changed identity: %+v", fresh)
	}
	if !fresh.CreatedAt.Equal(clock.Now()) || !fresh.ExpiresAt.Equal(clock.Now().Add(24*time.Hour)) {
		t.Errorf("Renew() times = %v / %v", fresh.CreatedAt, fresh.ExpiresAt)
	}
	if got := m.Check(); got == nil || got.ID != fresh.ID {
		t.Error("renewed session not stored")
	}
}

func TestRenewFailureKeepsSession(t *testing.T) {
	m, auth, _ := newTestManager(t, nil)
	old, _ := m.Login(context.Background(), Credentials{Email: "a@example.com"})
	auth.renewErr = errors.New("server down")

	if _, err := m.Renew(context.Background(), old); err == nil {
		t.Fatal("Renew() expected error")
	}
	if got := m.Check(); got == nil || got.ID != old.ID {
		t.Error("failed renewal should keep the current session")
	}
}

func TestLogoutAlwaysClears(t *testing.T) {
	m, auth, _ := newTestManager(t, nil)
	s, _ := m.Login(context.Background(), Credentials{Email: "a@example.com"})
	auth.revokeErr = errors.New("connection refused")

	m.Logout(context.Background(), s)

	if m.Check() != nil {
		t.Error("session survived logout")
	}
	if len(auth.revoked) != 1 || auth.revoked[0] != s.Token {
		t.Errorf("revoked = %v", auth.revoked)
	}

	// Logging out without a session is harmless.
	m.Logout(context.Background(), nil)
}

func TestPollWarnsOnce(t *testing.T) {
	m, _, clock := newTestManager(t, nil)
	s, _ := m.Login(context.Background(), Credentials{Email: "a@example.com"})

	var warnings, expirations int
	ev := Events{
		OnWarning: func(*Session, time.Duration) { warnings++ },
		OnExpired: func() { expirations++ },
	}

	if !m.poll(ev) || warnings != 0 {
		t.Fatalf("fresh session: warnings = %d", warnings)
	}

	clock.Advance(24*time.Hour - 4*time.Minute)
	for i := 0; i < 3; i++ {
		if !m.poll(ev) {
			t.Fatal("poll() stopped before expiry")
		}
		clock.Advance(time.Minute)
	}
	if warnings != 1 {
		t.Errorf("warnings = %d, want exactly 1", warnings)
	}

	// A renewed session gets its own warning.
	fresh, _ := m.Renew(context.Background(), s)
	clock.Advance(fresh.ExpiresAt.Sub(clock.Now()) - time.Minute)
	m.poll(ev)
	if warnings != 2 {
		t.Errorf("warnings after renewal = %d, want 2", warnings)
	}

	clock.Advance(time.Minute)
	if m.poll(ev) {
		t.Error("poll() should stop once the session expired")
	}
	if expirations != 1 {
		t.Errorf("expirations = %d, want 1", expirations)
	}
}

func TestWatchStopsOnExpiry(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(&fakeAuth{}, NewMemoryStorage(), testLogger(),
		WithClock(clock.Now), WithCheckInterval(5*time.Millisecond))
	m.Login(context.Background(), Credentials{Email: "a@example.com"})

	expired := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Watch(context.Background(), Events{OnExpired: func() { close(expired) }})
	}()

	clock.Advance(25 * time.Hour)
	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("OnExpired not fired")
	}
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

func TestWatchCancel(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	m.Login(context.Background(), Credentials{Email: "a@example.com"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Watch(ctx, Events{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Watch() error = %v, want context.Canceled", err)
	}
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	fs := NewFileStorage(path)

	if _, err := fs.Load(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Load() on empty = %v, want ErrNoSession", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{ID: "id", Token: "tok", Email: "a@example.com", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := fs.Save(s); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions = %o, want 600", info.Mode().Perm())
	}
	got, err := fs.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "id" || !got.ExpiresAt.Equal(s.ExpiresAt) {
		t.Errorf("Load() = %+v", got)
	}
	if err := fs.Clear(); err != nil {
		t.Fatal(err)
	}
	if err := fs.Clear(); err != nil {
		t.Errorf("second Clear() error = %v", err)
	}
}
