package auth

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/studentenathome/sahguard/internal/defense"
	"github.com/studentenathome/sahguard/internal/store"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

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

type recordedViolation struct {
	ip      string
	vt      defense.ViolationType
	details string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedViolation
}

func (f *fakeRecorder) RecordViolation(ip string, vt defense.ViolationType, details string) defense.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedViolation{ip: ip, vt: vt, details: details})
	return defense.Decision{}
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEnv struct {
	svc      *Service
	users    *store.SQLite
	clock    *fakeClock
	recorder *fakeRecorder
}

func newTestEnv(t *testing.T, admins ...string) *testEnv {
	t.Helper()
	users, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { users.Close() })

	tokens, err := NewTokenIssuer(testSecret, "sahguard-test", 24*time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	clock := newFakeClock()
	tokens.SetClock(clock.Now)

	rec := &fakeRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		svc:      NewService(users, tokens, NewAdminList(admins), rec, logger),
		users:    users,
		clock:    clock,
		recorder: rec,
	}
}

// addUser creates an account with a cheap hash.
func (e *testEnv) addUser(t *testing.T, email, password string) *store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	u, err := e.users.CreateUser(context.Background(), email, string(hash), "")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return u
}
