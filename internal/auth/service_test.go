package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/studentenathome/sahguard/internal/defense"
)

func TestLoginSuccess(t *testing.T) {
	env := newTestEnv(t, "admin@example.com")
	env.addUser(t, "admin@example.com", "correct horse")
	env.addUser(t, "student@example.com", "battery staple")
	ctx := context.Background()

	p, err := env.svc.Login(ctx, "10.0.0.1", "admin@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !p.IsAdmin {
		t.Error("admin login should carry IsAdmin")
	}
	if !p.ExpiresAt.Equal(env.clock.Now().Add(24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v", p.ExpiresAt)
	}

	p, err = env.svc.Login(ctx, "10.0.0.1", "student@example.com", "battery staple")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if p.IsAdmin {
		t.Error("student login should not carry IsAdmin")
	}
	if env.recorder.count() != 0 {
		t.Errorf("successful logins recorded %d violations", env.recorder.count())
	}
}

func TestLoginFailureRecordsViolation(t *testing.T) {
	env := newTestEnv(t)
	u := env.addUser(t, "student@example.com", "battery staple")
	ctx := context.Background()

	_, err := env.svc.Login(ctx, "10.0.0.5", "student@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login(wrong password) error = %v", err)
	}
	_, err = env.svc.Login(ctx, "10.0.0.5", "nobody@example.com", "whatever")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login(unknown) error = %v", err)
	}

	env.recorder.mu.Lock()
	calls := append([]recordedViolation(nil), env.recorder.calls...)
	env.recorder.mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("recorded %d violations, want 2", len(calls))
	}
	for _, c := range calls {
		if c.ip != "10.0.0.5" || c.vt != defense.ViolationFailedLogin {
			t.Errorf("violation = %+v", c)
		}
	}

	found, _ := env.users.FindByEmail(ctx, "student@example.com")
	if found.FailedLoginCount != 1 {
		t.Errorf("FailedLoginCount = %d, want 1", found.FailedLoginCount)
	}

	if _, err := env.svc.Login(ctx, "10.0.0.5", "student@example.com", "battery staple"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	found, _ = env.users.FindByEmail(ctx, "student@example.com")
	if found.FailedLoginCount != 0 || found.ID != u.ID {
		t.Errorf("FailedLoginCount after success = %d, want 0", found.FailedLoginCount)
	}
}

func TestVerifyAndRevoke(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "student@example.com", "battery staple")
	ctx := context.Background()

	p, _ := env.svc.Login(ctx, "10.0.0.1", "student@example.com", "battery staple")
	if _, err := env.svc.Verify(ctx, p.Token); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if err := env.svc.Revoke(ctx, p.Token); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := env.svc.Verify(ctx, p.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Verify(revoked) error = %v, want ErrSessionInvalid", err)
	}
	if err := env.svc.Revoke(ctx, "garbage"); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Revoke(garbage) error = %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "student@example.com", "battery staple")
	ctx := context.Background()

	p, _ := env.svc.Login(ctx, "10.0.0.1", "student@example.com", "battery staple")
	env.clock.Advance(24*time.Hour + time.Second)

	if _, err := env.svc.Verify(ctx, p.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Verify(expired) error = %v, want ErrSessionInvalid", err)
	}
	// Logging out with a stale token still works.
	if err := env.svc.Revoke(ctx, p.Token); err != nil {
		t.Errorf("Revoke(expired) error = %v", err)
	}
}

func TestRenew(t *testing.T) {
	env := newTestEnv(t, "admin@example.com")
	env.addUser(t, "admin@example.com", "correct horse")
	ctx := context.Background()

	old, _ := env.svc.Login(ctx, "10.0.0.1", "admin@example.com", "correct horse")
	env.clock.Advance(time.Hour)

	fresh, err := env.svc.Renew(ctx, old)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if fresh.Token == old.Token || fresh.TokenID == old.TokenID {
		t.Error("Renew() should issue a new token")
	}
	if fresh.UserID != old.UserID || fresh.Email != old.Email || !fresh.IsAdmin {
		t.Errorf("Renew() = %+v, want same identity and role", fresh)
	}
	if !fresh.ExpiresAt.After(old.ExpiresAt) {
		t.Errorf("renewed ExpiresAt %v not after %v", fresh.ExpiresAt, old.ExpiresAt)
	}
	if _, err := env.svc.Verify(ctx, old.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("old token still valid after Renew(): %v", err)
	}
	if _, err := env.svc.Verify(ctx, fresh.Token); err != nil {
		t.Errorf("Verify(fresh) error = %v", err)
	}
}

func TestAdminFlagFixedForSession(t *testing.T) {
	env := newTestEnv(t, "admin@example.com")
	env.addUser(t, "admin@example.com", "correct horse")
	ctx := context.Background()

	p, _ := env.svc.Login(ctx, "10.0.0.1", "admin@example.com", "correct horse")
	env.svc.Admins().Replace(nil)

	got, err := env.svc.Verify(ctx, p.Token)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsAdmin {
		t.Error("existing session lost its admin flag after the allow-list changed")
	}
	p2, _ := env.svc.Login(ctx, "10.0.0.1", "admin@example.com", "correct horse")
	if p2.IsAdmin {
		t.Error("new session should use the replaced allow-list")
	}
}

func TestHashPassword(t *testing.T) {
	if _, err := HashPassword("short"); err == nil {
		t.Error("HashPassword(short) should fail")
	}
	hash, err := HashPassword("long enough")
	if err != nil {
		t.Fatal(err)
	}
	if hash == "long enough" || len(hash) < 50 {
		t.Errorf("HashPassword() = %q", hash)
	}
}
