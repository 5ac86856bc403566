package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Events are the callbacks fired by Watch.
type Events struct {
	// OnWarning fires once per session when it enters its final minutes.
	OnWarning func(s *Session, remaining time.Duration)
	// OnExpired fires once when the watched session has run out or was
	// removed. Watch returns right after.
	OnExpired func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithDuration sets the absolute lifetime of new sessions.
func WithDuration(d time.Duration) Option {
	return func(m *Manager) { m.duration = d }
}

// WithWarnBefore sets how long before expiry the warning fires.
func WithWarnBefore(d time.Duration) Option {
	return func(m *Manager) { m.warnBefore = d }
}

// WithCheckInterval sets the Watch polling interval.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

// Manager drives the lifecycle NoSession -> Active -> Warning -> Expired,
// with renewal returning to Active and logout returning to NoSession.
type Manager struct {
	auth    Authenticator
	storage Storage
	logger  *slog.Logger

	duration   time.Duration
	warnBefore time.Duration
	interval   time.Duration
	nowFunc    func() time.Time

	mu       sync.Mutex
	warnedID string
}

// NewManager creates a Manager.
func NewManager(auth Authenticator, storage Storage, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		auth:       auth,
		storage:    storage,
		logger:     logger,
		duration:   DefaultDuration,
		warnBefore: DefaultWarnBefore,
		interval:   DefaultCheckInterval,
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) newSession(g *Grant) *Session {
	now := m.nowFunc()
	return &Session{
		ID:        uuid.NewString(),
		UserID:    g.UserID,
		Email:     g.Email,
		IsAdmin:   g.IsAdmin,
		Token:     g.Token,
		CreatedAt: now,
		ExpiresAt: now.Add(m.duration),
	}
}

// Login authenticates with the server and stores the new session. The
// admin flag is taken from the server's answer.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*Session, error) {
	g, err := m.auth.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	s := m.newSession(g)
	if err := m.storage.Save(s); err != nil {
		return nil, err
	}
	m.logger.Info("Session started", "session_id", s.ID, "email", s.Email, "expires_at", s.ExpiresAt)
	return s, nil
}

// Check returns the stored session if it is still valid. Expired,
// unreadable or incomplete records are cleared and reported as no
// session. Check is safe to call at any time.
func (m *Manager) Check() *Session {
	s, err := m.storage.Load()
	switch {
	case errors.Is(err, ErrNoSession):
		return nil
	case err != nil:
		m.logger.Warn("Discarding unreadable session", "error", err)
		m.clear()
		return nil
	case !s.valid():
		m.logger.Warn("Discarding incomplete session")
		m.clear()
		return nil
	}

	if s.Expired(m.nowFunc()) {
		m.logger.Info("Session expired", "session_id", s.ID, "expired_at", s.ExpiresAt)
		m.clear()
		return nil
	}
	return s
}

// State reports the lifecycle state of the stored session at now. It
// does not modify storage.
func (m *Manager) State(now time.Time) State {
	s, err := m.storage.Load()
	if err != nil || !s.valid() {
		return NoSession
	}
	switch {
	case s.Expired(now):
		return Expired
	case s.Remaining(now) <= m.warnBefore:
		return Warning
	}
	return Active
}

// Renew exchanges s for a brand-new session with the same identity and
// role. s itself is not changed.
func (m *Manager) Renew(ctx context.Context, s *Session) (*Session, error) {
	if s == nil {
		return nil, ErrNoSession
	}
	g, err := m.auth.Renew(ctx, s.Token)
	if err != nil {
		return nil, fmt.Errorf("renew session: %w", err)
	}
	fresh := m.newSession(g)
	fresh.UserID, fresh.Email, fresh.IsAdmin = s.UserID, s.Email, s.IsAdmin
	if err := m.storage.Save(fresh); err != nil {
		return nil, err
	}
	m.logger.Info("Session renewed", "old_session_id", s.ID, "session_id", fresh.ID, "expires_at", fresh.ExpiresAt)
	return fresh, nil
}

// Logout asks the server to revoke the token and then clears local state.
// Server errors are logged and otherwise ignored.
func (m *Manager) Logout(ctx context.Context, s *Session) {
	if s != nil && s.Token != "" {
		if err := m.auth.Revoke(ctx, s.Token); err != nil {
			m.logger.Warn("Server-side logout failed", "session_id", s.ID, "error", err)
		}
	}
	m.clear()
	m.logger.Info("Logged out")
}

func (m *Manager) clear() {
	if err := m.storage.Clear(); err != nil {
		m.logger.Error("Failed to clear session storage", "error", err)
	}
}

// Watch re-checks the stored session every interval until ctx is done or
// the session is gone. It returns ctx.Err() on cancellation and nil after
// OnExpired has fired.
func (m *Manager) Watch(ctx context.Context, ev Events) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if !m.poll(ev) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !m.poll(ev) {
				return nil
			}
		}
	}
}

// poll runs one Watch check. It returns false once the session is gone.
func (m *Manager) poll(ev Events) bool {
	s := m.Check()
	if s == nil {
		if ev.OnExpired != nil {
			ev.OnExpired()
		}
		return false
	}

	remaining := s.Remaining(m.nowFunc())
	if remaining > m.warnBefore {
		return true
	}

	m.mu.Lock()
	first := m.warnedID != s.ID
	m.warnedID = s.ID
	m.mu.Unlock()

	if first && ev.OnWarning != nil {
		ev.OnWarning(s, remaining)
	}
	return true
}
