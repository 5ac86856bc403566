// Package auth issues, verifies and revokes server-side session tokens and
// records failed logins as security violations.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/studentenathome/sahguard/internal/defense"
	"github.com/studentenathome/sahguard/internal/store"
)

var (
	// ErrInvalidCredentials is returned for any failed login, whether the
	// account exists or not.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrSessionInvalid covers malformed, expired, forged and revoked tokens.
	ErrSessionInvalid = errors.New("session invalid")
)

// UserStore is the persistent account store.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*store.User, error)
	IncrementFailedLogin(ctx context.Context, userID int64) error
	ResetFailedLogin(ctx context.Context, userID int64) error
	RevokeToken(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error)
}

// ViolationRecorder receives failed logins.
type ViolationRecorder interface {
	RecordViolation(ip string, vt defense.ViolationType, details string) defense.Decision
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// compareDummy spends the same time as a real password check so unknown
// accounts cannot be told apart by latency.
func compareDummy(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sahguard-placeholder"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// HashPassword hashes a password for storage.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Service implements login, verification, renewal and logout.
type Service struct {
	users    UserStore
	tokens   *TokenIssuer
	admins   *AdminList
	recorder ViolationRecorder
	logger   *slog.Logger
}

// NewService wires the service. recorder may be nil.
func NewService(users UserStore, tokens *TokenIssuer, admins *AdminList, recorder ViolationRecorder, logger *slog.Logger) *Service {
	return &Service{
		users:    users,
		tokens:   tokens,
		admins:   admins,
		recorder: recorder,
		logger:   logger,
	}
}

// Admins returns the allow-list, so config reloads can replace it.
func (s *Service) Admins() *AdminList {
	return s.admins
}

// Login checks credentials and issues a session token. The admin flag is
// resolved here, once, from the allow-list.
func (s *Service) Login(ctx context.Context, ip, email, password string) (*Principal, error) {
	s.logger.Warn("login_attempt", "ip", ip, "email", email)

	user, err := s.users.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		compareDummy(password)
		s.failed(ip, email, "unknown account")
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, fmt.Errorf("login: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		if err := s.users.IncrementFailedLogin(ctx, user.ID); err != nil {
			s.logger.Error("Failed to record failed login", "user_id", user.ID, "error", err)
		}
		s.failed(ip, email, "wrong password")
		return nil, ErrInvalidCredentials
	}

	if user.FailedLoginCount > 0 {
		if err := s.users.ResetFailedLogin(ctx, user.ID); err != nil {
			s.logger.Error("Failed to reset failed login counter", "user_id", user.ID, "error", err)
		}
	}

	p, err := s.tokens.Issue(user.ID, user.Email, s.admins.Contains(user.Email))
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	s.logger.Info("Login succeeded", "ip", ip, "user_id", user.ID, "is_admin", p.IsAdmin)
	return p, nil
}

func (s *Service) failed(ip, email, reason string) {
	s.logger.Warn("failed_login", "ip", ip, "email", email, "reason", reason)
	if s.recorder != nil {
		s.recorder.RecordViolation(ip, defense.ViolationFailedLogin, email)
	}
}

// Verify checks signature, expiry and revocation of raw.
func (s *Service) Verify(ctx context.Context, raw string) (*Principal, error) {
	p, err := s.tokens.Parse(raw, false)
	if err != nil {
		return nil, err
	}
	revoked, err := s.users.IsTokenRevoked(ctx, TokenHash(raw))
	if err != nil {
		return nil, fmt.Errorf("verify session: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("%w: revoked", ErrSessionInvalid)
	}
	return p, nil
}

// Renew issues a new token for the same identity, then revokes the old one.
// The admin flag is resolved again for the new session.
func (s *Service) Renew(ctx context.Context, p *Principal) (*Principal, error) {
	fresh, err := s.tokens.Issue(p.UserID, p.Email, s.admins.Contains(p.Email))
	if err != nil {
		return nil, fmt.Errorf("renew session: %w", err)
	}
	if err := s.users.RevokeToken(ctx, TokenHash(p.Token), p.UserID, p.ExpiresAt); err != nil {
		s.logger.Warn("Failed to revoke renewed token", "user_id", p.UserID, "error", err)
	}
	return fresh, nil
}

// Revoke invalidates raw until its natural expiry. Expired but otherwise
// valid tokens are accepted so a late logout still succeeds.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	p, err := s.tokens.Parse(raw, true)
	if err != nil {
		return err
	}
	if err := s.users.RevokeToken(ctx, TokenHash(raw), p.UserID, p.ExpiresAt); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.logger.Info("Session revoked", "user_id", p.UserID, "token_id", p.TokenID)
	return nil
}
