// Package store persists users and revoked session tokens in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no user matches.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicateEmail is returned when creating a user whose email exists.
	ErrDuplicateEmail = errors.New("email already registered")
)

// User is a site account.
type User struct {
	ID                int64
	Email             string
	PasswordHash      string
	DisplayName       string
	FailedLoginCount  int
	LastFailedLoginAt *time.Time
	CreatedAt         time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	email                TEXT NOT NULL UNIQUE COLLATE NOCASE,
	password_hash        TEXT NOT NULL,
	display_name         TEXT NOT NULL DEFAULT '',
	failed_login_count   INTEGER NOT NULL DEFAULT 0,
	last_failed_login_at INTEGER,
	created_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS revoked_tokens (
	token_hash TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL,
	revoked_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires_at ON revoked_tokens(expires_at);
`

// SQLite implements the user and revoked-token store.
type SQLite struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db, nowFunc: time.Now}, nil
}

// SetClock replaces the time source.
func (s *SQLite) SetClock(now func() time.Time) {
	s.nowFunc = now
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateUser inserts a user. passwordHash must already be hashed.
func (s *SQLite) CreateUser(ctx context.Context, email, passwordHash, displayName string) (*User, error) {
	now := s.nowFunc()
	email = strings.TrimSpace(email)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, display_name, created_at) VALUES (?, ?, ?, ?)`,
		email, passwordHash, displayName, now.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &User{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  displayName,
		CreatedAt:    time.Unix(now.Unix(), 0),
	}, nil
}

// FindByEmail looks a user up case-insensitively.
func (s *SQLite) FindByEmail(ctx context.Context, email string) (*User, error) {
	var (
		u          User
		lastFailed sql.NullInt64
		createdAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, display_name, failed_login_count, last_failed_login_at, created_at
		 FROM users WHERE email = ?`,
		strings.TrimSpace(email),
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.FailedLoginCount, &lastFailed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if lastFailed.Valid {
		t := time.Unix(lastFailed.Int64, 0)
		u.LastFailedLoginAt = &t
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

// IncrementFailedLogin bumps the user's failed login counter.
func (s *SQLite) IncrementFailedLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET failed_login_count = failed_login_count + 1, last_failed_login_at = ? WHERE id = ?`,
		s.nowFunc().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("increment failed login: %w", err)
	}
	return nil
}

// ResetFailedLogin clears the failed login counter after a successful login.
func (s *SQLite) ResetFailedLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET failed_login_count = 0, last_failed_login_at = NULL WHERE id = ?`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("reset failed login: %w", err)
	}
	return nil
}

// RevokeToken records a revoked token until its natural expiry.
// Revoking the same token twice is not an error.
func (s *SQLite) RevokeToken(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO revoked_tokens (token_hash, user_id, revoked_at, expires_at) VALUES (?, ?, ?, ?)`,
		tokenHash, userID, s.nowFunc().Unix(), expiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsTokenRevoked reports whether tokenHash has been revoked.
func (s *SQLite) IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM revoked_tokens WHERE token_hash = ?`, tokenHash,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return true, nil
}

// SweepRevoked deletes revocations of tokens that have expired anyway.
func (s *SQLite) SweepRevoked(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at < ?`, s.nowFunc().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep revoked tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
