// Package session keeps the client-side record of a login: its absolute
// expiry, renewal and the expiry warning shown before it runs out.
package session

import (
	"context"
	"errors"
	"time"
)

// Defaults for the client-side lifecycle.
const (
	DefaultDuration      = 24 * time.Hour
	DefaultWarnBefore    = 5 * time.Minute
	DefaultCheckInterval = time.Minute
)

// ErrNoSession is returned by storage that holds no session.
var ErrNoSession = errors.New("no session")

// Session is a client-side login record. A Session is never mutated after
// it is created; renewal produces a new one.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"userId"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"isAdmin"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether s is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining is the time left at now, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// valid reports whether a loaded record has the fields a usable session needs.
func (s *Session) valid() bool {
	return s != nil && s.ID != "" && s.Token != "" && !s.ExpiresAt.IsZero()
}

// State is where a session is in its lifecycle.
type State int

const (
	NoSession State = iota
	Active
	Warning
	Expired
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "no session"
	case Active:
		return "active"
	case Warning:
		return "expiring soon"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Credentials are what the user types to log in.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Grant is the server's answer to a login or renewal.
type Grant struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"userId"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"isAdmin"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Authenticator talks to the server on behalf of the Manager.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (*Grant, error)
	Renew(ctx context.Context, token string) (*Grant, error)
	Revoke(ctx context.Context, token string) error
}
