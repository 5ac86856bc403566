// Package csrf issues single-use, expiring CSRF tokens and enforces them on
// state-changing requests.
package csrf

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// tokenLength is the number of random bytes in a token (256 bits).
	tokenLength = 32

	DefaultTTL           = 15 * time.Minute
	DefaultHighWaterMark = 10000
)

// Store keeps issued tokens until they are consumed or expire.
// A token moves from valid to consumed or expired and never back.
type Store struct {
	mu        sync.Mutex
	tokens    map[string]time.Time
	ttl       time.Duration
	highWater int

	nowFunc func() time.Time
}

// NewStore creates a token store. Non-positive arguments select the defaults.
func NewStore(ttl time.Duration, highWater int) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if highWater <= 0 {
		highWater = DefaultHighWaterMark
	}
	return &Store{
		tokens:    make(map[string]time.Time),
		ttl:       ttl,
		highWater: highWater,
		nowFunc:   time.Now,
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

// Issue generates and stores a new token. When the store has grown past
// the high-water mark, expired tokens are swept first.
func (s *Store) Issue() (string, error) {
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if len(s.tokens) >= s.highWater {
		s.sweepLocked(now)
	}
	s.tokens[token] = now.Add(s.ttl)
	return token, nil
}

// Verify reports whether token was issued and has not expired or been
// consumed. An expired token is deleted by the check.
func (s *Store) Verify(token string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.tokens[token]
	if !ok {
		return false
	}
	if s.nowFunc().After(expires) {
		delete(s.tokens, token)
		return false
	}
	return true
}

// Consume invalidates token. Unknown tokens are ignored.
func (s *Store) Consume(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// Sweep removes expired tokens and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.nowFunc())
}

func (s *Store) sweepLocked(now time.Time) int {
	removed := 0
	for token, expires := range s.tokens {
		if now.After(expires) {
			delete(s.tokens, token)
			removed++
		}
	}
	return removed
}

// TTL returns how long an issued token stays valid.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Len returns the number of stored tokens, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
