// Package ratelimit implements fixed-window request limits per identifier
// and endpoint class.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is the limit for one endpoint class.
type Policy struct {
	Name    string
	Window  time.Duration
	Max     int
	Message string
}

// Validate rejects policies that would never allow or never reset.
func (p Policy) Validate() error {
	if p.Name == "" {
		return errors.New("rate limit policy needs a name")
	}
	if p.Window <= 0 {
		return fmt.Errorf("rate limit policy %s: window must be positive", p.Name)
	}
	if p.Max <= 0 {
		return fmt.Errorf("rate limit policy %s: max must be positive", p.Name)
	}
	return nil
}

// Endpoint classes.
const (
	ClassAuth    = "auth"
	ClassAPI     = "api"
	ClassPosts   = "posts"
	ClassContact = "contact"
)

// DefaultPolicies returns the built-in endpoint classes.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ClassAuth: {
			Name:    ClassAuth,
			Window:  15 * time.Minute,
			Max:     5,
			Message: "Too many login attempts, please try again later.",
		},
		ClassAPI: {
			Name:    ClassAPI,
			Window:  15 * time.Minute,
			Max:     100,
			Message: "Too many requests, please try again later.",
		},
		ClassPosts: {
			Name:    ClassPosts,
			Window:  time.Hour,
			Max:     10,
			Message: "Too many posts created, please try again later.",
		},
		ClassContact: {
			Name:    ClassContact,
			Window:  time.Hour,
			Max:     3,
			Message: "Too many messages sent, please try again later.",
		},
	}
}

// Entry is the counter state of one key.
type Entry struct {
	Count     int
	StartTime time.Time
	ResetTime time.Time
}

// Backend stores counters. Hit applies the fixed-window rule atomically:
// when now is past ResetTime the count restarts at zero with a new window
// of length window starting at now; the count is then incremented.
type Backend interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (Entry, error)
}

// Result describes one checked request.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is the time until the window resets.
	RetryAfter time.Duration
}

// Limiter applies one policy on top of a backend.
type Limiter struct {
	policy  Policy
	backend Backend
	nowFunc func() time.Time
}

// New creates a limiter. The policy must be valid.
func New(policy Policy, backend Backend) (*Limiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.New("rate limit backend is nil")
	}
	return &Limiter{policy: policy, backend: backend, nowFunc: time.Now}, nil
}

// SetClock replaces the time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.nowFunc = now
}

// Policy returns the limiter's policy.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Check counts a request from identifier. Requests over the limit still
// increment the counter. On a backend error the returned Result allows the
// request and describes a fresh window.
func (l *Limiter) Check(ctx context.Context, identifier string) (Result, error) {
	now := l.nowFunc()
	entry, err := l.backend.Hit(ctx, l.policy.Name+":"+identifier, now, l.policy.Window)
	if err != nil {
		return Result{
			Allowed:   true,
			Limit:     l.policy.Max,
			Remaining: l.policy.Max,
			ResetAt:   now.Add(l.policy.Window),
		}, fmt.Errorf("rate limit %s: %w", l.policy.Name, err)
	}

	remaining := l.policy.Max - entry.Count
	if remaining < 0 {
		remaining = 0
	}
	retry := entry.ResetTime.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Result{
		Allowed:    entry.Count <= l.policy.Max,
		Limit:      l.policy.Max,
		Remaining:  remaining,
		ResetAt:    entry.ResetTime,
		RetryAfter: retry,
	}, nil
}
