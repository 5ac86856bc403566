// Package defense tracks security violations per client IP and turns them
// into temporary or permanent IP blocks.
//
// The pieces are kept separate: Tracker stores violations, Decide is a pure
// function over a snapshot, Registry holds blocks and the whitelist, and
// Guard composes them.
package defense

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// ViolationType categorizes a security violation.
type ViolationType string

const (
	ViolationFailedLogin ViolationType = "failedLogin"
	ViolationRateLimit   ViolationType = "rateLimit"
	ViolationCSRF        ViolationType = "csrf"
)

// violationPriority is the order in which thresholds are evaluated.
var violationPriority = []ViolationType{
	ViolationFailedLogin,
	ViolationRateLimit,
	ViolationCSRF,
}

// ParseViolationType validates a violation type name.
func ParseViolationType(s string) (ViolationType, error) {
	for _, vt := range violationPriority {
		if string(vt) == s {
			return vt, nil
		}
	}
	return "", fmt.Errorf("unknown violation type %q", s)
}

// Violation is a single recorded event.
type Violation struct {
	Type      ViolationType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Details   string        `json:"details,omitempty"`
}

// ViolationRecord is the violation history of one IP.
type ViolationRecord struct {
	IP         string      `json:"ip"`
	Violations []Violation `json:"violations"`
	// TempBlockCount counts temporary blocks issued over the record's lifetime.
	TempBlockCount int `json:"tempBlockCount"`
}

// Count returns how many violations of type vt the record holds.
func (r ViolationRecord) Count(vt ViolationType) int {
	n := 0
	for _, v := range r.Violations {
		if v.Type == vt {
			n++
		}
	}
	return n
}

func (r *ViolationRecord) clone() ViolationRecord {
	out := *r
	out.Violations = append([]Violation(nil), r.Violations...)
	return out
}

// PruneViolations returns the violations no older than window at now.
// The input slice is reused.
func PruneViolations(vs []Violation, now time.Time, window time.Duration) []Violation {
	kept := vs[:0]
	for _, v := range vs {
		if now.Sub(v.Timestamp) <= window {
			kept = append(kept, v)
		}
	}
	return kept
}

// Tracker stores violation records keyed by IP. It does not know about the
// whitelist; callers skip whitelisted IPs before recording.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*ViolationRecord
	window  time.Duration

	sanitizer *bluemonday.Policy
	maxDetail int

	nowFunc func() time.Time
}

// NewTracker creates a tracker with the given trailing window. Details longer
// than maxDetail runes are truncated; zero disables truncation.
func NewTracker(window time.Duration, maxDetail int) *Tracker {
	return &Tracker{
		records:   make(map[string]*ViolationRecord),
		window:    window,
		sanitizer: bluemonday.StrictPolicy(),
		maxDetail: maxDetail,
		nowFunc:   time.Now,
	}
}

// Record prunes the IP's history to the window, appends a violation and
// returns a snapshot of the updated record.
func (t *Tracker) Record(ip string, vt ViolationType, details string) ViolationRecord {
	now := t.nowFunc()
	details = t.cleanDetails(details)

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[ip]
	if !ok {
		rec = &ViolationRecord{IP: ip}
		t.records[ip] = rec
	}
	rec.Violations = PruneViolations(rec.Violations, now, t.window)
	rec.Violations = append(rec.Violations, Violation{Type: vt, Timestamp: now, Details: details})
	return rec.clone()
}

// IncrementTempBlocks bumps the temporary block counter and returns the new value.
func (t *Tracker) IncrementTempBlocks(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[ip]
	if !ok {
		rec = &ViolationRecord{IP: ip}
		t.records[ip] = rec
	}
	rec.TempBlockCount++
	return rec.TempBlockCount
}

// Get returns a copy of the IP's record, or an empty record.
func (t *Tracker) Get(ip string) ViolationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[ip]
	if !ok {
		return ViolationRecord{IP: ip}
	}
	return rec.clone()
}

// Clear forgets everything about the IP, including its temporary block count.
func (t *Tracker) Clear(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, ip)
}

// ClearMatching forgets every IP for which match returns true and reports
// how many records were dropped.
func (t *Tracker) ClearMatching(match func(ip string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ip := range t.records {
		if match(ip) {
			delete(t.records, ip)
			n++
		}
	}
	return n
}

// Sweep prunes every record and drops those left with nothing worth keeping.
// Records with a non-zero TempBlockCount survive so escalation still works.
func (t *Tracker) Sweep() int {
	now := t.nowFunc()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for ip, rec := range t.records {
		rec.Violations = PruneViolations(rec.Violations, now, t.window)
		if len(rec.Violations) == 0 && rec.TempBlockCount == 0 {
			delete(t.records, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked IPs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// cleanDetails strips markup from client-controlled text before it is
// stored or served by the admin API.
func (t *Tracker) cleanDetails(details string) string {
	if details == "" {
		return ""
	}
	details = t.sanitizer.Sanitize(details)
	if t.maxDetail > 0 && utf8.RuneCountInString(details) > t.maxDetail {
		details = string([]rune(details)[:t.maxDetail])
	}
	return details
}
