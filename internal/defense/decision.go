package defense

import (
	"fmt"
	"time"
)

// Policy holds the auto-block thresholds.
type Policy struct {
	// Window is how far back violations count.
	Window time.Duration
	// Thresholds maps a type to the count that triggers a block.
	Thresholds map[ViolationType]int
	// TempBlockDuration is the length of a temporary block.
	TempBlockDuration time.Duration
	// PermanentAfter is the number of earlier temporary blocks after which
	// the next trigger blocks permanently.
	PermanentAfter int
}

// DefaultPolicy returns 5 failed logins, 10 rate-limit hits or 3 CSRF
// failures in 15 minutes; one-hour blocks; permanent after three.
func DefaultPolicy() Policy {
	return Policy{
		Window: 15 * time.Minute,
		Thresholds: map[ViolationType]int{
			ViolationFailedLogin: 5,
			ViolationRateLimit:   10,
			ViolationCSRF:        3,
		},
		TempBlockDuration: time.Hour,
		PermanentAfter:    3,
	}
}

// Decision is the outcome of evaluating a violation record.
type Decision struct {
	Block     bool
	Type      ViolationType
	Count     int
	Reason    string
	Permanent bool
	// Duration is zero for permanent blocks.
	Duration time.Duration
}

// Decide evaluates thresholds in priority order (failedLogin, rateLimit,
// csrf); the first type at or over its threshold triggers a block. It has
// no side effects; the caller applies the block and bumps the temporary
// block count.
func Decide(rec ViolationRecord, now time.Time, p Policy) Decision {
	for _, vt := range violationPriority {
		threshold, ok := p.Thresholds[vt]
		if !ok || threshold <= 0 {
			continue
		}
		count := 0
		for _, v := range rec.Violations {
			if v.Type == vt && now.Sub(v.Timestamp) <= p.Window {
				count++
			}
		}
		if count < threshold {
			continue
		}

		d := Decision{
			Block:  true,
			Type:   vt,
			Count:  count,
			Reason: fmt.Sprintf("Too many %s violations (%d)", vt, count),
		}
		if rec.TempBlockCount >= p.PermanentAfter {
			d.Permanent = true
		} else {
			d.Duration = p.TempBlockDuration
		}
		return d
	}
	return Decision{}
}
