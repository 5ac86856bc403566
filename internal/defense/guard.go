package defense

import (
	"errors"
	"log/slog"
	"time"
)

// ErrWhitelisted is returned when a block is requested for a whitelisted IP.
var ErrWhitelisted = errors.New("ip is whitelisted")

// Guard records violations, decides on blocks and applies them.
// It owns no goroutines; the Tracker and Registry are swept by whoever
// composes the Guard.
type Guard struct {
	tracker  *Tracker
	registry *Registry
	policy   Policy
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// New creates a Guard.
func New(cfg Config, logger *slog.Logger) *Guard {
	return &Guard{
		tracker:  NewTracker(cfg.Policy.Window, cfg.MaxDetailLength),
		registry: NewRegistry(cfg.Whitelist, logger),
		policy:   cfg.Policy,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// SetClock replaces the time source of the guard and its stores.
func (g *Guard) SetClock(now func() time.Time) {
	g.nowFunc = now
	g.tracker.nowFunc = now
	g.registry.nowFunc = now
}

// Tracker returns the violation store.
func (g *Guard) Tracker() *Tracker { return g.tracker }

// Registry returns the block registry.
func (g *Guard) Registry() *Registry { return g.registry }

// RecordViolation records a violation for ip and blocks it when a threshold
// is reached. Whitelisted IPs are ignored and already-blocked IPs are not
// blocked again. The request that triggered the block is not affected; the
// block applies from the next request on.
func (g *Guard) RecordViolation(ip string, vt ViolationType, details string) Decision {
	if ip == "" || g.registry.IsWhitelisted(ip) {
		return Decision{}
	}

	rec := g.tracker.Record(ip, vt, details)
	g.logger.Debug("violation_recorded",
		"ip", ip,
		"type", vt,
		"in_window", rec.Count(vt),
	)

	if g.registry.IsBlocked(ip) {
		return Decision{}
	}

	d := Decide(rec, g.nowFunc(), g.policy)
	if !d.Block {
		return d
	}

	if !g.registry.Block(ip, d.Reason, d.Permanent, d.Duration) {
		return Decision{}
	}
	tempBlocks := rec.TempBlockCount
	if !d.Permanent {
		tempBlocks = g.tracker.IncrementTempBlocks(ip)
	}

	g.logger.Warn("ip_blocked",
		"ip", ip,
		"reason", d.Reason,
		"permanent", d.Permanent,
		"duration", d.Duration,
		"temp_block_count", tempBlocks,
	)
	return d
}

// Lookup returns the IP's active block, if any.
func (g *Guard) Lookup(ip string) (BlockRecord, bool) {
	return g.registry.Get(ip)
}

// IsBlocked reports whether ip is currently blocked.
func (g *Guard) IsBlocked(ip string) bool {
	return g.registry.IsBlocked(ip)
}

// Block applies a manual block. A zero duration blocks permanently.
func (g *Guard) Block(ip, reason string, duration time.Duration) error {
	if !g.registry.Block(ip, reason, duration <= 0, duration) {
		return ErrWhitelisted
	}
	g.logger.Warn("ip_blocked",
		"ip", ip,
		"reason", reason,
		"permanent", duration <= 0,
		"duration", duration,
		"manual", true,
	)
	return nil
}

// Unblock lifts the IP's block and forgets its violation history.
func (g *Guard) Unblock(ip string) bool {
	removed := g.registry.Unblock(ip)
	g.tracker.Clear(ip)
	if removed {
		g.logger.Info("ip_unblocked", "ip", ip)
	}
	return removed
}

// Whitelist exempts ip from tracking and blocking, lifting any block and
// forgetting its violation history.
func (g *Guard) Whitelist(ip string) {
	g.registry.AddToWhitelist(ip)
	g.tracker.Clear(ip)
	g.logger.Info("ip_whitelisted", "ip", ip)
}

// SetWhitelistRanges replaces the configured whitelist ranges. IPs the new
// ranges cover lose their block and their violation history, as with
// Whitelist.
func (g *Guard) SetWhitelistRanges(entries []string) {
	g.registry.SetWhitelistRanges(entries)
	cleared := g.tracker.ClearMatching(g.registry.IsWhitelisted)
	g.logger.Info("whitelist_ranges_updated",
		"ranges", len(entries),
		"cleared_records", cleared,
	)
}

// RemoveFromWhitelist removes a dynamically whitelisted IP.
func (g *Guard) RemoveFromWhitelist(ip string) bool {
	return g.registry.RemoveFromWhitelist(ip)
}

// Violations returns the IP's violation history.
func (g *Guard) Violations(ip string) ViolationRecord {
	return g.tracker.Get(ip)
}

// List returns all active blocks.
func (g *Guard) List() []BlockRecord {
	return g.registry.List()
}
