package defense

import (
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

// BlockRecord describes a blocked IP.
type BlockRecord struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason"`
	BlockedAt time.Time  `json:"blockedAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Permanent bool       `json:"permanent"`
	// RemainingTime is filled in by List for temporary blocks.
	RemainingTime *time.Duration `json:"-"`
}

func (b *BlockRecord) expired(now time.Time) bool {
	return !b.Permanent && b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// Registry holds blocked IPs and the whitelist. A whitelisted IP never
// holds a block: blocking it is refused and whitelisting it lifts any block.
type Registry struct {
	mu        sync.RWMutex
	blocks    map[string]*BlockRecord
	whitelist map[string]struct{}
	ranges    []*net.IPNet

	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewRegistry creates a registry whose whitelist starts with the given IPs
// and CIDR ranges.
func NewRegistry(whitelist []string, logger *slog.Logger) *Registry {
	r := &Registry{
		blocks:    make(map[string]*BlockRecord),
		whitelist: make(map[string]struct{}),
		logger:    logger,
		nowFunc:   time.Now,
	}
	r.ranges = parseRanges(whitelist)
	return r
}

// parseRanges turns IPs and CIDRs into networks; single IPs become /32 or /128.
func parseRanges(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			ip := net.ParseIP(entry)
			if ip == nil {
				continue
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// SetWhitelistRanges replaces the configured ranges and lifts blocks on any
// IP they now cover. Dynamically whitelisted IPs are kept.
func (r *Registry) SetWhitelistRanges(entries []string) {
	ranges := parseRanges(entries)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges = ranges
	for ip := range r.blocks {
		if r.isWhitelistedLocked(ip) {
			delete(r.blocks, ip)
		}
	}
}

func (r *Registry) isWhitelistedLocked(ip string) bool {
	if _, ok := r.whitelist[ip]; ok {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range r.ranges {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// IsWhitelisted reports whether ip is exempt from tracking and blocking.
func (r *Registry) IsWhitelisted(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isWhitelistedLocked(ip)
}

// Block inserts or replaces the IP's block. A zero duration with
// permanent=false is treated as permanent. It returns false, and logs, when
// the IP is whitelisted.
func (r *Registry) Block(ip, reason string, permanent bool, duration time.Duration) bool {
	now := r.nowFunc()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isWhitelistedLocked(ip) {
		r.logger.Warn("Refusing to block whitelisted IP", "ip", ip, "reason", reason)
		return false
	}

	rec := &BlockRecord{
		IP:        ip,
		Reason:    reason,
		BlockedAt: now,
		Permanent: permanent || duration <= 0,
	}
	if !rec.Permanent {
		expires := now.Add(duration)
		rec.ExpiresAt = &expires
	}
	r.blocks[ip] = rec
	return true
}

// Get returns the IP's active block. Expired temporary blocks are removed
// on the way.
func (r *Registry) Get(ip string) (BlockRecord, bool) {
	now := r.nowFunc()

	r.mu.RLock()
	rec, ok := r.blocks[ip]
	if ok && !rec.expired(now) {
		out := *rec
		r.mu.RUnlock()
		return out, true
	}
	r.mu.RUnlock()

	if ok {
		r.mu.Lock()
		if rec, ok := r.blocks[ip]; ok && rec.expired(now) {
			delete(r.blocks, ip)
		}
		r.mu.Unlock()
	}
	return BlockRecord{}, false
}

// IsBlocked reports whether ip is currently blocked.
func (r *Registry) IsBlocked(ip string) bool {
	_, ok := r.Get(ip)
	return ok
}

// Unblock removes the IP's block and reports whether one existed.
func (r *Registry) Unblock(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blocks[ip]
	delete(r.blocks, ip)
	return ok
}

// AddToWhitelist whitelists ip and lifts any block on it.
func (r *Registry) AddToWhitelist(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.whitelist[ip] = struct{}{}
	delete(r.blocks, ip)
}

// RemoveFromWhitelist removes a dynamically whitelisted IP. Configured
// ranges are unaffected.
func (r *Registry) RemoveFromWhitelist(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.whitelist[ip]
	delete(r.whitelist, ip)
	return ok
}

// Whitelist returns the dynamic IPs followed by the configured ranges.
func (r *Registry) Whitelist() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.whitelist)+len(r.ranges))
	for ip := range r.whitelist {
		out = append(out, ip)
	}
	sort.Strings(out)
	for _, n := range r.ranges {
		out = append(out, n.String())
	}
	return out
}

// List drops expired temporary blocks and returns the remaining ones,
// sorted by IP, with RemainingTime set for temporary blocks.
func (r *Registry) List() []BlockRecord {
	now := r.nowFunc()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BlockRecord, 0, len(r.blocks))
	for ip, rec := range r.blocks {
		if rec.expired(now) {
			delete(r.blocks, ip)
			continue
		}
		item := *rec
		if !item.Permanent && item.ExpiresAt != nil {
			remaining := item.ExpiresAt.Sub(now)
			item.RemainingTime = &remaining
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Sweep removes expired temporary blocks.
func (r *Registry) Sweep() int {
	now := r.nowFunc()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for ip, rec := range r.blocks {
		if rec.expired(now) {
			delete(r.blocks, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored blocks, including expired ones not yet swept.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blocks)
}
