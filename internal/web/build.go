package web

import (
	"fmt"
	"sort"

	"github.com/studentenathome/sahguard/internal/config"
	"github.com/studentenathome/sahguard/internal/defense"
	"github.com/studentenathome/sahguard/internal/ratelimit"
)

// GuardConfig converts the security section into a defense.Config.
func GuardConfig(cfg *config.Config) (defense.Config, error) {
	thresholds := make(map[defense.ViolationType]int, len(cfg.Security.Thresholds))
	for name, n := range cfg.Security.Thresholds {
		vt, err := defense.ParseViolationType(name)
		if err != nil {
			return defense.Config{}, err
		}
		thresholds[vt] = n
	}
	return defense.Config{
		Policy: defense.Policy{
			Window:            cfg.Security.ViolationWindow,
			Thresholds:        thresholds,
			TempBlockDuration: cfg.Security.TempBlockDuration,
			PermanentAfter:    cfg.Security.PermanentAfter,
		},
		Whitelist:       cfg.Security.Whitelist,
		MaxDetailLength: cfg.Security.MaxDetailLength,
	}, nil
}

// RatePolicies returns the configured endpoint classes, falling back to
// the built-in policy for classes the configuration leaves out.
func RatePolicies(cfg *config.Config) (map[string]ratelimit.Policy, error) {
	policies := ratelimit.DefaultPolicies()
	names := make([]string, 0, len(cfg.RateLimit.Policies))
	for name := range cfg.RateLimit.Policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := cfg.RateLimit.Policies[name]
		p := ratelimit.Policy{
			Name:    name,
			Window:  pc.Window,
			Max:     pc.Max,
			Message: pc.Message,
		}
		if p.Message == "" {
			p.Message = "Too many requests, please try again later."
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		policies[name] = p
	}
	return policies, nil
}
