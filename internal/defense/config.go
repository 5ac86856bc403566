package defense

// Config configures a Guard.
type Config struct {
	Policy Policy
	// Whitelist holds IPs and CIDR ranges that are never tracked or blocked.
	Whitelist []string
	// MaxDetailLength truncates stored violation details.
	MaxDetailLength int
}

// DefaultConfig returns the default policy with an empty whitelist.
func DefaultConfig() Config {
	return Config{
		Policy:          DefaultPolicy(),
		MaxDetailLength: 256,
	}
}
