// Package config loads and validates the sahguard YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvConfigPath  = "SAHGUARD_CONFIG"
	EnvTokenSecret = "SAHGUARD_TOKEN_SECRET"
	EnvRedisURL    = "SAHGUARD_REDIS_URL"
)

// Violation type names accepted in security.thresholds.
var violationTypes = []string{"failedLogin", "rateLimit", "csrf"}

// MinTokenSecretLength is the minimum HS256 key size in bytes.
const MinTokenSecretLength = 32

// Config is the complete sahguard configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	CSRF      CSRFConfig      `yaml:"csrf"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Client    ClientConfig    `yaml:"client"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// TrustedProxies lists IPs or CIDRs whose X-Forwarded-For is honored.
	TrustedProxies []string      `yaml:"trusted_proxies"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	// HSTS enables Strict-Transport-Security; only behind HTTPS.
	HSTS      bool            `yaml:"hsts"`
	AccessLog AccessLogConfig `yaml:"access_log"`
}

// AccessLogConfig configures the security access log. Empty Path disables it.
type AccessLogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprint(s.Port))
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	FileLevel  string   `yaml:"file_level"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
	JSON       bool     `yaml:"json"`
	Components []string `yaml:"components"`
}

// SecurityConfig configures violation tracking and auto-blocking.
type SecurityConfig struct {
	ViolationWindow time.Duration `yaml:"violation_window"`
	// Thresholds maps violation type to the in-window count that triggers a block.
	Thresholds        map[string]int `yaml:"thresholds"`
	TempBlockDuration time.Duration  `yaml:"temp_block_duration"`
	// PermanentAfter is the number of temporary blocks after which the next
	// trigger blocks permanently.
	PermanentAfter int `yaml:"permanent_after"`
	// Whitelist lists IPs or CIDRs that are never tracked or blocked.
	Whitelist []string `yaml:"whitelist"`
	// MaxDetailLength truncates stored violation details.
	MaxDetailLength int `yaml:"max_detail_length"`
}

// CSRFConfig configures the CSRF token store.
type CSRFConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
	// HighWaterMark triggers an inline sweep when the store grows past it.
	HighWaterMark int      `yaml:"high_water_mark"`
	ExemptPaths   []string `yaml:"exempt_paths"`
}

// PolicyConfig is one endpoint-class rate-limit policy.
type PolicyConfig struct {
	Window  time.Duration `yaml:"window"`
	Max     int           `yaml:"max"`
	Message string        `yaml:"message"`
}

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	// Backend is "memory" or "redis".
	Backend  string                  `yaml:"backend"`
	Policies map[string]PolicyConfig `yaml:"policies"`
}

// AuthConfig configures server-side session issuance.
type AuthConfig struct {
	SessionDuration time.Duration `yaml:"session_duration"`
	TokenSecret     string        `yaml:"token_secret"`
	Issuer          string        `yaml:"issuer"`
	// AdminEmails is the administrator allow-list. It is consulted once, when
	// a session is issued.
	AdminEmails []string `yaml:"admin_emails"`
}

// SweepConfig holds the periodic cleanup intervals.
type SweepConfig struct {
	Tokens        time.Duration `yaml:"tokens"`
	Violations    time.Duration `yaml:"violations"`
	Blocks        time.Duration `yaml:"blocks"`
	RateLimits    time.Duration `yaml:"rate_limits"`
	RevokedTokens time.Duration `yaml:"revoked_tokens"`
}

// DatabaseConfig locates the SQLite user store. Empty Path uses the data dir.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig configures the shared rate-limit backend.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ClientConfig configures the CLI session client.
type ClientConfig struct {
	ServerURL   string `yaml:"server_url"`
	SessionFile string `yaml:"session_file"`
	// SessionStore is "file" or "keychain". The keychain is only available
	// on macOS; elsewhere the file is used.
	SessionStore  string        `yaml:"session_store"`
	WarnBefore    time.Duration `yaml:"warn_before"`
	CheckInterval time.Duration `yaml:"check_interval"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 1 << 20,
			AccessLog: AccessLogConfig{
				MaxSizeMB:  10,
				MaxBackups: 1,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Security: SecurityConfig{
			ViolationWindow: 15 * time.Minute,
			Thresholds: map[string]int{
				"failedLogin": 5,
				"rateLimit":   10,
				"csrf":        3,
			},
			TempBlockDuration: time.Hour,
			PermanentAfter:    3,
			MaxDetailLength:   256,
		},
		CSRF: CSRFConfig{
			TokenTTL:      15 * time.Minute,
			HighWaterMark: 10000,
			ExemptPaths:   []string{"/api/auth/login"},
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Policies: map[string]PolicyConfig{
				"auth": {
					Window:  15 * time.Minute,
					Max:     5,
					Message: "Too many login attempts, please try again later.",
				},
				"api": {
					Window:  15 * time.Minute,
					Max:     100,
					Message: "Too many requests, please try again later.",
				},
				"posts": {
					Window:  time.Hour,
					Max:     10,
					Message: "Too many posts created, please try again later.",
				},
				"contact": {
					Window:  time.Hour,
					Max:     3,
					Message: "Too many messages sent, please try again later.",
				},
			},
		},
		Auth: AuthConfig{
			SessionDuration: 24 * time.Hour,
			Issuer:          "sahguard",
		},
		Sweep: SweepConfig{
			Tokens:        10 * time.Minute,
			Violations:    5 * time.Minute,
			Blocks:        5 * time.Minute,
			RateLimits:    5 * time.Minute,
			RevokedTokens: time.Hour,
		},
		Redis: RedisConfig{
			KeyPrefix: "sahguard:rl:",
		},
		Client: ClientConfig{
			ServerURL:     "http://127.0.0.1:8080",
			SessionStore:  "file",
			WarnBefore:    5 * time.Minute,
			CheckInterval: time.Minute,
			Timeout:       10 * time.Second,
		},
	}
}

// Load reads the file at path on top of the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults, applies environment overrides
// and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvTokenSecret); v != "" {
		c.Auth.TokenSecret = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	for _, p := range c.Server.TrustedProxies {
		if !validIPOrCIDR(p) {
			add("server.trusted_proxies: invalid IP or CIDR %q", p)
		}
	}

	if c.Security.ViolationWindow <= 0 {
		add("security.violation_window must be positive")
	}
	if c.Security.TempBlockDuration <= 0 {
		add("security.temp_block_duration must be positive")
	}
	if c.Security.PermanentAfter < 0 {
		add("security.permanent_after must not be negative")
	}
	for _, name := range sortedKeys(c.Security.Thresholds) {
		if !knownViolationType(name) {
			add("security.thresholds: unknown violation type %q", name)
			continue
		}
		if c.Security.Thresholds[name] <= 0 {
			add("security.thresholds.%s must be positive", name)
		}
	}
	for _, w := range c.Security.Whitelist {
		if !validIPOrCIDR(w) {
			add("security.whitelist: invalid IP or CIDR %q", w)
		}
	}

	if c.CSRF.TokenTTL <= 0 {
		add("csrf.token_ttl must be positive")
	}
	if c.CSRF.HighWaterMark <= 0 {
		add("csrf.high_water_mark must be positive")
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			add("rate_limit.backend is redis but redis.url is empty")
		}
	default:
		add("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	}
	for _, name := range sortedKeys(c.RateLimit.Policies) {
		p := c.RateLimit.Policies[name]
		if p.Window <= 0 {
			add("rate_limit.policies.%s.window must be positive", name)
		}
		if p.Max <= 0 {
			add("rate_limit.policies.%s.max must be positive", name)
		}
	}

	if c.Auth.SessionDuration <= 0 {
		add("auth.session_duration must be positive")
	}
	if c.Auth.TokenSecret != "" && len(c.Auth.TokenSecret) < MinTokenSecretLength {
		add("auth.token_secret must be at least %d bytes", MinTokenSecretLength)
	}
	for _, e := range c.Auth.AdminEmails {
		if !strings.Contains(e, "@") {
			add("auth.admin_emails: %q is not an email address", e)
		}
	}

	if c.Client.WarnBefore < 0 {
		add("client.warn_before must not be negative")
	}
	if c.Client.CheckInterval <= 0 {
		add("client.check_interval must be positive")
	}
	if c.Client.SessionStore != "file" && c.Client.SessionStore != "keychain" {
		add("client.session_store must be file or keychain, got %q", c.Client.SessionStore)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func knownViolationType(name string) bool {
	for _, t := range violationTypes {
		if t == name {
			return true
		}
	}
	return false
}

func validIPOrCIDR(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
