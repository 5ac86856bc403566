package config

import (
	"testing"

	settings "github.com/studentenathome/sahguard/internal/config"
)

func TestDefaultConfigYAMLMatchesDefaults(t *testing.T) {
	got, err := settings.Parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("embedded config does not load: %v", err)
	}
	want := settings.Default()

	if got.Server.Addr() != want.Server.Addr() {
		t.Errorf("server addr = %s, want %s", got.Server.Addr(), want.Server.Addr())
	}
	if got.Security.ViolationWindow != want.Security.ViolationWindow ||
		got.Security.TempBlockDuration != want.Security.TempBlockDuration ||
		got.Security.PermanentAfter != want.Security.PermanentAfter {
		t.Errorf("security = %+v, want %+v", got.Security, want.Security)
	}
	for name, n := range want.Security.Thresholds {
		if got.Security.Thresholds[name] != n {
			t.Errorf("threshold %s = %d, want %d", name, got.Security.Thresholds[name], n)
		}
	}
	for name, p := range want.RateLimit.Policies {
		if got.RateLimit.Policies[name] != p {
			t.Errorf("policy %s = %+v, want %+v", name, got.RateLimit.Policies[name], p)
		}
	}
	if got.CSRF.TokenTTL != want.CSRF.TokenTTL || got.Auth.SessionDuration != want.Auth.SessionDuration {
		t.Error("csrf or auth durations differ from the defaults")
	}
	if got.Sweep != want.Sweep {
		t.Errorf("sweep = %+v, want %+v", got.Sweep, want.Sweep)
	}
	if got.Client != want.Client {
		t.Errorf("client = %+v, want %+v", got.Client, want.Client)
	}
}
