//go:build darwin

package secrets

import (
	"errors"
	"testing"
)

const testServiceName = "sahguard-test"

func TestKeychainStore_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("touches the login Keychain")
	}
	s := &KeychainStore{}
	_ = s.Delete(testServiceName, AccountSession)
	t.Cleanup(func() { _ = s.Delete(testServiceName, AccountSession) })

	if err := s.Set(testServiceName, AccountSession, "one"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(testServiceName, AccountSession, "two"); err != nil {
		t.Fatalf("Set() over existing item error = %v", err)
	}
	got, err := s.Get(testServiceName, AccountSession)
	if err != nil || got != "two" {
		t.Fatalf("Get() = %q, %v; want %q", got, err, "two")
	}
	if err := s.Delete(testServiceName, AccountSession); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(testServiceName, AccountSession); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}
