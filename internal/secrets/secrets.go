// Package secrets stores small credentials in the platform secret store.
// On macOS that is the login Keychain; elsewhere no secret store is
// available and callers fall back to files.
package secrets

import "errors"

// ServiceName groups sahguard items in the secret store.
const ServiceName = "sahguard"

// AccountSession holds the CLI login session record.
const AccountSession = "session"

var (
	// ErrNotFound is returned when no item exists for the service and account.
	ErrNotFound = errors.New("credential not found")
	// ErrNotSupported is returned on platforms without a secret store.
	ErrNotSupported = errors.New("secret store not supported on this platform")
)

// Store reads and writes secrets by service and account. Implementations
// are safe for concurrent use.
type Store interface {
	// Get returns ErrNotFound if the item does not exist.
	Get(service, account string) (string, error)
	// Set creates or replaces the item.
	Set(service, account, secret string) error
	// Delete returns ErrNotFound if the item does not exist.
	Delete(service, account string) error
	IsSupported() bool
}

// platform is set by the platform-specific init.
var platform Store

// Default returns the platform store. It is never nil.
func Default() Store {
	if platform == nil {
		return NoopStore{}
	}
	return platform
}

// IsSupported reports whether the platform has a secret store.
func IsSupported() bool {
	return Default().IsSupported()
}
