//go:build !darwin

package secrets

func init() {
	platform = NoopStore{}
}
