// Package appdir locates the sahguard data directory, which holds the
// client session file, the user database and the default config file.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "SAHGUARD_DIR"

	ConfigFileName   = "config.yaml"
	SessionFileName  = "session.json"
	DatabaseFileName = "sahguard.db"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the data directory path, resolved in this order:
//  1. SAHGUARD_DIR environment variable
//  2. macOS: ~/Library/Application Support/sahguard
//  3. Windows: %APPDATA%\sahguard
//  4. others: $XDG_DATA_HOME/sahguard or ~/.local/share/sahguard
//
// It does not create the directory; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	dir := cachedDir
	mu.RUnlock()
	if dir != "" {
		return dir, nil
	}

	mu.Lock()
	defer mu.Unlock()
	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "sahguard"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "sahguard"), nil
	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			dataDir = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(dataDir, "sahguard"), nil
	}
}

// EnsureDir creates the data directory with owner-only permissions.
func EnsureDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return dir, nil
}

func pathOf(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ConfigPath returns the default config file location.
func ConfigPath() (string, error) { return pathOf(ConfigFileName) }

// SessionPath returns the client session file location.
func SessionPath() (string, error) { return pathOf(SessionFileName) }

// DatabasePath returns the default user database location.
func DatabasePath() (string, error) { return pathOf(DatabaseFileName) }

// ResetCache forgets the resolved directory. Used by tests.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
