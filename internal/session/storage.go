package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/studentenathome/sahguard/internal/fileutil"
	"github.com/studentenathome/sahguard/internal/secrets"
)

// Storage persists at most one session.
type Storage interface {
	// Load returns ErrNoSession when nothing is stored. Any other error
	// means the stored data could not be read or parsed.
	Load() (*Session, error)
	Save(s *Session) error
	Clear() error
}

// FileStorage stores the session as a JSON file readable only by its owner.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

// NewFileStorage creates a FileStorage at path. The directory must exist.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Path returns the file location.
func (f *FileStorage) Path() string {
	return f.path
}

// Load reads the stored session.
func (f *FileStorage) Load() (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s Session
	if err := fileutil.ReadJSON(f.path, &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &s, nil
}

// Save replaces the stored session.
func (f *FileStorage) Save(s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := fileutil.WriteJSONAtomic(f.path, s, 0600); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear removes the stored session.
func (f *FileStorage) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fileutil.Remove(f.path)
}

// MemoryStorage keeps the session in memory.
type MemoryStorage struct {
	mu sync.Mutex
	s  *Session
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Load() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return nil, ErrNoSession
	}
	cp := *m.s
	return &cp, nil
}

func (m *MemoryStorage) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.s = &cp
	return nil
}

func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = nil
	return nil
}

// SecretStorage keeps the session record as JSON in a secret store such
// as the macOS Keychain.
type SecretStorage struct {
	store   secrets.Store
	service string
	account string
}

// NewSecretStorage stores the session under service and account in store.
func NewSecretStorage(store secrets.Store, service, account string) *SecretStorage {
	return &SecretStorage{store: store, service: service, account: account}
}

func (k *SecretStorage) Load() (*Session, error) {
	data, err := k.store.Get(k.service, k.account)
	if errors.Is(err, secrets.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &s, nil
}

func (k *SecretStorage) Save(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := k.store.Set(k.service, k.account, string(data)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (k *SecretStorage) Clear() error {
	if err := k.store.Delete(k.service, k.account); err != nil && !errors.Is(err, secrets.ErrNotFound) {
		return err
	}
	return nil
}
