package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps counters in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*Entry
	nowFunc func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]*Entry),
		nowFunc: time.Now,
	}
}

// SetClock replaces the time source used by Sweep.
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = now
}

// Hit implements Backend.
func (m *MemoryBackend) Hit(_ context.Context, key string, now time.Time, window time.Duration) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || now.After(e.ResetTime) {
		e = &Entry{StartTime: now, ResetTime: now.Add(window)}
		m.entries[key] = e
	}
	e.Count++
	return *e, nil
}

// Sweep drops entries whose window has passed.
func (m *MemoryBackend) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	removed := 0
	for key, e := range m.entries {
		if now.After(e.ResetTime) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
