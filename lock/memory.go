package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Locker. Safe for concurrent use within one
// process; it cannot coordinate across processes.
type Memory struct {
	mu   sync.Mutex
	held map[string]time.Time // key → expiry
	now  func() time.Time
}

// NewMemory creates an empty in-memory locker.
func NewMemory() *Memory {
	return &Memory{
		held: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Acquire implements Locker. Expired entries are treated as free.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, ok := m.held[key]; ok && now.Before(expiry) {
		return false, nil
	}
	m.held[key] = now.Add(ttl)
	return true, nil
}

// Release implements Locker.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}

// SetNowFunc overrides the clock. Tests only.
func (m *Memory) SetNowFunc(now func() time.Time) { m.now = now }
