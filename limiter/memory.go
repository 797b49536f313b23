package limiter

import (
	"context"
	"sync"
	"time"
)

// window tracks hits for a single key.
type window struct {
	openedAt time.Time
	hits     int
}

// Memory is a process-local fixed-window limiter. Safe for concurrent use.
// State is not shared across processes; use the Redis limiter when worker
// processes coordinate on the same key.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*window

	// now is swappable for tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory limiter.
func NewMemory() *Memory {
	return &Memory{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow implements Limiter. The window for key opens on its first hit and
// all state for the key resets once the window duration has elapsed.
func (m *Memory) Allow(_ context.Context, key string, maxHits int, windowDur time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	w, ok := m.windows[key]
	if !ok || now.Sub(w.openedAt) >= windowDur {
		m.windows[key] = &window{openedAt: now, hits: 1}
		return maxHits >= 1, nil
	}

	if w.hits >= maxHits {
		return false, nil
	}
	w.hits++
	return true, nil
}

// SetNowFunc overrides the clock. Tests only.
func (m *Memory) SetNowFunc(now func() time.Time) { m.now = now }
