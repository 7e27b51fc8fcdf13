package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowEntry struct {
	count     int
	expiresAt time.Time
}

// MemoryWindowStore keeps window counters in a process-local map with lazy
// reclamation of expired windows. Tests and single-instance deployments only.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*windowEntry
	now     func() time.Time
}

// NewMemoryWindowStore creates an empty in-memory window store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		windows: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Incr increments the counter for key, creating it with ttl on first use.
func (s *MemoryWindowStore) Incr(_ context.Context, key string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.windows[key]
	if !ok || now.After(e.expiresAt) {
		e = &windowEntry{expiresAt: now.Add(ttl)}
		s.windows[key] = e
	}
	e.count++

	// Lazy reclamation: sweep expired siblings once the map grows.
	if len(s.windows) > 4096 {
		for k, v := range s.windows {
			if now.After(v.expiresAt) {
				delete(s.windows, k)
			}
		}
	}
	return e.count, nil
}
