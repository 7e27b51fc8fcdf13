package resiliency

import (
	"context"
	"sync"
)

// MemoryCircuitStore keeps circuit state in a process-local map. Suitable for
// tests and single-instance deployments only; multi-instance deployments need
// the Redis store so the breaker opens cluster-wide.
type MemoryCircuitStore struct {
	mu     sync.Mutex
	states map[string]CircuitState
}

// NewMemoryCircuitStore creates an empty in-memory circuit store.
func NewMemoryCircuitStore() *MemoryCircuitStore {
	return &MemoryCircuitStore{states: make(map[string]CircuitState)}
}

// Get returns the stored state, or the zero CircuitState for an unseen key.
func (s *MemoryCircuitStore) Get(_ context.Context, key string) (CircuitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key], nil
}

// CompareAndSwap writes next iff the stored generation matches prev's.
func (s *MemoryCircuitStore) CompareAndSwap(_ context.Context, key string, prev, next CircuitState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[key].Generation != prev.Generation {
		return false, nil
	}
	s.states[key] = next
	return true, nil
}
