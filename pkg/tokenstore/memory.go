package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process denylist for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Revocation
}

// NewMemoryStore creates an empty denylist.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Revocation),
	}
}

func (m *MemoryStore) Revoke(_ context.Context, key, reason string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[key]; ok && cur.ExpiresAt.After(until) {
		until = cur.ExpiresAt
	}
	m.entries[key] = &Revocation{Key: key, Reason: reason, ExpiresAt: until}
	return nil
}

func (m *MemoryStore) IsRevoked(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.entries[key]
	return ok && !r.IsExpired(), nil
}

func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for k, r := range m.entries {
		if r.IsExpired() {
			delete(m.entries, k)
			count++
		}
	}
	return count, nil
}
