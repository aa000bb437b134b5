package sticky

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory sticky store for tests and single-node
// setups.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]memoryBinding
}

type memoryBinding struct {
	variantID string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory sticky store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]memoryBinding)}
}

func (m *MemoryStore) Get(ctx context.Context, siteID, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bindings[stickyKey(siteID, sessionID)]
	if !ok || time.Now().After(b.expiresAt) {
		return "", nil
	}
	return b.variantID, nil
}

func (m *MemoryStore) Set(ctx context.Context, siteID, sessionID, variantID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stickyKey(siteID, sessionID)
	if b, ok := m.bindings[key]; ok && time.Now().Before(b.expiresAt) {
		return nil // first write wins
	}
	m.bindings[key] = memoryBinding{
		variantID: variantID,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Rebind(ctx context.Context, siteID, sessionID, variantID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bindings[stickyKey(siteID, sessionID)] = memoryBinding{
		variantID: variantID,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
