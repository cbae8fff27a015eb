package persistence

import (
	"context"
	"sync"
)

// MemoryHooks is an in-process Hooks implementation storing each
// document's latest bytes in a map. Useful for tests, demos, and
// single-instance deployments with no durability requirement beyond
// process lifetime.
type MemoryHooks struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryHooks constructs an empty MemoryHooks.
func NewMemoryHooks() *MemoryHooks {
	return &MemoryHooks{docs: make(map[string][]byte)}
}

// LoadDocument implements Hooks.
func (m *MemoryHooks) LoadDocument(_ context.Context, name string) (LoadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.docs[name]
	if !ok {
		return LoadResult{}, nil
	}
	return LoadResult{Snapshot: b}, nil
}

// StoreDocument implements Hooks.
func (m *MemoryHooks) StoreDocument(_ context.Context, name string, bytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = append([]byte(nil), bytes...)
	return nil
}
