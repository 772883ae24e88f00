package cards

import (
	"context"
	"sync"
)

// MemoryStore keeps the list only for the lifetime of the process.
type MemoryStore struct {
	mu    sync.Mutex
	etag  int
	cards []string
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{etag: NoETag}
}

func (m *MemoryStore) Load(ctx context.Context) (int, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.etag, append([]string(nil), m.cards...), nil
}

func (m *MemoryStore) Save(ctx context.Context, etag int, list []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.etag = etag
	m.cards = append([]string(nil), list...)
	m.saves++
	return nil
}

// Saves returns how many times the list was written.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
