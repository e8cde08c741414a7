package storage

import (
	"context"
	"sync"

	"github.com/polisai/panelflow/pkg/domain"
)

// MemorySummaryStore is an in-memory implementation of SummaryStore.
type MemorySummaryStore struct {
	mu     sync.RWMutex
	caches map[SummaryKey]*domain.SummaryCache
}

// NewMemorySummaryStore creates a new MemorySummaryStore.
func NewMemorySummaryStore() *MemorySummaryStore {
	return &MemorySummaryStore{
		caches: make(map[SummaryKey]*domain.SummaryCache),
	}
}

// Load returns a copy of the stored cache.
func (s *MemorySummaryStore) Load(_ context.Context, key SummaryKey) (*domain.SummaryCache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cache, ok := s.caches[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCache(cache), nil
}

// Save stores a copy of cache.
func (s *MemorySummaryStore) Save(_ context.Context, key SummaryKey, cache *domain.SummaryCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.caches[key] = cloneCache(cache)
	return nil
}

// Close is a no-op for memory store.
func (s *MemorySummaryStore) Close() error {
	return nil
}
