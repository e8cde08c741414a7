package storage

import (
	"sync"

	"github.com/polisai/panelflow/pkg/domain"
)

// OutputStore is the panel-output cache shared by full runs and auto-chain
// executions. It outlives individual runs.
type OutputStore interface {
	Get(id domain.NodeID) (string, bool)
	Set(id domain.NodeID, output string)
	Delete(id domain.NodeID)
	// Snapshot returns a copy of every cached output.
	Snapshot() map[domain.NodeID]string
}

// MemoryOutputStore is an in-memory OutputStore safe for concurrent use.
type MemoryOutputStore struct {
	mu      sync.RWMutex
	outputs map[domain.NodeID]string
}

// NewMemoryOutputStore creates an empty output store.
func NewMemoryOutputStore() *MemoryOutputStore {
	return &MemoryOutputStore{outputs: make(map[domain.NodeID]string)}
}

func (s *MemoryOutputStore) Get(id domain.NodeID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[id]
	return out, ok
}

func (s *MemoryOutputStore) Set(id domain.NodeID, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[id] = output
}

func (s *MemoryOutputStore) Delete(id domain.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outputs, id)
}

func (s *MemoryOutputStore) Snapshot() map[domain.NodeID]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.NodeID]string, len(s.outputs))
	for id, v := range s.outputs {
		out[id] = v
	}
	return out
}
