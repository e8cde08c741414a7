package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/polisai/panelflow/pkg/domain"
)

// FileSummaryStore keeps one JSON document per key under a root directory:
// <root>/ws-<escaped workspace>/<node>.summary.json. Workspace IDs are path
// escaped so every ID maps to its own directory inside root.
type FileSummaryStore struct {
	root string
	mu   sync.Mutex
}

// NewFileSummaryStore creates a store rooted at dir.
func NewFileSummaryStore(dir string) *FileSummaryStore {
	return &FileSummaryStore{root: dir}
}

func (s *FileSummaryStore) path(key SummaryKey) string {
	dir := "ws-" + url.PathEscape(key.WorkspaceID)
	return filepath.Join(s.root, dir, strconv.Itoa(int(key.NodeID))+".summary.json")
}

// Load reads and decodes the cache for key.
func (s *FileSummaryStore) Load(_ context.Context, key SummaryKey) (*domain.SummaryCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: read summary cache %s: %w", key, err)
	}

	var cache domain.SummaryCache
	if err := json.Unmarshal(b, &cache); err != nil {
		return nil, fmt.Errorf("storage: decode summary cache %s: %w", key, err)
	}
	if cache.Files == nil {
		cache.Files = make(map[string]domain.FileSummary)
	}
	return &cache, nil
}

// Save writes the cache atomically through a temp file and rename.
func (s *FileSummaryStore) Save(_ context.Context, key SummaryKey, cache *domain.SummaryCache) error {
	if cache == nil {
		return fmt.Errorf("storage: save summary cache %s: nil cache", key)
	}

	b, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode summary cache %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("storage: create cache dir: %w", err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("storage: write summary cache %s: %w", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("storage: replace summary cache %s: %w", key, err)
	}
	return nil
}

// Close is a no-op for file store.
func (s *FileSummaryStore) Close() error {
	return nil
}
