// Package storage persists engine state: the per-corpus summary cache consulted
// by the batch summarizer and the shared panel-output cache read by the
// executor and the auto-chain trigger.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/panelflow/pkg/domain"
)

// ErrNotFound is returned when no summary cache exists for a key.
var ErrNotFound = errors.New("summary cache not found")

// SummaryKey identifies the summary cache of one corpus-bearing node.
type SummaryKey struct {
	WorkspaceID string
	NodeID      domain.NodeID
}

func (k SummaryKey) String() string {
	return fmt.Sprintf("%s/%d", k.WorkspaceID, int(k.NodeID))
}

// SummaryStore exposes persistence operations for summary caches.
type SummaryStore interface {
	// Load returns the stored cache for key or ErrNotFound.
	Load(ctx context.Context, key SummaryKey) (*domain.SummaryCache, error)
	// Save replaces the stored cache for key.
	Save(ctx context.Context, key SummaryKey, cache *domain.SummaryCache) error
	Close() error
}

func cloneCache(c *domain.SummaryCache) *domain.SummaryCache {
	if c == nil {
		return nil
	}
	out := *c
	out.Files = make(map[string]domain.FileSummary, len(c.Files))
	for path, fs := range c.Files {
		out.Files[path] = fs
	}
	if c.ReducedAt != nil {
		at := *c.ReducedAt
		out.ReducedAt = &at
	}
	return &out
}
