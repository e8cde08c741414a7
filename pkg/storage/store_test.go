package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/panelflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCache() *domain.SummaryCache {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := domain.NewSummaryCache("/corpus")
	cache.Files["a.md"] = domain.FileSummary{ContentHash: "h1", Summary: "alpha", SummarizedAt: at}
	cache.Files["dir/b.go"] = domain.FileSummary{ContentHash: "h2", Summary: "beta", SummarizedAt: at}
	cache.ReducedSummary = "overall"
	cache.ReducedAt = &at
	return cache
}

func exerciseSummaryStore(t *testing.T, store SummaryStore) {
	t.Helper()
	ctx := context.Background()
	key := SummaryKey{WorkspaceID: "ws-1", NodeID: 7}

	_, err := store.Load(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, key, sampleCache()))

	got, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.SummaryCacheVersion, got.Version)
	assert.Equal(t, "/corpus", got.FolderPath)
	assert.Equal(t, "overall", got.ReducedSummary)
	require.NotNil(t, got.ReducedAt)
	require.Len(t, got.Files, 2)
	assert.Equal(t, "beta", got.Files["dir/b.go"].Summary)
	assert.True(t, got.Files["a.md"].SummarizedAt.Equal(sampleCache().Files["a.md"].SummarizedAt))

	// A rewrite drops files absent from the new cache.
	next := sampleCache()
	delete(next.Files, "a.md")
	require.NoError(t, store.Save(ctx, key, next))

	got, err = store.Load(ctx, key)
	require.NoError(t, err)
	assert.Len(t, got.Files, 1)
	assert.NotContains(t, got.Files, "a.md")

	_, err = store.Load(ctx, SummaryKey{WorkspaceID: "ws-1", NodeID: 8})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySummaryStore(t *testing.T) {
	exerciseSummaryStore(t, NewMemorySummaryStore())
}

func TestMemorySummaryStore_ReturnsCopies(t *testing.T) {
	store := NewMemorySummaryStore()
	ctx := context.Background()
	key := SummaryKey{WorkspaceID: "ws", NodeID: 1}

	cache := sampleCache()
	require.NoError(t, store.Save(ctx, key, cache))
	cache.Files["mutated.txt"] = domain.FileSummary{}

	got, err := store.Load(ctx, key)
	require.NoError(t, err)
	got.Files["also-mutated.txt"] = domain.FileSummary{}

	again, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Len(t, again.Files, 2)
}

func TestFileSummaryStore(t *testing.T) {
	exerciseSummaryStore(t, NewFileSummaryStore(t.TempDir()))
}

func TestFileSummaryStoreWorkspaceIsolation(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "cache")
	store := NewFileSummaryStore(root)
	ctx := context.Background()

	workspaces := []string{"", "_default", "..", "a/x", "b/x", `c\y`, "%2F"}
	for _, ws := range workspaces {
		require.NoError(t, store.Save(ctx, SummaryKey{WorkspaceID: ws, NodeID: 1}, domain.NewSummaryCache("folder:"+ws)))
	}
	for _, ws := range workspaces {
		got, err := store.Load(ctx, SummaryKey{WorkspaceID: ws, NodeID: 1})
		require.NoError(t, err, ws)
		assert.Equal(t, "folder:"+ws, got.FolderPath, "workspace %q", ws)
	}

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Len(t, entries, 1, "nothing may be written outside the store root")
	assert.Equal(t, "cache", entries[0].Name())

	dirs, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, dirs, len(workspaces))
}

func TestPostgresSummaryStore(t *testing.T) {
	dsn := os.Getenv("PANELFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PANELFLOW_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := OpenPostgresSummaryStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.DropSchema(context.Background())
		_ = store.Close()
	})
	require.NoError(t, store.DropSchema(ctx))
	require.NoError(t, store.CreateSchema(ctx))

	exerciseSummaryStore(t, store)
}

func TestMemoryOutputStore(t *testing.T) {
	store := NewMemoryOutputStore()

	_, ok := store.Get(1)
	assert.False(t, ok)

	store.Set(1, "hello")
	store.Set(2, "")
	out, ok := store.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "hello", out)

	snap := store.Snapshot()
	snap[1] = "changed"
	out, _ = store.Get(1)
	assert.Equal(t, "hello", out, "snapshot must be a copy")

	store.Delete(1)
	_, ok = store.Get(1)
	assert.False(t, ok)
	assert.Len(t, store.Snapshot(), 1)
}
