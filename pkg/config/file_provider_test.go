package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/panelflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipelineDoc(id string) string {
	return "pipelines:\n  - id: " + id + "\n    nodes:\n      - id: 1\n        output: seed\n"
}

func receiveSnapshots(t *testing.T, ch <-chan []domain.Snapshot) []domain.Snapshot {
	t.Helper()
	select {
	case snaps, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return snaps
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshots")
		return nil
	}
}

func TestFileSnapshotProviderReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipelineDoc("first")), 0o644))

	provider, err := NewFileSnapshotProvider(path, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	defer func() { _ = provider.Close() }()

	ch := provider.Subscribe()
	initial := receiveSnapshots(t, ch)
	require.Len(t, initial, 1)
	assert.Equal(t, "first", initial[0].ID)

	require.NoError(t, os.WriteFile(path, []byte(pipelineDoc("second")), 0o644))

	require.Eventually(t, func() bool {
		snaps := provider.CurrentSnapshots()
		return len(snaps) == 1 && snaps[0].ID == "second"
	}, 5*time.Second, 20*time.Millisecond)

	updated := receiveSnapshots(t, ch)
	require.Len(t, updated, 1)
	assert.Equal(t, "second", updated[0].ID)
}

func TestFileSnapshotProviderKeepsLastGoodSetOnInvalidWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipelineDoc("good")), 0o644))

	provider, err := NewFileSnapshotProvider(path)
	require.NoError(t, err)
	defer func() { _ = provider.Close() }()

	require.NoError(t, os.WriteFile(path, []byte("pipelines:\n  - nodes: [{id: 1}]\n"), 0o644))
	require.Error(t, provider.Reload())

	snaps := provider.CurrentSnapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "good", snaps[0].ID)
}

func TestFileSnapshotProviderMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")

	provider, err := NewFileSnapshotProvider(path)
	require.NoError(t, err)
	defer func() { _ = provider.Close() }()

	assert.Empty(t, provider.CurrentSnapshots())

	require.NoError(t, os.WriteFile(path, []byte(pipelineDoc("late")), 0o644))
	require.NoError(t, provider.Reload())
	require.Len(t, provider.CurrentSnapshots(), 1)
}

func TestFileSnapshotProviderCloseEndsSubscriptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipelineDoc("p")), 0o644))

	provider, err := NewFileSnapshotProvider(path)
	require.NoError(t, err)

	ch := provider.Subscribe()
	receiveSnapshots(t, ch)

	require.NoError(t, provider.Close())

	_, ok := <-ch
	assert.False(t, ok)

	_, ok = <-provider.Subscribe()
	assert.False(t, ok)
}
