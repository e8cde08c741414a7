package summarize

import (
	"testing"
	"time"

	"github.com/polisai/panelflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHash(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", ContentHash("abc"))
}

func TestRelativePath(t *testing.T) {
	tests := []struct {
		folder, path, want string
	}{
		{"/corpus", "/corpus/a.md", "a.md"},
		{"/corpus", "/corpus/dir/b.go", "dir/b.go"},
		{"/corpus/", "/corpus/c.txt", "c.txt"},
		{"/corpus", "/elsewhere/d.txt", "/elsewhere/d.txt"},
		{"/corpus", "rel/e.txt", "rel/e.txt"},
	}
	for _, tt := range tests {
		if got := RelativePath(tt.folder, tt.path); got != tt.want {
			t.Fatalf("RelativePath(%q, %q) = %q, want %q", tt.folder, tt.path, got, tt.want)
		}
	}
}

func TestDiff_NilCacheMarksEverythingChanged(t *testing.T) {
	files := []domain.SourceFile{{Path: "/c/a.md", Content: "a"}, {Path: "/c/b.md", Content: "b"}}

	d := Diff(nil, files, "/c")

	require.Len(t, d.Changed, 2)
	assert.Equal(t, "a.md", d.Changed[0].Path)
	assert.Equal(t, ContentHash("a"), d.Changed[0].Hash)
	assert.Empty(t, d.Unchanged)
	assert.Empty(t, d.Removed)
}

func TestDiff_Partitions(t *testing.T) {
	cache := domain.NewSummaryCache("/c")
	cache.Files["same.md"] = domain.FileSummary{ContentHash: ContentHash("same"), Summary: "kept", SummarizedAt: time.Now()}
	cache.Files["edited.md"] = domain.FileSummary{ContentHash: ContentHash("old"), Summary: "stale"}
	cache.Files["blank.md"] = domain.FileSummary{ContentHash: ContentHash("blank"), Summary: ""}
	cache.Files["gone.md"] = domain.FileSummary{ContentHash: "x", Summary: "bye"}

	files := []domain.SourceFile{
		{Path: "/c/same.md", Content: "same"},
		{Path: "/c/edited.md", Content: "new"},
		{Path: "/c/blank.md", Content: "blank"},
		{Path: "/c/fresh.md", Content: "fresh"},
	}

	d := Diff(cache, files, "/c")

	require.Len(t, d.Unchanged, 1)
	assert.Equal(t, UnchangedFile{Path: "same.md", Hash: ContentHash("same"), Summary: "kept"}, d.Unchanged[0])

	changed := make([]string, 0, len(d.Changed))
	for _, c := range d.Changed {
		changed = append(changed, c.Path)
	}
	assert.Equal(t, []string{"edited.md", "blank.md", "fresh.md"}, changed, "an empty cached summary forces recomputation")
	assert.Equal(t, []string{"gone.md"}, d.Removed)
}
