package summarize

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"

	"github.com/polisai/panelflow/pkg/domain"
)

// ChangedFile needs a fresh summary.
type ChangedFile struct {
	Path    string
	Content string
	Hash    string
}

// UnchangedFile reuses its cached summary.
type UnchangedFile struct {
	Path    string
	Hash    string
	Summary string
}

// DiffResult partitions a corpus against its summary cache. Paths are relative
// to the corpus folder in slash form.
type DiffResult struct {
	Changed   []ChangedFile
	Unchanged []UnchangedFile
	Removed   []string
}

// ContentHash returns the lowercase hex SHA-256 of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// RelativePath expresses path relative to folderPath in slash form. Paths
// outside folderPath, or already relative, are returned cleaned.
func RelativePath(folderPath, path string) string {
	if folderPath != "" && filepath.IsAbs(path) == filepath.IsAbs(folderPath) {
		if rel, err := filepath.Rel(folderPath, path); err == nil && !isOutside(rel) {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(filepath.Clean(path))
}

func isOutside(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}

// Diff compares files with cache. A file is unchanged when its hash matches
// the cached one and the cached summary is non-empty. Cached paths missing
// from files are reported as removed. A nil cache marks everything changed.
func Diff(cache *domain.SummaryCache, files []domain.SourceFile, folderPath string) DiffResult {
	var result DiffResult
	seen := make(map[string]struct{}, len(files))

	for _, f := range files {
		rel := RelativePath(folderPath, f.Path)
		if _, dup := seen[rel]; dup {
			continue
		}
		seen[rel] = struct{}{}

		hash := ContentHash(f.Content)
		if cache != nil {
			if prev, ok := cache.Files[rel]; ok && prev.ContentHash == hash && prev.Summary != "" {
				result.Unchanged = append(result.Unchanged, UnchangedFile{Path: rel, Hash: hash, Summary: prev.Summary})
				continue
			}
		}
		result.Changed = append(result.Changed, ChangedFile{Path: rel, Content: f.Content, Hash: hash})
	}

	if cache != nil {
		for path := range cache.Files {
			if _, ok := seen[path]; !ok {
				result.Removed = append(result.Removed, path)
			}
		}
		sort.Strings(result.Removed)
	}

	return result
}
