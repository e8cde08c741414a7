package summarize

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/polisai/panelflow/pkg/domain"
)

// FileSource lists the files of a corpus folder.
type FileSource interface {
	List(ctx context.Context, folderPath string, extensions []string) ([]domain.SourceFile, error)
}

// DirSource reads a corpus from the local filesystem.
type DirSource struct {
	// MaxFileBytes skips larger files. Zero means 5 MiB.
	MaxFileBytes int64
}

// List walks folderPath in lexical order. Hidden files and directories are
// skipped, as are files that are not valid UTF-8. When extensions is non-empty
// only matching files (case-insensitive, with or without the leading dot) are
// returned.
func (d DirSource) List(ctx context.Context, folderPath string, extensions []string) ([]domain.SourceFile, error) {
	maxBytes := d.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}

	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}

	var files []domain.SourceFile
	err := filepath.WalkDir(folderPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if path != folderPath && strings.HasPrefix(entry.Name(), ".") {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		if len(allowed) > 0 {
			if _, ok := allowed[strings.ToLower(filepath.Ext(path))]; !ok {
				return nil
			}
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxBytes {
			return nil
		}

		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !utf8.Valid(b) {
			return nil
		}
		files = append(files, domain.SourceFile{Path: path, Content: string(b)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list corpus %s: %w", folderPath, err)
	}
	return files, nil
}
