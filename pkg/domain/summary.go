package domain

import "time"

// SummaryCacheVersion is the only cache layout understood by the summarizer.
const SummaryCacheVersion = 1

// SourceFile is one file of a summarization corpus.
type SourceFile struct {
	Path    string
	Content string
}

// FileSummary is the cached summary of one corpus file.
type FileSummary struct {
	ContentHash  string    `json:"contentHash"`
	Summary      string    `json:"summary"`
	SummarizedAt time.Time `json:"summarizedAt"`
}

// SummaryCache is persisted per (workspace, source node) and lets unchanged
// files skip re-summarization on the next pass.
type SummaryCache struct {
	Version        int                    `json:"version"`
	FolderPath     string                 `json:"folderPath"`
	Files          map[string]FileSummary `json:"files"`
	ReducedSummary string                 `json:"reducedSummary,omitempty"`
	ReducedAt      *time.Time             `json:"reducedAt,omitempty"`
}

// NewSummaryCache returns an empty cache for folderPath.
func NewSummaryCache(folderPath string) *SummaryCache {
	return &SummaryCache{
		Version:    SummaryCacheVersion,
		FolderPath: folderPath,
		Files:      make(map[string]FileSummary),
	}
}
