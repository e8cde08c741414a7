package summarize

import "strings"

// DefaultChunkBytes caps a chunk handed to a single map call.
const DefaultChunkBytes = 50_000

// SplitChunks splits content on line boundaries into chunks of at most
// maxBytes bytes. Lines are never split, so a single line longer than maxBytes
// becomes its own oversized chunk. Joining the chunks with "\n" restores
// content. Empty content yields no chunks.
func SplitChunks(content string, maxBytes int) []string {
	if content == "" {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultChunkBytes
	}
	if len(content) <= maxBytes {
		return []string{content}
	}

	var chunks []string
	var current strings.Builder
	started := false

	for _, line := range strings.Split(content, "\n") {
		if started && current.Len()+1+len(line) > maxBytes {
			chunks = append(chunks, current.String())
			current.Reset()
			started = false
		}
		if started {
			current.WriteByte('\n')
		}
		current.WriteString(line)
		started = true
	}
	if started {
		chunks = append(chunks, current.String())
	}
	return chunks
}
