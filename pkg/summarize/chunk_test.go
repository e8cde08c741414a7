package summarize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSplitChunks_Small(t *testing.T) {
	assert.Nil(t, SplitChunks("", 10))
	assert.Equal(t, []string{"one line"}, SplitChunks("one line", 100))
}

func TestSplitChunks_120KB(t *testing.T) {
	line := strings.Repeat("x", 99)
	var b strings.Builder
	for b.Len() < 120_000 {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	content := b.String()

	chunks := SplitChunks(content, DefaultChunkBytes)

	require.GreaterOrEqual(t, len(chunks), 2)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), DefaultChunkBytes, "chunk %d too large", i)
	}
	assert.Equal(t, content, strings.Join(chunks, "\n"))
}

func TestSplitChunks_OversizedLineKeptWhole(t *testing.T) {
	long := strings.Repeat("y", 300)
	chunks := SplitChunks("a\n"+long+"\nb", 100)

	assert.Equal(t, []string{"a", long, "b"}, chunks)
}

func TestSplitChunksProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		lines := rapid.SliceOfN(rapid.StringN(0, 40, -1), 1, 60).Draw(rt, "lines")
		maxBytes := rapid.IntRange(1, 200).Draw(rt, "maxBytes")
		content := strings.Join(lines, "\n")

		chunks := SplitChunks(content, maxBytes)

		if content == "" {
			if len(chunks) != 0 {
				rt.Fatalf("empty content produced chunks %q", chunks)
			}
			return
		}
		if got := strings.Join(chunks, "\n"); got != content {
			rt.Fatalf("chunks do not reconstruct content:\n%q\n%q", got, content)
		}
		for _, c := range chunks {
			if len(c) > maxBytes && strings.Contains(c, "\n") {
				rt.Fatalf("multi-line chunk of %d bytes exceeds cap %d", len(c), maxBytes)
			}
		}
	})
}
