// Package prompt builds agent inputs from a node prompt and the outputs of its
// upstream nodes, keeping the result inside a fixed byte budget.
package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/polisai/panelflow/pkg/domain"
)

// DefaultBudget is the maximum encoded size of an assembled prompt in bytes.
const DefaultBudget = 95_000

// TruncationMarker terminates an upstream section cut short by the budget.
const TruncationMarker = "\n[...truncated]"

// Upstream is one upstream output offered to the assembler.
type Upstream struct {
	NodeID domain.NodeID
	Label  string
	Output string
}

func (u Upstream) label() string {
	if u.Label != "" {
		return u.Label
	}
	return fmt.Sprintf("Node %d", int(u.NodeID))
}

func (u Upstream) header() string {
	return fmt.Sprintf("--- %s (node %d) ---\n", u.label(), int(u.NodeID))
}

func (u Upstream) footer() string {
	return fmt.Sprintf("\n--- end %s ---\n\n", u.label())
}

// Assembler prepends upstream sections to a prompt.
type Assembler struct {
	// Budget caps the assembled size in bytes. Zero means DefaultBudget.
	Budget int
}

var defaultAssembler = Assembler{Budget: DefaultBudget}

// Build assembles prompt and upstream with the default budget.
func Build(prompt string, upstream []Upstream) string {
	return defaultAssembler.Build(prompt, upstream)
}

// Build returns prompt preceded by one labeled section per non-empty upstream
// output, in order. Sections are included whole while they fit. The first one
// that does not fit is truncated to the remaining space and closed with
// TruncationMarker; later sections are dropped. When prompt alone fills the
// budget, it is returned unchanged.
func (a Assembler) Build(prompt string, upstream []Upstream) string {
	if len(upstream) == 0 {
		return prompt
	}

	budget := a.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}

	remaining := budget - len(prompt)
	if remaining <= 0 {
		return prompt
	}

	var b strings.Builder
	for _, up := range upstream {
		if up.Output == "" {
			continue
		}

		header, footer := up.header(), up.footer()
		size := len(header) + len(up.Output) + len(footer)
		if size <= remaining {
			b.WriteString(header)
			b.WriteString(up.Output)
			b.WriteString(footer)
			remaining -= size
			continue
		}

		room := remaining - len(header) - len(TruncationMarker) - len(footer)
		if room > 0 {
			b.WriteString(header)
			b.WriteString(truncateUTF8(up.Output, room))
			b.WriteString(TruncationMarker)
			b.WriteString(footer)
		}
		break
	}

	if b.Len() == 0 {
		return prompt
	}
	b.WriteString(prompt)
	return b.String()
}

// Truncate returns s unchanged when it fits in n bytes. Otherwise it cuts s
// so that the result, closed with TruncationMarker, is at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	room := n - len(TruncationMarker)
	if room < 0 {
		return truncateUTF8(s, max(n, 0))
	}
	return truncateUTF8(s, room) + TruncationMarker
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
