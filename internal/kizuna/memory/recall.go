package memory

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DefaultMaxTokens is the default token budget for the memory block of a
// prompt.
const DefaultMaxTokens = 4000

// Recall is the combined result of a Gateway retrieval.
type Recall struct {
	// Recent holds the short-term buffer, oldest first.
	Recent []Turn `json:"recent"`

	// Relevant holds long-term fragments, most relevant first.
	Relevant []Fragment `json:"relevant"`

	// Missing lists tiers that could not be read.
	Missing []Tier `json:"missing,omitempty"`
}

// Degraded reports whether any tier was unavailable.
func (r Recall) Degraded() bool {
	return len(r.Missing) > 0
}

// Fit returns a copy of r that fits within maxTokens. Recent turns have
// priority and are trimmed oldest first, always keeping the newest one.
// Relevant fragments fill whatever remains, in rank order, and fragments that
// repeat a recent turn verbatim are dropped. A non-positive maxTokens selects
// DefaultMaxTokens.
func (r Recall) Fit(maxTokens int) Recall {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	recent := slices.Clone(r.Recent)
	for len(recent) > 1 && turnTokens(recent) > maxTokens {
		recent = recent[1:]
	}
	remaining := max(maxTokens-turnTokens(recent), 0)

	seen := make(map[string]struct{}, len(recent))
	for _, t := range recent {
		seen[t.Content] = struct{}{}
	}

	relevant := make([]Fragment, 0, len(r.Relevant))
	used := 0
	for _, f := range r.Relevant {
		if _, dup := seen[f.Content]; dup {
			continue
		}
		cost := estimateTokens(f.Content)
		if used+cost > remaining {
			break
		}
		relevant = append(relevant, f)
		used += cost
	}

	return Recall{Recent: recent, Relevant: relevant, Missing: slices.Clone(r.Missing)}
}

func turnTokens(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += estimateTokens(t.Content)
	}
	return total
}

// FormatFragments renders fragments as a bulleted background-memory block.
// It returns "" when there are none.
func FormatFragments(frags []Fragment) string {
	if len(frags) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range frags {
		switch f.Kind {
		case KindSynthesis:
			fmt.Fprintf(&b, "- (summary, %s) %s\n", f.CreatedAt.Format(time.DateOnly), f.Content)
		default:
			fmt.Fprintf(&b, "- (%s said, %s) %s\n", f.Role, f.CreatedAt.Format(time.DateOnly), f.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatTranscript renders turns as a readable transcript, one line per turn.
func FormatTranscript(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}
