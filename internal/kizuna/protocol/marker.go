// Package protocol is the only place that understands the in-band state
// marker a model appends to its reply:
//
//	[[STATE: affection_delta=+5, new_tags=[curious, likes_tea] ]]
//
// The delta sign is mandatory and the tag list may be empty. Parsing is
// tolerant by construction: text without a well-formed marker is ordinary
// text and is returned untouched with no delta.
package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

// markerPattern accepts optional whitespace around every token but requires
// the sign on the delta and a bracket-free tag list.
var markerPattern = regexp.MustCompile(
	`\[\[\s*STATE\s*:\s*affection_delta\s*=\s*([+-][0-9]+)\s*,\s*new_tags\s*=\s*\[([^\[\]]*)\]\s*\]\]`,
)

// Opening is the literal prefix every marker starts with.
const Opening = "[["

// Parse extracts the first well-formed marker from raw. It returns the text
// with that marker and its surrounding whitespace removed, and the parsed
// delta. When no well-formed marker exists, raw is returned unchanged with a
// nil delta. Later markers are left in the text as ordinary content.
func Parse(raw string) (string, *state.Delta) {
	loc := markerPattern.FindStringSubmatchIndex(raw)
	if loc == nil {
		return raw, nil
	}

	delta, err := strconv.Atoi(raw[loc[2]:loc[3]])
	if err != nil {
		// Out of range for int: the marker is malformed.
		return raw, nil
	}

	clean := joinAround(raw[:loc[0]], raw[loc[1]:])
	return clean, &state.Delta{
		AffectionDelta: delta,
		NewTags:        splitTags(raw[loc[4]:loc[5]]),
	}
}

// Format renders delta as a marker. Zero renders as +0.
func Format(delta state.Delta) string {
	sign := "+"
	n := delta.AffectionDelta
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("[[STATE: affection_delta=%s%d, new_tags=[%s] ]]",
		sign, n, strings.Join(delta.NewTags, ", "))
}

// Instructions is the prompt fragment that teaches a model to emit markers.
func Instructions() string {
	return "After your reply, on its own line, append exactly one state marker of the form " +
		"[[STATE: affection_delta=<+N or -N>, new_tags=[tag, tag] ]] describing how this exchange " +
		"changed your affection toward the user (a signed integer, sign required) and any new " +
		"traits you learned about them. Use new_tags=[] when there is nothing new. " +
		"Never mention the marker in the reply itself."
}

func joinAround(before, after string) string {
	before = strings.TrimRight(before, " \t\r\n")
	after = strings.TrimLeft(after, " \t\r\n")
	switch {
	case before == "":
		return strings.TrimSpace(after)
	case after == "":
		return strings.TrimSpace(before)
	}
	return strings.TrimSpace(before + " " + after)
}

func splitTags(list string) []string {
	tags := []string{}
	for _, part := range strings.Split(list, ",") {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
