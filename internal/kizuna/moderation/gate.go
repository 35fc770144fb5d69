// Package moderation screens chat text before it reaches the model and before
// a reply reaches the user.
package moderation

import (
	"fmt"
	"regexp"
	"strings"
)

// Placeholders returned in place of rejected text.
const (
	BlockedPlaceholder   = "[CONTENT BLOCKED: Safety Violation]"
	InjectionPlaceholder = "[POTENTIAL PROMPT INJECTION DETECTED]"
)

// DefaultBlockedWords are matched case-insensitively on word boundaries.
var DefaultBlockedWords = []string{
	"hate", "violence", "explicit", "illegal",
	"harmful", "dangerous", "toxic",
}

// DefaultInjectionPhrases are matched case-insensitively as substrings.
var DefaultInjectionPhrases = []string{
	"ignore all previous",
	"forget your instructions",
	"you are now a",
	"transcribe this",
	"stop your persona",
}

// Gate is the pure moderation function consumed by the chat engine.
type Gate interface {
	// Check returns text unchanged when it is acceptable, otherwise a
	// placeholder.
	Check(text string) string
	// IsSafe reports whether Check leaves text unchanged.
	IsSafe(text string) bool
	// CleanInjection returns text unchanged unless it looks like an attempt
	// to override the character's instructions.
	CleanInjection(text string) string
}

// KeywordGate implements Gate with a word blacklist and a list of injection
// phrases. It is safe for concurrent use.
type KeywordGate struct {
	blocked   *regexp.Regexp
	injection []string
}

// NewKeywordGate compiles a gate. Nil lists select the defaults; empty lists
// disable that check.
func NewKeywordGate(words, injectionPhrases []string) (*KeywordGate, error) {
	if words == nil {
		words = DefaultBlockedWords
	}
	if injectionPhrases == nil {
		injectionPhrases = DefaultInjectionPhrases
	}

	g := &KeywordGate{}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	if len(quoted) > 0 {
		re, err := regexp.Compile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("moderation: compile blacklist: %w", err)
		}
		g.blocked = re
	}
	for _, p := range injectionPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			g.injection = append(g.injection, p)
		}
	}
	return g, nil
}

// MustKeywordGate is NewKeywordGate for static lists.
func MustKeywordGate(words, injectionPhrases []string) *KeywordGate {
	g, err := NewKeywordGate(words, injectionPhrases)
	if err != nil {
		panic(err)
	}
	return g
}

// Check implements Gate.
func (g *KeywordGate) Check(text string) string {
	if g.blocked != nil && g.blocked.MatchString(text) {
		return BlockedPlaceholder
	}
	return text
}

// IsSafe implements Gate.
func (g *KeywordGate) IsSafe(text string) bool {
	return g.Check(text) == text
}

// CleanInjection implements Gate.
func (g *KeywordGate) CleanInjection(text string) string {
	lower := strings.ToLower(text)
	for _, p := range g.injection {
		if strings.Contains(lower, p) {
			return InjectionPlaceholder
		}
	}
	return text
}

// Compile-time interface satisfaction check.
var _ Gate = (*KeywordGate)(nil)
