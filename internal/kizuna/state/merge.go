package state

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// TagCase selects how tag case is treated during the union.
type TagCase string

const (
	// TagCasePreserve keeps tags verbatim, so "Curious" and "curious" are
	// distinct members of the set.
	TagCasePreserve TagCase = "preserve"
	// TagCaseLower folds every tag to lower case before the union.
	TagCaseLower TagCase = "lower"
)

// ParseTagCase converts a configuration string into a TagCase. The empty
// string selects TagCasePreserve.
func ParseTagCase(s string) (TagCase, error) {
	switch TagCase(strings.ToLower(strings.TrimSpace(s))) {
	case "", TagCasePreserve:
		return TagCasePreserve, nil
	case TagCaseLower:
		return TagCaseLower, nil
	default:
		return "", fmt.Errorf("state: unknown tag case policy %q", s)
	}
}

// MergeOptions tunes Apply.
type MergeOptions struct {
	TagCase TagCase
	// Now stamps UpdatedAt on a changed session. Defaults to time.Now.
	Now func() time.Time
}

// Apply folds delta into sess and returns the updated session. A nil delta
// returns sess unchanged. The input session is never mutated.
//
// The affection score is clamped into [MinAffection, MaxAffection] after the
// addition, and the tag list stays a sorted set: merging the same delta twice
// yields the same tags as merging it once.
func Apply(sess Session, delta *Delta, opts MergeOptions) Session {
	if delta == nil {
		return sess
	}
	out := sess.Clone()
	out.AffectionScore = addClamped(sess.AffectionScore, delta.AffectionDelta)
	out.Tags = unionTags(out.Tags, delta.NewTags, opts.TagCase)

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	out.UpdatedAt = now().UTC()
	return out
}

// addClamped returns score+delta constrained to the affection range without
// overflowing for extreme deltas.
func addClamped(score, delta int) int {
	score = min(max(score, MinAffection), MaxAffection)
	switch {
	case delta > MaxAffection-score:
		return MaxAffection
	case delta < MinAffection-score:
		return MinAffection
	}
	return score + delta
}

// unionTags merges add into the sorted set base. Blank tags are dropped.
func unionTags(base, add []string, tagCase TagCase) []string {
	set := make(map[string]struct{}, len(base)+len(add))
	for _, t := range base {
		set[t] = struct{}{}
	}
	for _, t := range add {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if tagCase == TagCaseLower {
			t = strings.ToLower(t)
		}
		set[t] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// NormalizeTags returns tags as a sorted set. Used when loading persisted
// sessions so that hand-edited rows still honour the set invariant.
func NormalizeTags(tags []string) []string {
	return unionTags(nil, tags, TagCasePreserve)
}
