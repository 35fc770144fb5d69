// Package memory implements the two memory tiers of a chat session and the
// gateway that unifies them.
//
// The short-term buffer keeps the last K turns of each session in full
// fidelity for recency context. The long-term store keeps every committed
// turn, plus periodic synthesis summaries, as embedded fragments that are
// retrieved by semantic relevance. The Gateway writes every turn to both
// tiers, so eviction from the buffer never loses anything for retrieval.
package memory

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single immutable message in a session.
type Turn struct {
	Seq     int64     `json:"seq"` // position within the session, assigned by the buffer
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Kind classifies a long-term fragment.
type Kind string

const (
	// KindTurn is a verbatim committed turn.
	KindTurn Kind = "turn"
	// KindSynthesis is a summary compacted from the short-term buffer.
	KindSynthesis Kind = "synthesis"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindTurn || k == KindSynthesis
}

// Fragment is a unit of long-term memory. Fragments are never mutated once
// indexed; newer syntheses supersede older ones only through ranking.
type Fragment struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	Role      Role      `json:"role,omitempty"` // empty for syntheses
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Score     float64   `json:"score,omitempty"` // relevance to the last query
}

// Tier names a storage tier in logs and degraded results.
type Tier string

const (
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
)

// ErrTierUnavailable marks a failure of one storage tier. Callers are expected
// to continue with whatever the other tier returned.
var ErrTierUnavailable = errors.New("memory: tier unavailable")

func tierError(tier Tier, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTierUnavailable, tier, err)
}

// estimateTokens returns a rough token count for a piece of text. Uses ~4
// characters per token plus a small framing overhead; the budget it feeds is
// a soft limit.
func estimateTokens(s string) int {
	const charsPerToken = 4
	const overhead = 4
	return len(s)/charsPerToken + overhead
}
