// Package state holds the relationship state carried by a chat session and the
// merge rules that evolve it.
//
// A Session is created externally with an affection score of 50 and no tags.
// From then on the only writer of AffectionScore and Tags is Apply, which
// folds a Delta parsed from model output into the session under two
// invariants: the score stays within [MinAffection, MaxAffection] and the tag
// list is a set.
package state

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	// MinAffection and MaxAffection bound Session.AffectionScore.
	MinAffection = 0
	MaxAffection = 100

	// DefaultAffection is the score every new session starts with.
	DefaultAffection = 50

	// DefaultTitle is used when a session is created without a title.
	DefaultTitle = "New Chat"
)

// ErrSessionNotFound is returned when a session ID does not resolve.
var ErrSessionNotFound = errors.New("state: session not found")

// Session is one ongoing conversation between a user and a character.
type Session struct {
	ID             string    `json:"id"`
	CharacterID    string    `json:"character_id"`
	Title          string    `json:"title"`
	AffectionScore int       `json:"affection_score"`
	Tags           []string  `json:"user_tags"` // sorted, no duplicates
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Delta is a parsed relationship change: a signed affection adjustment plus
// new tags in the order the model emitted them.
type Delta struct {
	AffectionDelta int      `json:"affection_delta"`
	NewTags        []string `json:"new_tags"`
}

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewSession returns a session in its initial state. An empty id is replaced
// by a generated one.
func NewSession(id, characterID, title string, now time.Time) Session {
	if id == "" {
		id = NewSessionID()
	}
	if title == "" {
		title = DefaultTitle
	}
	return Session{
		ID:             id,
		CharacterID:    characterID,
		Title:          title,
		AffectionScore: DefaultAffection,
		Tags:           []string{},
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

// HasTag reports whether tag is in the session's tag set.
func (s Session) HasTag(tag string) bool {
	_, found := slices.BinarySearch(s.Tags, tag)
	return found
}

// Clone returns a copy of s that shares no memory with it.
func (s Session) Clone() Session {
	s.Tags = slices.Clone(s.Tags)
	if s.Tags == nil {
		s.Tags = []string{}
	}
	return s
}
