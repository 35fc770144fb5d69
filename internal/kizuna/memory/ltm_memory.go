package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process LongTermStore. Fragments are lost on restart.
type MemoryStore struct {
	embedder Embedder
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string][]scored
}

// NewMemoryStore creates a MemoryStore using embedder for similarity.
func NewMemoryStore(embedder Embedder) *MemoryStore {
	return &MemoryStore{
		embedder: embedder,
		now:      time.Now,
		sessions: make(map[string][]scored),
	}
}

// Index embeds and stores f.
func (s *MemoryStore) Index(ctx context.Context, f Fragment) (Fragment, error) {
	f, err := prepare(f, s.now)
	if err != nil {
		return Fragment{}, fmt.Errorf("ltm memory: %w", err)
	}
	vec, err := s.embedder.Embed(ctx, f.Content)
	if err != nil {
		return Fragment{}, fmt.Errorf("ltm memory: embed fragment: %w", err)
	}

	s.mu.Lock()
	s.sessions[f.SessionID] = append(s.sessions[f.SessionID], scored{frag: f, embedding: vec})
	s.mu.Unlock()
	return f, nil
}

// Query ranks the session's fragments against text.
func (s *MemoryStore) Query(ctx context.Context, sessionID, text string, topK int) ([]Fragment, error) {
	s.mu.RLock()
	candidates := slices.Clone(s.sessions[sessionID])
	s.mu.RUnlock()

	if len(candidates) == 0 || topK <= 0 {
		return []Fragment{}, nil
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ltm memory: embed query: %w", err)
	}
	return rank(vec, candidates, topK), nil
}

// List returns the session's fragments in creation order.
func (s *MemoryStore) List(_ context.Context, sessionID string) ([]Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Fragment, 0, len(s.sessions[sessionID]))
	for _, c := range s.sessions[sessionID] {
		out = append(out, c.frag)
	}
	return out, nil
}

// Compile-time interface satisfaction check.
var _ LongTermStore = (*MemoryStore)(nil)
