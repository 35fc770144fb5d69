package state

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// Repository persists sessions. Implementations must return
// ErrSessionNotFound (possibly wrapped) for unknown IDs.
type Repository interface {
	Create(ctx context.Context, sess Session) error
	Get(ctx context.Context, id string) (Session, error)
	// Update writes the mutable fields (affection, tags, title, updated_at).
	Update(ctx context.Context, sess Session) error
	List(ctx context.Context, limit int) ([]Session, error)
}

// MemoryRepository is an in-process Repository for tests and single-shot CLI
// runs. It is safe for concurrent use.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]Session)}
}

func (r *MemoryRepository) Create(_ context.Context, sess Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID] = sess.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, sess Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	r.sessions[sess.ID] = sess.Clone()
	return nil
}

// List returns sessions ordered by most recent update first.
func (r *MemoryRepository) List(_ context.Context, limit int) ([]Session, error) {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Compile-time interface satisfaction check.
var _ Repository = (*MemoryRepository)(nil)
