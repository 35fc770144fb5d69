package memory

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultBufferCapacity is the number of turns kept per session.
const DefaultBufferCapacity = 10

// ShortTermBuffer is a capped, per-session FIFO of recent turns.
type ShortTermBuffer interface {
	// Append stores turn at the end of the session's log and returns it with
	// its sequence number set. When the log exceeds Capacity the oldest turn
	// is evicted silently.
	Append(ctx context.Context, sessionID string, turn Turn) (Turn, error)

	// Read returns the retained turns, oldest first. It has no side effects.
	Read(ctx context.Context, sessionID string) ([]Turn, error)

	// Capacity returns K, the maximum number of turns retained per session.
	Capacity() int
}

// MemoryBuffer is an in-process ShortTermBuffer. It is safe for concurrent use.
type MemoryBuffer struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*turnLog
	now      func() time.Time
}

type turnLog struct {
	turns []Turn
	next  int64
}

// NewMemoryBuffer creates a MemoryBuffer retaining capacity turns per session.
// A non-positive capacity selects DefaultBufferCapacity.
func NewMemoryBuffer(capacity int) *MemoryBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &MemoryBuffer{
		capacity: capacity,
		sessions: make(map[string]*turnLog),
		now:      time.Now,
	}
}

// Append adds turn to the session's log, evicting the oldest turn on overflow.
func (b *MemoryBuffer) Append(_ context.Context, sessionID string, turn Turn) (Turn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.sessions[sessionID]
	if log == nil {
		log = &turnLog{}
		b.sessions[sessionID] = log
	}

	log.next++
	turn.Seq = log.next
	if turn.At.IsZero() {
		turn.At = b.now().UTC()
	}
	log.turns = append(log.turns, turn)

	if excess := len(log.turns) - b.capacity; excess > 0 {
		log.turns = slices.Delete(log.turns, 0, excess)
	}
	return turn, nil
}

// Read returns a copy of the session's retained turns, oldest first.
func (b *MemoryBuffer) Read(_ context.Context, sessionID string) ([]Turn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.sessions[sessionID]
	if log == nil {
		return []Turn{}, nil
	}
	return slices.Clone(log.turns), nil
}

// Capacity returns the per-session turn limit.
func (b *MemoryBuffer) Capacity() int {
	return b.capacity
}

// Compile-time interface satisfaction check.
var _ ShortTermBuffer = (*MemoryBuffer)(nil)
