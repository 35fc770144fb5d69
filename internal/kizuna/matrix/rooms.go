package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// RoomSessions remembers which chat session a room talks to.
type RoomSessions interface {
	// SessionFor returns the session bound to roomID, or "" when none is.
	SessionFor(ctx context.Context, roomID string) (string, error)
	Bind(ctx context.Context, roomID, sessionID string) error
}

// MemoryRoomSessions keeps bindings in process memory.
type MemoryRoomSessions struct {
	mu    sync.RWMutex
	rooms map[string]string
}

// NewMemoryRoomSessions returns an empty MemoryRoomSessions.
func NewMemoryRoomSessions() *MemoryRoomSessions {
	return &MemoryRoomSessions{rooms: make(map[string]string)}
}

func (m *MemoryRoomSessions) SessionFor(_ context.Context, roomID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomID], nil
}

func (m *MemoryRoomSessions) Bind(_ context.Context, roomID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = sessionID
	return nil
}

// SQLRoomSessions keeps bindings in the matrix_rooms table.
type SQLRoomSessions struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLRoomSessions returns a RoomSessions backed by db.
func NewSQLRoomSessions(db *sqlx.DB) *SQLRoomSessions {
	return &SQLRoomSessions{db: db, now: time.Now}
}

func (s *SQLRoomSessions) SessionFor(ctx context.Context, roomID string) (string, error) {
	var sessionID string
	err := s.db.GetContext(ctx, &sessionID,
		s.db.Rebind(`SELECT session_id FROM matrix_rooms WHERE room_id = ?`), roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("matrix rooms: lookup %s: %w", roomID, err)
	}
	return sessionID, nil
}

func (s *SQLRoomSessions) Bind(ctx context.Context, roomID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO matrix_rooms (room_id, session_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at
	`), roomID, sessionID, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("matrix rooms: bind %s: %w", roomID, err)
	}
	return nil
}

var (
	_ RoomSessions = (*MemoryRoomSessions)(nil)
	_ RoomSessions = (*SQLRoomSessions)(nil)
)
