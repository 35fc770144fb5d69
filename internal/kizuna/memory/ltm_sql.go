package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

const fragmentTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements LongTermStore on the memory_fragments table of a SQLite
// or PostgreSQL database. Embeddings are stored as JSON-encoded float32
// arrays and similarity is computed in Go: the drivers in use have no vector
// extension, and at per-session scale (hundreds to low thousands of
// fragments) a scan is fast enough.
//
// The caller must ensure the table exists (created by migration
// 0002_memory_fragments.sql).
type SQLStore struct {
	db       *sqlx.DB
	embedder Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// NewSQLStore creates a SQLStore. If logger is nil, the default slog logger is
// used.
func NewSQLStore(db *sqlx.DB, embedder Embedder, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, embedder: embedder, logger: logger, now: time.Now}
}

type fragmentRow struct {
	ID        string         `db:"id"`
	SessionID string         `db:"session_id"`
	Kind      string         `db:"kind"`
	Role      string         `db:"role"`
	Content   string         `db:"content"`
	Embedding sql.NullString `db:"embedding"`
	CreatedAt string         `db:"created_at"`
}

func (r fragmentRow) fragment() (Fragment, []float32, error) {
	created, err := time.Parse(fragmentTimeLayout, r.CreatedAt)
	if err != nil {
		return Fragment{}, nil, fmt.Errorf("parse created_at: %w", err)
	}
	var vec []float32
	if r.Embedding.Valid && r.Embedding.String != "" {
		if err := json.Unmarshal([]byte(r.Embedding.String), &vec); err != nil {
			return Fragment{}, nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	return Fragment{
		ID:        r.ID,
		SessionID: r.SessionID,
		Kind:      Kind(r.Kind),
		Role:      Role(r.Role),
		Content:   r.Content,
		CreatedAt: created,
	}, vec, nil
}

// Index embeds f and inserts it.
func (s *SQLStore) Index(ctx context.Context, f Fragment) (Fragment, error) {
	f, err := prepare(f, s.now)
	if err != nil {
		return Fragment{}, fmt.Errorf("ltm sql: %w", err)
	}

	vec, err := s.embedder.Embed(ctx, f.Content)
	if err != nil {
		return Fragment{}, fmt.Errorf("ltm sql: embed fragment: %w", err)
	}
	embeddingJSON, err := json.Marshal(vec)
	if err != nil {
		return Fragment{}, fmt.Errorf("ltm sql: marshal embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO memory_fragments (id, session_id, kind, role, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		f.ID,
		f.SessionID,
		string(f.Kind),
		string(f.Role),
		f.Content,
		string(embeddingJSON),
		f.CreatedAt.UTC().Format(fragmentTimeLayout),
	)
	if err != nil {
		return Fragment{}, fmt.Errorf("ltm sql: insert fragment: %w", err)
	}

	s.logger.Debug("ltm sql: indexed fragment",
		"session_id", f.SessionID,
		"fragment_id", f.ID,
		"kind", f.Kind,
		"content_len", len(f.Content),
	)
	return f, nil
}

// Query loads the session's fragments and ranks them against text.
func (s *SQLStore) Query(ctx context.Context, sessionID, text string, topK int) ([]Fragment, error) {
	if topK <= 0 {
		return []Fragment{}, nil
	}

	candidates, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []Fragment{}, nil
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ltm sql: embed query: %w", err)
	}
	return rank(vec, candidates, topK), nil
}

// List returns the session's fragments in creation order.
func (s *SQLStore) List(ctx context.Context, sessionID string) ([]Fragment, error) {
	candidates, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Fragment, len(candidates))
	for i, c := range candidates {
		out[i] = c.frag
	}
	return out, nil
}

func (s *SQLStore) load(ctx context.Context, sessionID string) ([]scored, error) {
	var rows []fragmentRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, session_id, kind, role, content, embedding, created_at
		FROM memory_fragments
		WHERE session_id = ?
		ORDER BY created_at, id`),
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("ltm sql: query fragments: %w", err)
	}

	out := make([]scored, 0, len(rows))
	for _, r := range rows {
		f, vec, err := r.fragment()
		if err != nil {
			s.logger.Warn("ltm sql: skip malformed row", "fragment_id", r.ID, "err", err)
			continue
		}
		out = append(out, scored{frag: f, embedding: vec})
	}
	return out, nil
}

// Compile-time interface satisfaction check.
var _ LongTermStore = (*SQLStore)(nil)
