package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// timeLayout is a fixed-width UTC layout so that TEXT timestamps sort
// chronologically under plain string ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLRepository stores sessions in the sessions table created by the store
// migrations. Queries are written with ? placeholders and rebound for the
// connection's driver, so the same code serves SQLite and Postgres.
type SQLRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLRepository creates a SQLRepository on db. If logger is nil, the
// default slog logger is used.
func NewSQLRepository(db *sqlx.DB, logger *slog.Logger) *SQLRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLRepository{db: db, logger: logger}
}

type sessionRow struct {
	ID             string `db:"id"`
	CharacterID    string `db:"character_id"`
	Title          string `db:"title"`
	AffectionScore int    `db:"affection_score"`
	UserTags       string `db:"user_tags"`
	CreatedAt      string `db:"created_at"`
	UpdatedAt      string `db:"updated_at"`
}

const sessionColumns = `id, character_id, title, affection_score, user_tags, created_at, updated_at`

// Create inserts a new session row.
func (r *SQLRepository) Create(ctx context.Context, sess Session) error {
	tags, err := json.Marshal(NormalizeTags(sess.Tags))
	if err != nil {
		return fmt.Errorf("session store: marshal tags: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sess.ID,
		sess.CharacterID,
		sess.Title,
		sess.AffectionScore,
		string(tags),
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("session store: insert session %s: %w", sess.ID, err)
	}
	r.logger.Debug("session store: created session", "session_id", sess.ID, "character_id", sess.CharacterID)
	return nil
}

// Get loads a session by ID.
func (r *SQLRepository) Get(ctx context.Context, id string) (Session, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session store: get %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("session store: get %s: %w", id, err)
	}
	return row.session()
}

// Update persists the mutable fields of sess.
func (r *SQLRepository) Update(ctx context.Context, sess Session) error {
	tags, err := json.Marshal(NormalizeTags(sess.Tags))
	if err != nil {
		return fmt.Errorf("session store: marshal tags: %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions
		SET title = ?, affection_score = ?, user_tags = ?, updated_at = ?
		WHERE id = ?`),
		sess.Title,
		sess.AffectionScore,
		string(tags),
		formatTime(sess.UpdatedAt),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("session store: update session %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session store: update session %s: %w", sess.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("session store: update %s: %w", sess.ID, ErrSessionNotFound)
	}
	return nil
}

// List returns up to limit sessions, most recently updated first. A
// non-positive limit returns all sessions.
func (r *SQLRepository) List(ctx context.Context, limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY updated_at DESC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []sessionRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("session store: list sessions: %w", err)
	}

	out := make([]Session, 0, len(rows))
	for _, row := range rows {
		sess, err := row.session()
		if err != nil {
			r.logger.Warn("session store: skip malformed row", "session_id", row.ID, "err", err)
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (row sessionRow) session() (Session, error) {
	sess := Session{
		ID:             row.ID,
		CharacterID:    row.CharacterID,
		Title:          row.Title,
		AffectionScore: row.AffectionScore,
	}
	var tags []string
	if row.UserTags != "" {
		if err := json.Unmarshal([]byte(row.UserTags), &tags); err != nil {
			return Session{}, fmt.Errorf("unmarshal user_tags: %w", err)
		}
	}
	sess.Tags = NormalizeTags(tags)

	var err error
	if sess.CreatedAt, err = time.Parse(timeLayout, row.CreatedAt); err != nil {
		return Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(timeLayout, row.UpdatedAt); err != nil {
		return Session{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return sess, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

// Compile-time interface satisfaction check.
var _ Repository = (*SQLRepository)(nil)
