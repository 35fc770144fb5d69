package chat

import (
	"context"
	"fmt"

	"github.com/bdobrica/Kizuna/common/trace"
	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
	"github.com/bdobrica/Kizuna/internal/kizuna/observability"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

// CreateSession starts a session with characterID (empty selects the default
// character) at the default affection score.
func (e *Engine) CreateSession(ctx context.Context, characterID, title string) (state.Session, error) {
	ch, err := e.characters.Get(characterID)
	if err != nil {
		return state.Session{}, err
	}
	sess := state.NewSession(state.NewSessionID(), ch.ID, title, e.cfg.Now())
	if err := e.sessions.Create(ctx, sess); err != nil {
		return state.Session{}, fmt.Errorf("chat: create session: %w", err)
	}
	observability.WithTrace(trace.WithSessionID(ctx, sess.ID), e.logger).
		Info("chat: session created", "character", ch.ID)
	return sess, nil
}

// Session returns the current state of a session.
func (e *Engine) Session(ctx context.Context, sessionID string) (state.Session, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return state.Session{}, fmt.Errorf("chat: load session: %w", err)
	}
	return sess, nil
}

// Sessions lists sessions, most recently updated first.
func (e *Engine) Sessions(ctx context.Context, limit int) ([]state.Session, error) {
	list, err := e.sessions.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list sessions: %w", err)
	}
	return list, nil
}

// Recall returns what the engine would remember for query in this session.
// A degraded recall is returned together with an error matching
// memory.ErrTierUnavailable.
func (e *Engine) Recall(ctx context.Context, sessionID, query string) (memory.Recall, error) {
	if _, err := e.Session(ctx, sessionID); err != nil {
		return memory.Recall{}, err
	}
	return e.memory.Retrieve(trace.Ensure(ctx), sessionID, query)
}

// Fragments returns every long-term fragment of a session, oldest first,
// after pending indexing has finished.
func (e *Engine) Fragments(ctx context.Context, sessionID string) ([]memory.Fragment, error) {
	if _, err := e.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	if err := e.memory.Wait(ctx, sessionID); err != nil {
		return nil, err
	}
	frags, err := e.memory.Store().List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("chat: list fragments: %w", err)
	}
	return frags, nil
}

// Synthesize condenses the session's recent turns into a long-term summary.
// It holds the session lock, so it never overlaps a turn. A nil fragment with
// a nil error means there was nothing to summarise.
func (e *Engine) Synthesize(ctx context.Context, sessionID string) (*memory.Fragment, error) {
	if e.synth == nil {
		return nil, ErrSynthesisDisabled
	}
	ctx = trace.WithSessionID(trace.Ensure(ctx), sessionID)

	unlock, err := e.locks.lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("chat: wait for session: %w", err)
	}
	defer unlock()

	if _, err := e.sessions.Get(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("chat: load session: %w", err)
	}
	frag, err := e.synth.Synthesize(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("chat: synthesize: %w", err)
	}
	return frag, nil
}

// Close waits for background memory writes to finish.
func (e *Engine) Close(ctx context.Context) error {
	return e.memory.WaitAll(ctx)
}

// Compile-time interface satisfaction check.
var _ memory.SessionSynthesizer = (*Engine)(nil)
