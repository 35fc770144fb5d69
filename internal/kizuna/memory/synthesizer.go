package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Summariser compacts a run of turns into a short synthesis text.
type Summariser interface {
	Summarise(ctx context.Context, turns []Turn) (string, error)
}

// Synthesizer compacts a session's short-term buffer into a long-term
// synthesis fragment. Every run appends a new fragment; older syntheses are
// kept and only lose out in ranking.
type Synthesizer struct {
	buffer     ShortTermBuffer
	store      LongTermStore
	summariser Summariser
	logger     *slog.Logger
}

// NewSynthesizer creates a Synthesizer. If logger is nil, the default slog
// logger is used.
func NewSynthesizer(buffer ShortTermBuffer, store LongTermStore, summariser Summariser, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		buffer:     buffer,
		store:      store,
		summariser: summariser,
		logger:     logger,
	}
}

// Synthesize summarises the session's buffer and indexes the result as a
// KindSynthesis fragment, which it returns. With an empty buffer it does
// nothing and returns nil, nil.
func (s *Synthesizer) Synthesize(ctx context.Context, sessionID string) (*Fragment, error) {
	start := time.Now()

	turns, err := s.buffer.Read(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("synthesize: read buffer: %w", tierError(TierShortTerm, err))
	}
	if len(turns) == 0 {
		s.logger.Debug("synthesize: empty buffer, nothing to do", "session_id", sessionID)
		return nil, nil
	}

	summary, err := s.summariser.Summarise(ctx, turns)
	if err != nil {
		return nil, fmt.Errorf("synthesize: summarise: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, errors.New("synthesize: summariser returned empty text")
	}

	frag, err := s.store.Index(ctx, Fragment{
		SessionID: sessionID,
		Kind:      KindSynthesis,
		Content:   summary,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", tierError(TierLongTerm, err))
	}

	s.logger.Info("session synthesized",
		"session_id", sessionID,
		"fragment_id", frag.ID,
		"turns", len(turns),
		"summary_len", len(summary),
		"elapsed", time.Since(start).String(),
	)
	return &frag, nil
}

// NoopSummariser is a Summariser that needs no model: it concatenates the
// last three turns as "role: content" lines.
type NoopSummariser struct{}

// Summarise returns up to the last three turns as a transcript.
func (NoopSummariser) Summarise(_ context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}
	tail := turns[max(len(turns)-3, 0):]
	return strings.TrimSpace(FormatTranscript(tail)), nil
}

// Compile-time interface satisfaction check.
var _ Summariser = NoopSummariser{}
