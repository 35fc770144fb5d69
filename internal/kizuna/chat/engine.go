// Package chat runs conversational turns end to end: it recalls memory,
// prompts the model in character, parses the state marker out of the reply,
// merges the relationship change into the session and commits the exchange
// back to memory.
//
// All operations on one session are serialised; different sessions proceed
// in parallel.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kizuna/common/trace"
	"github.com/bdobrica/Kizuna/internal/kizuna/llm"
	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
	"github.com/bdobrica/Kizuna/internal/kizuna/moderation"
	"github.com/bdobrica/Kizuna/internal/kizuna/observability"
	"github.com/bdobrica/Kizuna/internal/kizuna/persona"
	"github.com/bdobrica/Kizuna/internal/kizuna/protocol"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

const defaultCommitTimeout = 10 * time.Second

var (
	// ErrEmptyMessage is returned for a turn whose user message is blank.
	ErrEmptyMessage = errors.New("chat: empty message")

	// ErrStreamAborted wraps the error returned by a chunk callback.
	ErrStreamAborted = errors.New("chat: stream aborted by consumer")

	// ErrSynthesisDisabled is returned by Synthesize when the engine was built
	// without a synthesizer.
	ErrSynthesisDisabled = errors.New("chat: synthesis is not configured")
)

// Notifier is told how many turns were committed to a session.
// memory.SynthesisRunner implements it.
type Notifier interface {
	Notify(sessionID string, turns int)
}

// Config tunes an Engine.
type Config struct {
	// Model overrides the provider's default model.
	Model       string
	MaxTokens   int
	Temperature float64

	// MemoryTokens is the token budget for recalled memory.
	// Defaults to memory.DefaultMaxTokens.
	MemoryTokens int

	TagCase state.TagCase

	// CommitTimeout bounds the commit of a cancelled turn's partial output.
	// Defaults to 10 s.
	CommitTimeout time.Duration

	// Now is the engine clock. Defaults to time.Now.
	Now func() time.Time
}

// Options are the collaborators of an Engine. Sessions, Memory and Provider
// are required.
type Options struct {
	Sessions    state.Repository
	Memory      *memory.Gateway
	Provider    llm.Provider
	Gate        moderation.Gate
	Characters  *persona.Catalog
	Synthesizer *memory.Synthesizer
	Notifier    Notifier
	Logger      *slog.Logger
	Config      Config
}

// Engine orchestrates chat turns.
type Engine struct {
	sessions   state.Repository
	memory     *memory.Gateway
	provider   llm.Provider
	gate       moderation.Gate
	characters *persona.Catalog
	synth      *memory.Synthesizer
	cfg        Config
	logger     *slog.Logger
	locks      *sessionLocks

	notifyMu sync.RWMutex
	notifier Notifier
}

// Result describes a completed (or cancelled) turn.
type Result struct {
	SessionID string `json:"session_id"`
	TraceID   string `json:"trace_id"`

	// Reply is the text shown to the user, marker removed.
	Reply   string          `json:"reply"`
	Emotion persona.Emotion `json:"emotion"`

	// Delta is the parsed state change, nil when the reply carried no valid
	// marker.
	Delta *state.Delta `json:"delta,omitempty"`

	// Session is the session after the merge.
	Session state.Session `json:"session"`

	// Blocked is set when the user message or the reply was replaced by a
	// moderation placeholder.
	Blocked bool `json:"blocked"`

	// Partial is set when the stream was cancelled; Reply then holds what was
	// shown before the cancellation.
	Partial bool `json:"partial,omitempty"`

	// Missing lists memory tiers that were unavailable during the turn.
	Missing []memory.Tier `json:"missing_tiers,omitempty"`
}

// NewEngine validates opts and returns an Engine.
func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.Sessions == nil:
		return nil, errors.New("chat: session repository is required")
	case opts.Memory == nil:
		return nil, errors.New("chat: memory gateway is required")
	case opts.Provider == nil:
		return nil, errors.New("chat: llm provider is required")
	}

	e := &Engine{
		sessions:   opts.Sessions,
		memory:     opts.Memory,
		provider:   opts.Provider,
		gate:       opts.Gate,
		characters: opts.Characters,
		synth:      opts.Synthesizer,
		cfg:        opts.Config,
		logger:     opts.Logger,
		locks:      newSessionLocks(),
		notifier:   opts.Notifier,
	}
	if e.gate == nil {
		e.gate = moderation.MustKeywordGate(nil, nil)
	}
	if e.characters == nil {
		cat, err := persona.NewCatalog(persona.DefaultCharacter())
		if err != nil {
			return nil, err
		}
		e.characters = cat
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.cfg.Now == nil {
		e.cfg.Now = time.Now
	}
	if e.cfg.CommitTimeout <= 0 {
		e.cfg.CommitTimeout = defaultCommitTimeout
	}
	if e.cfg.TagCase == "" {
		e.cfg.TagCase = state.TagCasePreserve
	}
	return e, nil
}

// SetNotifier replaces the commit notifier. The synthesis runner usually
// wraps the engine itself, so it is attached after construction.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifyMu.Lock()
	e.notifier = n
	e.notifyMu.Unlock()
}

func (e *Engine) notify(sessionID string, turns int) {
	e.notifyMu.RLock()
	n := e.notifier
	e.notifyMu.RUnlock()
	if n != nil {
		n.Notify(sessionID, turns)
	}
}

// Turn answers message in session sessionID.
func (e *Engine) Turn(ctx context.Context, sessionID, message string) (Result, error) {
	return e.run(ctx, sessionID, message, nil)
}

// StreamTurn answers message like Turn but hands displayable text to onChunk
// as it is generated. The state marker is never passed to onChunk, and text
// reaches onChunk only after the moderation gate has passed it: a reply that
// fails the gate is cut off and followed by the moderation notice.
//
// If ctx is cancelled, or onChunk returns an error, generation stops: the
// session state is left untouched, the user message and the text already
// shown are committed to memory, and the returned Result has Partial set
// alongside the error.
func (e *Engine) StreamTurn(ctx context.Context, sessionID, message string, onChunk func(string) error) (Result, error) {
	if onChunk == nil {
		onChunk = func(string) error { return nil }
	}
	return e.run(ctx, sessionID, message, onChunk)
}

func (e *Engine) run(ctx context.Context, sessionID, message string, onChunk func(string) error) (Result, error) {
	ctx = trace.WithSessionID(trace.Ensure(ctx), sessionID)
	log := observability.WithTrace(ctx, e.logger)
	res := Result{SessionID: sessionID, TraceID: trace.FromContext(ctx)}

	message = strings.TrimSpace(message)
	if message == "" {
		return res, ErrEmptyMessage
	}

	unlock, err := e.locks.lock(ctx, sessionID)
	if err != nil {
		return res, fmt.Errorf("chat: wait for session: %w", err)
	}
	defer unlock()

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return res, fmt.Errorf("chat: load session: %w", err)
	}
	res.Session = sess
	started := e.cfg.Now().UTC()

	if screened := e.screen(message); screened != message {
		log.Warn("chat: user message rejected", "message_len", len(message))
		res.Reply, res.Blocked, res.Emotion = screened, true, persona.EmotionNeutral
		if onChunk != nil {
			_ = onChunk(screened)
		}
		return res, nil
	}

	recall, err := e.memory.Retrieve(ctx, sessionID, message)
	if err != nil && !errors.Is(err, memory.ErrTierUnavailable) {
		return res, fmt.Errorf("chat: retrieve memory: %w", err)
	}
	recall = recall.Fit(e.cfg.MemoryTokens)
	res.Missing = recall.Missing

	ch, err := e.characters.Get(sess.CharacterID)
	if err != nil {
		log.Warn("chat: unknown character, using default", "character", sess.CharacterID)
		ch = e.characters.Default()
	}
	req := llm.Request{
		Model:       e.cfg.Model,
		System:      persona.Assemble(ch, sess, recall),
		Messages:    persona.Conversation(ch, recall.Recent, message),
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}

	var (
		raw    string
		screen *replyScreen
	)
	if onChunk == nil {
		raw, err = e.provider.Generate(ctx, req)
		if err != nil {
			return res, fmt.Errorf("chat: generate: %w", err)
		}
	} else {
		screen = newReplyScreen(e.gate, onChunk)
		guard, err := e.stream(ctx, req, screen.Write)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrStreamAborted) {
				return res, fmt.Errorf("chat: generate: %w", err)
			}
			res.Reply = e.gate.Check(strings.TrimSpace(screen.Shown()))
			res.Partial = true
			e.commitPartial(ctx, log, sessionID, message, res.Reply, started)
			log.Info("chat: turn cancelled, state not merged", "shown_len", len(res.Reply))
			return res, fmt.Errorf("chat: stream interrupted: %w", err)
		}
		raw = guard.Raw()
	}

	clean, delta := protocol.Parse(raw)
	reply := e.gate.Check(clean)
	if reply == clean && screen != nil && screen.Blocked() {
		reply = moderation.BlockedPlaceholder
	}
	if reply != clean {
		res.Blocked = true
		log.Warn("chat: reply blocked by moderation", "reply_len", len(clean))
	}
	if screen != nil {
		if res.Blocked {
			notice := reply
			if shown := screen.Shown(); shown != "" && !strings.HasSuffix(shown, " ") {
				notice = " " + notice
			}
			_ = onChunk(notice)
		} else {
			_ = screen.Finish(reply)
		}
	}

	turns := []memory.Turn{
		{Role: memory.RoleUser, Content: message, At: started},
		{Role: memory.RoleAssistant, Content: reply, At: e.cfg.Now().UTC()},
	}
	if err := e.memory.CommitAsync(ctx, sessionID, turns...); err != nil && !slices.Contains(res.Missing, memory.TierShortTerm) {
		res.Missing = append(res.Missing, memory.TierShortTerm)
	}
	e.notify(sessionID, len(turns))

	updated := state.Apply(sess, delta, state.MergeOptions{TagCase: e.cfg.TagCase, Now: e.cfg.Now})
	if delta != nil {
		if err := e.sessions.Update(ctx, updated); err != nil {
			return res, fmt.Errorf("chat: save session: %w", err)
		}
	}

	res.Reply = reply
	res.Delta = delta
	res.Session = updated
	res.Emotion = persona.ExtractEmotion(reply)

	log.Info("chat: turn completed",
		"reply_len", len(reply),
		"affection", updated.AffectionScore,
		"has_delta", delta != nil,
		"emotion", res.Emotion,
		"degraded", len(res.Missing) > 0,
	)
	return res, nil
}

// screen returns message unchanged when it may be sent to the model,
// otherwise the moderation placeholder to show instead.
func (e *Engine) screen(message string) string {
	if cleaned := e.gate.CleanInjection(message); cleaned != message {
		return cleaned
	}
	return e.gate.Check(message)
}

func (e *Engine) stream(ctx context.Context, req llm.Request, onChunk func(string) error) (*protocol.StreamGuard, error) {
	guard := &protocol.StreamGuard{}
	s, err := e.provider.Stream(ctx, req)
	if err != nil {
		return guard, err
	}
	defer s.Close()

	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return guard, nil
		}
		if err != nil {
			return guard, err
		}
		if out := guard.Push(chunk); out != "" {
			if err := onChunk(out); err != nil {
				return guard, fmt.Errorf("%w: %w", ErrStreamAborted, err)
			}
		}
	}
}

// commitPartial stores what a cancelled turn produced. It runs detached from
// the cancelled context.
func (e *Engine) commitPartial(ctx context.Context, log *slog.Logger, sessionID, message, shown string, started time.Time) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CommitTimeout)
	defer cancel()

	turns := []memory.Turn{{Role: memory.RoleUser, Content: message, At: started}}
	if shown != "" {
		turns = append(turns, memory.Turn{Role: memory.RoleAssistant, Content: shown, At: e.cfg.Now().UTC()})
	}
	if err := e.memory.CommitAsync(cctx, sessionID, turns...); err != nil {
		log.Warn("chat: partial commit incomplete", "err", err)
	}
	e.notify(sessionID, len(turns))
}
