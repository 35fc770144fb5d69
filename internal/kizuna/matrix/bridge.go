package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/Kizuna/internal/kizuna/chat"
	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
	"github.com/bdobrica/Kizuna/internal/kizuna/persona"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

// Engine is the part of chat.Engine the bridge drives.
type Engine interface {
	CreateSession(ctx context.Context, characterID, title string) (state.Session, error)
	Session(ctx context.Context, sessionID string) (state.Session, error)
	Turn(ctx context.Context, sessionID, message string) (chat.Result, error)
	Synthesize(ctx context.Context, sessionID string) (*memory.Fragment, error)
}

// Sender posts to rooms. Client implements it.
type Sender interface {
	SendText(ctx context.Context, roomID, text string) error
	SetTyping(ctx context.Context, roomID string, typing bool) error
}

// BridgeConfig tunes a Bridge.
type BridgeConfig struct {
	// CharacterID is used for sessions the bridge creates. Empty selects the
	// default character.
	CharacterID string

	// TurnTimeout bounds one reply. Defaults to 2 min.
	TurnTimeout time.Duration
}

const helpText = `Commands:
!new [title]   start a new conversation in this room
!state         show how the character feels about you
!remember      condense the recent conversation into long-term memory
!help          show this message`

// Bridge turns room messages into chat turns.
type Bridge struct {
	engine Engine
	rooms  RoomSessions
	sender Sender
	cfg    BridgeConfig
	logger *slog.Logger
}

// NewBridge creates a Bridge. If logger is nil, the default slog logger is
// used.
func NewBridge(engine Engine, rooms RoomSessions, sender Sender, cfg BridgeConfig, logger *slog.Logger) *Bridge {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{engine: engine, rooms: rooms, sender: sender, cfg: cfg, logger: logger}
}

// Handle is a MessageHandler that logs failures.
func (b *Bridge) Handle(ctx context.Context, roomID, sender, body string) {
	if err := b.HandleMessage(ctx, roomID, sender, body); err != nil {
		b.logger.Warn("matrix bridge: message not handled", "room", roomID, "err", err)
	}
}

// HandleMessage processes one message and posts the response to the room.
func (b *Bridge) HandleMessage(ctx context.Context, roomID, sender, body string) error {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "!") {
		return b.command(ctx, roomID, body)
	}

	sessionID, err := b.sessionFor(ctx, roomID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.TurnTimeout)
	defer cancel()

	if err := b.sender.SetTyping(ctx, roomID, true); err != nil {
		b.logger.Debug("matrix bridge: typing indicator failed", "room", roomID, "err", err)
	}
	res, err := b.engine.Turn(ctx, sessionID, body)
	_ = b.sender.SetTyping(context.WithoutCancel(ctx), roomID, false)

	switch {
	case errors.Is(err, state.ErrSessionNotFound):
		_ = b.sender.SendText(ctx, roomID, "This room's conversation no longer exists. Send !new to start over.")
		return err
	case err != nil:
		_ = b.sender.SendText(ctx, roomID, "Sorry, I can't answer right now. Please try again in a moment.")
		return err
	}

	b.logger.Debug("matrix bridge: replied",
		"room", roomID,
		"session_id", sessionID,
		"sender", sender,
		"reply_len", len(res.Reply),
	)
	return b.sender.SendText(ctx, roomID, res.Reply)
}

// sessionFor returns the room's session, creating and binding one on first
// contact.
func (b *Bridge) sessionFor(ctx context.Context, roomID string) (string, error) {
	sessionID, err := b.rooms.SessionFor(ctx, roomID)
	if err != nil {
		return "", err
	}
	if sessionID != "" {
		return sessionID, nil
	}
	sess, err := b.newSession(ctx, roomID, "")
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

func (b *Bridge) newSession(ctx context.Context, roomID, title string) (state.Session, error) {
	if title == "" {
		title = "Matrix " + roomID
	}
	sess, err := b.engine.CreateSession(ctx, b.cfg.CharacterID, title)
	if err != nil {
		return state.Session{}, err
	}
	if err := b.rooms.Bind(ctx, roomID, sess.ID); err != nil {
		return state.Session{}, err
	}
	b.logger.Info("matrix bridge: room bound to session", "room", roomID, "session_id", sess.ID)
	return sess, nil
}

func (b *Bridge) command(ctx context.Context, roomID, body string) error {
	name, arg, _ := strings.Cut(body, " ")
	arg = strings.TrimSpace(arg)

	var reply string
	switch strings.ToLower(name) {
	case "!new":
		sess, err := b.newSession(ctx, roomID, arg)
		if err != nil {
			return err
		}
		reply = fmt.Sprintf("Started a new conversation (%s).", sess.Title)

	case "!state":
		sessionID, err := b.sessionFor(ctx, roomID)
		if err != nil {
			return err
		}
		sess, err := b.engine.Session(ctx, sessionID)
		if err != nil {
			return err
		}
		reply = fmt.Sprintf("Affection: %d/100 (%s)", sess.AffectionScore, persona.Mood(sess.AffectionScore))
		if len(sess.Tags) > 0 {
			reply += "\nKnown about you: " + strings.Join(sess.Tags, ", ")
		}

	case "!remember":
		sessionID, err := b.sessionFor(ctx, roomID)
		if err != nil {
			return err
		}
		frag, err := b.engine.Synthesize(ctx, sessionID)
		if err != nil {
			return err
		}
		reply = "Nothing to remember yet."
		if frag != nil {
			reply = "I'll remember that."
		}

	default:
		reply = helpText
	}
	return b.sender.SendText(ctx, roomID, reply)
}
