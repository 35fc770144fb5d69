// Package matrix bridges Matrix rooms to chat sessions: every text message in
// a watched room becomes a turn, and the character's reply is posted back.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// Rooms lists the room IDs the bridge answers in. Empty means every
	// joined room.
	Rooms []string

	// SyncStore persists the sync position. When nil, an in-memory store is
	// used and recent room history is replayed on every restart.
	SyncStore mautrix.SyncStore
}

// MessageHandler processes one accepted text message.
type MessageHandler func(ctx context.Context, roomID, sender, body string)

// Client wraps the mautrix client.
type Client struct {
	client  *mautrix.Client
	cfg     Config
	logger  *slog.Logger
	handler MessageHandler

	stopMu sync.Mutex
	stopCh chan struct{}
}

// New creates a client. It does not contact the homeserver.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, errors.New("matrix: homeserver, user id and access token are required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SyncStore != nil {
		client.Store = cfg.SyncStore
	} else {
		logger.Warn("matrix sync store: none configured, history will replay on restart")
	}
	return &Client{client: client, cfg: cfg, logger: logger, stopCh: make(chan struct{})}, nil
}

// Start joins the configured rooms and begins syncing in the background,
// reconnecting with exponential back-off.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.handler = handler

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, c.handleEvent)

	for _, roomID := range c.cfg.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("matrix: join room %s: %w", roomID, err)
		}
	}

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			err := c.client.SyncWithContext(ctx)
			if err == nil || ctx.Err() != nil || c.stopped() {
				return
			}
			c.logger.Error("matrix sync stopped; reconnecting", "err", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
		}
	}()
	return nil
}

// Stop stops syncing. Safe to call multiple times.
func (c *Client) Stop() {
	c.stopMu.Lock()
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.stopMu.Unlock()
	c.client.StopSync()
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// SendText posts a plain text message.
func (c *Client) SendText(ctx context.Context, roomID, text string) error {
	if _, err := c.client.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("matrix: send message: %w", err)
	}
	return nil
}

// SetTyping shows or clears the typing indicator.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, 30*time.Second); err != nil {
		return fmt.Errorf("matrix: set typing: %w", err)
	}
	return nil
}

func (c *Client) handleEvent(ctx context.Context, evt *event.Event) {
	body, ok := c.accept(evt)
	if !ok || c.handler == nil {
		return
	}
	c.handler(ctx, evt.RoomID.String(), evt.Sender.String(), body)
}

// accept filters out our own messages, non-text messages and rooms the
// bridge does not watch.
func (c *Client) accept(evt *event.Event) (string, bool) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return "", false
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return "", false
	}
	if len(c.cfg.Rooms) > 0 && !slices.Contains(c.cfg.Rooms, evt.RoomID.String()) {
		return "", false
	}
	body := strings.TrimSpace(msg.Body)
	return body, body != ""
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// M_FORBIDDEN is also returned when already a member.
		if errors.Is(err, mautrix.MForbidden) {
			c.logger.Warn("matrix: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
