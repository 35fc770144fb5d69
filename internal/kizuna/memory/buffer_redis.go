package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBuffer is a ShortTermBuffer backed by Redis lists. Each session owns
// one list trimmed to the buffer capacity after every push, and one counter
// that assigns sequence numbers. Multiple processes may share the buffer.
type RedisBuffer struct {
	client   *redis.Client
	capacity int
	prefix   string
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// RedisBufferConfig configures a RedisBuffer.
type RedisBufferConfig struct {
	// Capacity is K. Defaults to DefaultBufferCapacity.
	Capacity int

	// KeyPrefix namespaces the keys. Defaults to "kizuna".
	KeyPrefix string

	// TTL expires idle sessions. Zero keeps them forever.
	TTL time.Duration
}

// NewRedisBuffer creates a RedisBuffer using client. If logger is nil, the
// default slog logger is used.
func NewRedisBuffer(client *redis.Client, cfg RedisBufferConfig, logger *slog.Logger) *RedisBuffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultBufferCapacity
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "kizuna"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBuffer{
		client:   client,
		capacity: cfg.Capacity,
		prefix:   cfg.KeyPrefix,
		ttl:      cfg.TTL,
		logger:   logger,
		now:      time.Now,
	}
}

func (b *RedisBuffer) listKey(sessionID string) string {
	return b.prefix + ":chat:" + sessionID + ":turns"
}

func (b *RedisBuffer) seqKey(sessionID string) string {
	return b.prefix + ":chat:" + sessionID + ":seq"
}

// Append pushes turn onto the session list and trims it to capacity in a
// single MULTI/EXEC transaction.
func (b *RedisBuffer) Append(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	seq, err := b.client.Incr(ctx, b.seqKey(sessionID)).Result()
	if err != nil {
		return Turn{}, fmt.Errorf("buffer redis: next seq: %w", err)
	}
	turn.Seq = seq
	if turn.At.IsZero() {
		turn.At = b.now().UTC()
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return Turn{}, fmt.Errorf("buffer redis: marshal turn: %w", err)
	}

	key := b.listKey(sessionID)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-b.capacity), -1)
		if b.ttl > 0 {
			pipe.Expire(ctx, key, b.ttl)
			pipe.Expire(ctx, b.seqKey(sessionID), b.ttl)
		}
		return nil
	})
	if err != nil {
		return Turn{}, fmt.Errorf("buffer redis: push turn: %w", err)
	}
	return turn, nil
}

// Read returns the retained turns, oldest first. Entries that fail to decode
// are skipped with a warning.
func (b *RedisBuffer) Read(ctx context.Context, sessionID string) ([]Turn, error) {
	raw, err := b.client.LRange(ctx, b.listKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer redis: read turns: %w", err)
	}

	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			b.logger.Warn("buffer redis: skip malformed turn", "session_id", sessionID, "err", err)
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Capacity returns the per-session turn limit.
func (b *RedisBuffer) Capacity() int {
	return b.capacity
}

// Compile-time interface satisfaction check.
var _ ShortTermBuffer = (*RedisBuffer)(nil)
