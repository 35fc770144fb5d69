package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bdobrica/Kizuna/internal/kizuna/protocol"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

// ScriptedProvider replays canned replies in order. Once the script is
// exhausted it answers with a short echo of the user's message followed by a
// neutral state marker. It needs no network and backs both tests and the
// offline "scripted" provider setting.
type ScriptedProvider struct {
	// ChunkSize is the number of runes per streamed chunk. Defaults to 8.
	ChunkSize int

	mu       sync.Mutex
	replies  []string
	requests []Request
	err      error
}

// NewScriptedProvider returns a provider that replies with replies in order.
func NewScriptedProvider(replies ...string) *ScriptedProvider {
	return &ScriptedProvider{replies: replies}
}

// Name implements Provider.
func (p *ScriptedProvider) Name() string { return "scripted" }

// FailWith makes every following call return err. A nil err clears it.
func (p *ScriptedProvider) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Requests returns the requests received so far.
func (p *ScriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *ScriptedProvider) next(req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return "", p.err
	}
	if len(p.replies) > 0 {
		r := p.replies[0]
		p.replies = p.replies[1:]
		return r, nil
	}
	return echo(req), nil
}

func echo(req Request) string {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	return fmt.Sprintf("You said: %q. Tell me more? %s", strings.TrimSpace(last), protocol.Format(state.Delta{NewTags: []string{}}))
}

// Generate implements Provider.
func (p *ScriptedProvider) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	reply, err := p.next(req)
	if err != nil {
		return "", fmt.Errorf("scripted: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		return "", fmt.Errorf("scripted: %w", ErrEmptyResponse)
	}
	return reply, nil
}

// Stream implements Provider.
func (p *ScriptedProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply, err := p.next(req)
	if err != nil {
		return nil, fmt.Errorf("scripted: %w", err)
	}
	size := p.ChunkSize
	if size <= 0 {
		size = 8
	}
	return &chunkStream{ctx: ctx, chunks: splitRunes(reply, size)}, nil
}

// splitRunes cuts s into pieces of at most n runes.
func splitRunes(s string, n int) []string {
	var out []string
	runes := []rune(s)
	for len(runes) > 0 {
		k := min(n, len(runes))
		out = append(out, string(runes[:k]))
		runes = runes[k:]
	}
	return out
}

// Compile-time interface satisfaction check.
var _ Provider = (*ScriptedProvider)(nil)
