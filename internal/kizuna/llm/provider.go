// Package llm adapts text-generation services to the single Provider
// interface used by the chat engine and the memory synthesizer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation sent to a model.
type Message struct {
	Role    Role
	Content string
}

// Request is a single generation call.
type Request struct {
	// Model overrides the provider's default model when set.
	Model string

	// System is the system prompt.
	System string

	// Messages is the conversation, oldest first, ending with the user turn
	// being answered.
	Messages []Message

	MaxTokens   int
	Temperature float64
}

// ErrEmptyResponse is returned when a model produced no text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Provider generates text.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// Generate returns the complete reply.
	Generate(ctx context.Context, req Request) (string, error)

	// Stream starts a generation and returns its chunks as they arrive.
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields chunks of a reply. Next returns io.EOF after the last chunk.
// Cancelling the context passed to Provider.Stream aborts the stream; Next
// then returns the context error.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Collect drains s and returns the concatenated text. On error the text
// received so far is returned alongside it.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
}

// TextGenerator exposes a Provider as a single-prompt text function, the
// form used for background jobs such as memory synthesis.
type TextGenerator struct {
	Provider  Provider
	Model     string
	MaxTokens int
}

// GenerateText sends prompt as the only user message.
func (g TextGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	maxTokens := g.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	out, err := g.Provider.Generate(ctx, Request{
		Model:     g.Model,
		Messages:  []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", g.Provider.Name(), err)
	}
	return out, nil
}

// chunkStream is a Stream over a fixed list of chunks.
type chunkStream struct {
	ctx    context.Context
	chunks []string
}

func (s *chunkStream) Next() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.chunks) == 0 {
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *chunkStream) Close() error { return nil }
