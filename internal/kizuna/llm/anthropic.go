package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicConfig configures the Anthropic Messages API provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string

	// Model is used when a Request does not name one.
	Model string

	// MaxTokens is used when a Request does not set one. The Messages API
	// requires a value.
	MaxTokens int
}

// AnthropicProvider implements Provider with the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	cfg    AnthropicConfig
}

// NewAnthropicProvider creates a Provider backed by the Anthropic Messages
// API. Retries are left to the caller (see WithRetry).
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{client: &client, cfg: cfg}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) params(req Request) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	if req.System != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.System})
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	return text, nil
}

// Stream implements Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	s := p.client.Messages.NewStreaming(ctx, p.params(req))
	if err := s.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return &anthropicStream{stream: s}, nil
}

// anthropicStream adapts the Messages event stream to Stream, yielding only
// text deltas.
type anthropicStream struct {
	stream interface {
		Next() bool
		Current() anthropic.MessageStreamEventUnion
		Err() error
		Close() error
	}
	lastErr error
}

func (s *anthropicStream) Next() (string, error) {
	if s.lastErr != nil {
		return "", s.lastErr
	}
	for s.stream.Next() {
		ev, ok := s.stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
			return delta.Text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		s.lastErr = fmt.Errorf("anthropic: stream: %w", err)
		return "", s.lastErr
	}
	s.lastErr = io.EOF
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

// Compile-time interface satisfaction check.
var _ Provider = (*AnthropicProvider)(nil)
