package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultOpenAITimeout = 60 * time.Second
)

// OpenAIConfig configures an OpenAI (or compatible) provider.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint. Useful for Azure OpenAI, local
	// proxies, or compatible endpoints.
	BaseURL string

	// Model is used when a Request does not name one. Defaults to gpt-4o-mini.
	Model string

	// Timeout bounds a non-streaming request. Defaults to 60 s.
	Timeout time.Duration
}

// OpenAIProvider implements Provider with the Chat Completions API.
type OpenAIProvider struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIProvider creates a Provider backed by the OpenAI Chat Completions
// API. Retries are left to the caller (see WithRetry).
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOpenAITimeout
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) params(req Request) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req), option.WithRequestTimeout(p.cfg.Timeout))
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	return text, nil
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	s := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))
	if err := s.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("openai: %w", err)
	}
	return &openAIStream{stream: s}, nil
}

// openAIStream adapts the SSE chunk stream to Stream.
type openAIStream struct {
	stream interface {
		Next() bool
		Current() openai.ChatCompletionChunk
		Err() error
		Close() error
	}
	lastErr error
}

func (s *openAIStream) Next() (string, error) {
	if s.lastErr != nil {
		return "", s.lastErr
	}
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		s.lastErr = fmt.Errorf("openai: stream: %w", err)
		return "", s.lastErr
	}
	s.lastErr = io.EOF
	return "", io.EOF
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// Compile-time interface satisfaction check.
var _ Provider = (*OpenAIProvider)(nil)
