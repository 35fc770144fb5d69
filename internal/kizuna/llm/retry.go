package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"

	"github.com/bdobrica/Kizuna/common/retry"
)

// retryingProvider retries failed calls that never produced output. Streams
// are retried only while opening; a stream that fails midway is not replayed.
type retryingProvider struct {
	Provider
	cfg    retry.Config
	logger *slog.Logger
}

// WithRetry wraps p so that transient failures (rate limits, server errors,
// network errors) are retried with exponential back-off. If cfg.ShouldRetry
// is nil, IsTransient is used.
func WithRetry(p Provider, cfg retry.Config, logger *slog.Logger) Provider {
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = IsTransient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retryingProvider{Provider: p, cfg: cfg, logger: logger}
}

func (r *retryingProvider) Generate(ctx context.Context, req Request) (string, error) {
	out, err := retry.Value(ctx, r.cfg, func() (string, error) {
		return r.Provider.Generate(ctx, req)
	})
	if err != nil {
		r.logger.Warn("llm: generate failed", "provider", r.Provider.Name(), "err", err)
	}
	return out, err
}

func (r *retryingProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return retry.Value(ctx, r.cfg, func() (Stream, error) {
		return r.Provider.Stream(ctx, req)
	})
}

// IsTransient reports whether err is worth retrying: HTTP 408, 409, 429 and
// 5xx responses from either SDK, and failures that never reached the API.
// Empty responses and client errors are permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrEmptyResponse) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return transientStatus(oaErr.StatusCode)
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return transientStatus(anErr.StatusCode)
	}
	return true
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
