package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kizuna/common/retry"
	"github.com/bdobrica/Kizuna/common/trace"
)

const defaultIndexTimeout = 30 * time.Second

// GatewayConfig tunes a Gateway.
type GatewayConfig struct {
	// TopK is the number of long-term fragments returned by Retrieve.
	// Defaults to DefaultTopK.
	TopK int

	// IndexTimeout bounds one asynchronous indexing job, retries included.
	// Defaults to 30 s.
	IndexTimeout time.Duration

	// Retry governs retries of long-term writes. The zero value makes a
	// single attempt.
	Retry retry.Config
}

// Gateway is the single entry point to a session's memory. Retrieve reads
// both tiers concurrently; Commit writes a turn to both. Long-term indexing
// may run in the background, but every pending job for a session completes
// before that session's next Retrieve reads the store.
type Gateway struct {
	buffer ShortTermBuffer
	store  LongTermStore
	cfg    GatewayConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan struct{} // latest indexing job per session
	jobs    sync.WaitGroup
}

// NewGateway creates a Gateway over the two tiers. If logger is nil, the
// default slog logger is used.
func NewGateway(buffer ShortTermBuffer, store LongTermStore, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.IndexTimeout <= 0 {
		cfg.IndexTimeout = defaultIndexTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		buffer:  buffer,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan struct{}),
	}
}

// Buffer returns the short-term tier.
func (g *Gateway) Buffer() ShortTermBuffer { return g.buffer }

// Store returns the long-term tier.
func (g *Gateway) Store() LongTermStore { return g.store }

// Retrieve returns the session's recent turns and the TopK fragments most
// relevant to query. The two reads run concurrently.
//
// When one tier fails, Retrieve still returns what the other produced, lists
// the failed tier in Recall.Missing and returns an error matching
// ErrTierUnavailable. Any other error means nothing was read.
func (g *Gateway) Retrieve(ctx context.Context, sessionID, query string) (Recall, error) {
	if err := g.Wait(ctx, sessionID); err != nil {
		return Recall{}, err
	}

	var (
		recall         Recall
		bufErr, ltmErr error
		eg             errgroup.Group
	)
	eg.Go(func() error {
		recall.Recent, bufErr = g.buffer.Read(ctx, sessionID)
		return nil
	})
	eg.Go(func() error {
		recall.Relevant, ltmErr = g.store.Query(ctx, sessionID, query, g.cfg.TopK)
		return nil
	})
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return Recall{}, err
	}

	var errs []error
	if bufErr != nil {
		recall.Recent = []Turn{}
		recall.Missing = append(recall.Missing, TierShortTerm)
		errs = append(errs, tierError(TierShortTerm, bufErr))
	}
	if ltmErr != nil {
		recall.Relevant = []Fragment{}
		recall.Missing = append(recall.Missing, TierLongTerm)
		errs = append(errs, tierError(TierLongTerm, ltmErr))
	}
	for _, tier := range recall.Missing {
		g.logger.Warn("memory: tier unavailable, continuing without it",
			"tier", tier,
			"session_id", sessionID,
			"trace_id", trace.FromContext(ctx),
		)
	}
	return recall, errors.Join(errs...)
}

// Commit writes one turn to both tiers before returning. A failure of one
// tier does not prevent the write to the other; the returned error then
// matches ErrTierUnavailable.
func (g *Gateway) Commit(ctx context.Context, sessionID string, role Role, content string) (Turn, error) {
	turn, bufErr := g.buffer.Append(ctx, sessionID, Turn{Role: role, Content: content})
	if bufErr != nil {
		turn = Turn{Role: role, Content: content, At: time.Now().UTC()}
		bufErr = tierError(TierShortTerm, bufErr)
		g.logger.Warn("memory: buffer append failed", "session_id", sessionID, "err", bufErr)
	}

	ltmErr := g.index(ctx, sessionID, turn)
	if ltmErr != nil {
		ltmErr = tierError(TierLongTerm, ltmErr)
		g.logger.Warn("memory: long-term index failed", "session_id", sessionID, "err", ltmErr)
	}
	return turn, errors.Join(bufErr, ltmErr)
}

// CommitAsync appends turns to the buffer immediately and indexes them into
// the long-term store in the background. Indexing jobs of one session run in
// order; Retrieve and Wait block until they are done. Indexing failures are
// logged.
//
// The returned error reports buffer failures only. Turns that could not be
// buffered are still indexed.
func (g *Gateway) CommitAsync(ctx context.Context, sessionID string, turns ...Turn) error {
	var errs []error
	stored := make([]Turn, 0, len(turns))
	for _, t := range turns {
		appended, err := g.buffer.Append(ctx, sessionID, t)
		if err != nil {
			errs = append(errs, tierError(TierShortTerm, err))
			if t.At.IsZero() {
				t.At = time.Now().UTC()
			}
			appended = t
		}
		stored = append(stored, appended)
	}
	if len(errs) > 0 {
		g.logger.Warn("memory: buffer append failed", "session_id", sessionID, "err", errors.Join(errs...))
	}

	traceID := trace.FromContext(ctx)
	g.schedule(ctx, sessionID, func(jobCtx context.Context) {
		for _, t := range stored {
			if err := g.index(jobCtx, sessionID, t); err != nil {
				g.logger.Warn("memory: background index failed",
					"tier", TierLongTerm,
					"session_id", sessionID,
					"seq", t.Seq,
					"trace_id", traceID,
					"err", err,
				)
			}
		}
	})
	return errors.Join(errs...)
}

// Wait blocks until every indexing job scheduled so far for sessionID has
// finished, or ctx is done.
func (g *Gateway) Wait(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	done := g.pending[sessionID]
	g.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll blocks until every scheduled indexing job has finished, or ctx is
// done. It is used on shutdown.
func (g *Gateway) WaitAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule runs job after the session's previous job. The job's context
// survives cancellation of ctx but is bounded by IndexTimeout.
func (g *Gateway) schedule(ctx context.Context, sessionID string, job func(context.Context)) {
	done := make(chan struct{})

	g.mu.Lock()
	prev := g.pending[sessionID]
	g.pending[sessionID] = done
	g.mu.Unlock()

	base := context.WithoutCancel(ctx)
	g.jobs.Add(1)
	go func() {
		defer g.jobs.Done()
		defer func() {
			g.mu.Lock()
			if g.pending[sessionID] == done {
				delete(g.pending, sessionID)
			}
			g.mu.Unlock()
			close(done)
		}()

		if prev != nil {
			<-prev
		}
		jobCtx, cancel := context.WithTimeout(base, g.cfg.IndexTimeout)
		defer cancel()
		job(jobCtx)
	}()
}

// index stores t as a turn fragment. Blank turns stay in the buffer only:
// they carry nothing to retrieve and the store rejects empty content. The
// chat engine never commits one.
func (g *Gateway) index(ctx context.Context, sessionID string, t Turn) error {
	if strings.TrimSpace(t.Content) == "" {
		return nil
	}
	return retry.Do(ctx, g.cfg.Retry, func() error {
		_, err := g.store.Index(ctx, Fragment{
			SessionID: sessionID,
			Kind:      KindTurn,
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.At,
		})
		return err
	})
}
