package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Trigger selects when synthesis runs automatically.
type Trigger string

const (
	// TriggerManual never synthesizes on its own; synthesis is requested
	// explicitly through the CLI or the HTTP API.
	TriggerManual Trigger = "manual"
	// TriggerScheduled synthesizes every session that saw new turns since the
	// previous tick.
	TriggerScheduled Trigger = "scheduled"
	// TriggerBufferFull synthesizes a session each time Threshold new turns
	// have been committed to it.
	TriggerBufferFull Trigger = "buffer_full"
)

// ParseTrigger validates a configured trigger name. Empty selects
// TriggerManual.
func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(s); t {
	case "":
		return TriggerManual, nil
	case TriggerManual, TriggerScheduled, TriggerBufferFull:
		return t, nil
	default:
		return "", fmt.Errorf("unknown synthesis trigger %q (want manual, scheduled or buffer_full)", s)
	}
}

// SessionSynthesizer runs one synthesis for a session.
type SessionSynthesizer interface {
	Synthesize(ctx context.Context, sessionID string) (*Fragment, error)
}

// RunnerConfig configures a SynthesisRunner.
type RunnerConfig struct {
	Trigger Trigger

	// Interval is the tick period for TriggerScheduled. Defaults to 10 minutes.
	Interval time.Duration

	// Threshold is the number of turns that fires TriggerBufferFull.
	// Defaults to DefaultBufferCapacity.
	Threshold int
}

// SynthesisRunner decides when sessions are synthesized, off the turn hot
// path. The chat engine reports committed turns through Notify; Run performs
// the due syntheses in the background.
type SynthesisRunner struct {
	target SessionSynthesizer
	cfg    RunnerConfig
	logger *slog.Logger

	mu     sync.Mutex
	dirty  map[string]struct{}
	counts map[string]int
	wake   chan struct{}

	stopMu sync.Mutex
	stopCh chan struct{}
}

// NewSynthesisRunner creates a runner over target. If logger is nil, the
// default slog logger is used.
func NewSynthesisRunner(target SessionSynthesizer, cfg RunnerConfig, logger *slog.Logger) *SynthesisRunner {
	if cfg.Trigger == "" {
		cfg.Trigger = TriggerManual
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBufferCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SynthesisRunner{
		target: target,
		cfg:    cfg,
		logger: logger,
		dirty:  make(map[string]struct{}),
		counts: make(map[string]int),
		wake:   make(chan struct{}, 1),
	}
}

// Trigger returns the configured policy.
func (r *SynthesisRunner) Trigger() Trigger {
	return r.cfg.Trigger
}

// Notify records that turns new turns were committed to sessionID. It never
// blocks.
func (r *SynthesisRunner) Notify(sessionID string, turns int) {
	if turns <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.cfg.Trigger {
	case TriggerScheduled:
		r.dirty[sessionID] = struct{}{}
	case TriggerBufferFull:
		r.counts[sessionID] += turns
		if r.counts[sessionID] < r.cfg.Threshold {
			return
		}
		r.counts[sessionID] = 0
		r.dirty[sessionID] = struct{}{}
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Run performs due syntheses until ctx is cancelled or Stop is called.
// Call this in a goroutine.
func (r *SynthesisRunner) Run(ctx context.Context) {
	r.stopMu.Lock()
	r.stopCh = make(chan struct{})
	stop := r.stopCh
	r.stopMu.Unlock()

	var tick <-chan time.Time
	if r.cfg.Trigger == TriggerScheduled {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	r.logger.Debug("synthesis runner started", "trigger", r.cfg.Trigger, "interval", r.cfg.Interval.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-tick:
			r.flush(ctx)
		case <-r.wake:
			r.flush(ctx)
		}
	}
}

// Stop signals the runner to stop. Safe to call multiple times.
func (r *SynthesisRunner) Stop() {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()

	if r.stopCh != nil {
		select {
		case <-r.stopCh:
		default:
			close(r.stopCh)
		}
	}
}

// flush synthesizes every session marked dirty.
func (r *SynthesisRunner) flush(ctx context.Context) {
	r.mu.Lock()
	due := make([]string, 0, len(r.dirty))
	for id := range r.dirty {
		due = append(due, id)
	}
	clear(r.dirty)
	r.mu.Unlock()

	slices.Sort(due)
	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.target.Synthesize(ctx, id); err != nil {
			r.logger.Warn("synthesis runner: synthesis failed", "session_id", id, "err", err)
		}
	}
}
