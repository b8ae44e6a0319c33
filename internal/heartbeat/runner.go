// Package heartbeat drives the main session's background drain cycle.
// Queued system events are flushed through the agent on a fixed cadence,
// on demand when another component requests an early beat, or forced
// immediately by the cron engine.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the natural cadence between beats.
const DefaultInterval = 30 * time.Second

// Beat outcomes.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// ReasonBusy marks a beat skipped because a user turn holds the main
// session. Callers that force a beat poll until this clears.
const ReasonBusy = "requests-in-flight"

// ReasonIdle marks a beat that found nothing to flush.
const ReasonIdle = "no-pending-events"

// Result reports one beat.
type Result struct {
	Status string
	Reason string
}

// Handler flushes pending system events into the main session. It
// reports how many events it processed.
type Handler func(ctx context.Context, reason string) (int, error)

// BusyFunc reports whether the main session is mid-turn.
type BusyFunc func() bool

// Runner owns the beat loop for one agent.
type Runner struct {
	handler  Handler
	busy     BusyFunc
	interval time.Duration
	logger   *slog.Logger

	// requests coalesces early-beat reasons; only the first pending
	// reason is kept.
	requests chan string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures the runner.
type Option func(*Runner)

// WithInterval overrides the natural beat cadence.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRunnerLogger configures the runner logger.
func WithRunnerLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBusyCheck wires the main-session in-flight probe.
func WithBusyCheck(busy BusyFunc) Option {
	return func(r *Runner) { r.busy = busy }
}

// NewRunner builds a runner around the flush handler.
func NewRunner(handler Handler, opts ...Option) *Runner {
	r := &Runner{
		handler:  handler,
		interval: DefaultInterval,
		logger:   slog.Default().With("component", "heartbeat"),
		requests: make(chan string, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the beat loop.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx, stopCh)
}

// Stop halts the loop and waits for an in-flight beat.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

// Request asks for an early beat. Reasons queued while one is already
// pending are dropped; the beat itself drains everything regardless.
func (r *Runner) Request(reason string) {
	select {
	case r.requests <- reason:
	default:
	}
}

// RunOnce performs one beat immediately. A busy main session yields a
// skipped result rather than blocking.
func (r *Runner) RunOnce(ctx context.Context, reason string) (Result, error) {
	if r.busy != nil && r.busy() {
		return Result{Status: StatusSkipped, Reason: ReasonBusy}, nil
	}

	n, err := r.handler(ctx, reason)
	if err != nil {
		return Result{Status: StatusError, Reason: err.Error()}, err
	}
	if n == 0 {
		return Result{Status: StatusSkipped, Reason: ReasonIdle}, nil
	}
	return Result{Status: StatusOK}, nil
}

func (r *Runner) loop(ctx context.Context, stopCh chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		var reason string
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case reason = <-r.requests:
		case <-ticker.C:
			reason = "interval"
		}

		res, err := r.RunOnce(ctx, reason)
		if err != nil {
			r.logger.Warn("heartbeat failed", "reason", reason, "error", err)
			continue
		}
		if res.Status == StatusOK {
			r.logger.Debug("heartbeat flushed events", "reason", reason)
		}
	}
}
