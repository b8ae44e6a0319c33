// Package gate suspends privileged tool calls on a human confirmation
// delivered over the originating channel.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultTimeout is the confirmation deadline when a request names none.
const DefaultTimeout = 120 * time.Second

var (
	// ErrTimeout means the deadline passed without a matching reply.
	ErrTimeout = errors.New("confirmation timed out")

	// ErrChannelError means the prompt could not be delivered.
	ErrChannelError = errors.New("confirmation prompt send failed")

	// ErrCancelled means the gate shut down while the waiter was pending.
	ErrCancelled = errors.New("confirmation cancelled")
)

// EventRecorder receives audit notifications; optional.
type EventRecorder func(eventType, status, source, message string)

// Request describes one confirmation.
type Request struct {
	SessionKey string
	Channel    models.ChannelType
	// Target is the conversation id the prompt is sent to.
	Target string
	// Sender identifies the human whose reply resolves the request.
	Sender  string
	Prompt  string
	Timeout time.Duration
}

type senderKey struct {
	channel models.ChannelType
	sender  string
}

type outcome struct {
	confirmed bool
	err       error
}

type pending struct {
	token      string
	sessionKey string
	key        senderKey
	prompt     string
	deadline   time.Time
	done       chan outcome
	timer      *time.Timer
}

// Gate tracks pending confirmations and consumes matching replies via
// the channel pre-filter before they reach the dispatcher.
//
// Multiple confirmations for the same sender form a FIFO queue; a reply
// only ever resolves the head waiter.
type Gate struct {
	mu      sync.Mutex
	queues  map[senderKey][]*pending
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
	record  EventRecorder
}

// Option customizes a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithTimeout overrides the default confirmation deadline.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithEventRecorder installs the audit hook. Timeouts are recorded as
// confirmation.timeout events so unanswered prompts stay visible.
func WithEventRecorder(r EventRecorder) Option {
	return func(g *Gate) { g.record = r }
}

// New creates a Gate.
func New(opts ...Option) *Gate {
	g := &Gate{
		queues:  make(map[senderKey][]*pending),
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "gate"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Confirm sends the prompt over adapter and blocks until the sender
// replies, the deadline passes, the caller cancels ctx, or the gate
// shuts down. The returned bool is only meaningful when err is nil.
func (g *Gate) Confirm(ctx context.Context, adapter channels.Adapter, req Request) (bool, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}

	token := shortToken()
	prompt := fmt.Sprintf("%s\nReply y/yes or %s to approve, n/no to deny.", req.Prompt, token)

	p := &pending{
		token:      token,
		sessionKey: req.SessionKey,
		key:        senderKey{channel: req.Channel, sender: req.Sender},
		prompt:     req.Prompt,
		deadline:   g.now().Add(timeout),
		done:       make(chan outcome, 1),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false, ErrCancelled
	}
	g.queues[p.key] = append(g.queues[p.key], p)
	g.mu.Unlock()

	// Send outside the lock; the adapter's inbound path calls back into
	// the gate and must never find it held.
	if err := adapter.Send(ctx, req.Target, prompt, channels.SendOptions{}); err != nil {
		g.remove(p)
		return false, fmt.Errorf("%w: %v", ErrChannelError, err)
	}

	p.timer = time.AfterFunc(timeout, func() { g.expire(p) })
	defer p.timer.Stop()

	select {
	case out := <-p.done:
		return out.confirmed, out.err
	case <-ctx.Done():
		// Caller cancelled; drop the waiter so later replies flow to
		// the dispatcher as normal messages.
		g.remove(p)
		return false, ctx.Err()
	}
}

// PreFilter is the hook installed on channel adapters. It consumes an
// inbound message when it is an affirmative or negative reply from a
// sender with an outstanding head-of-queue confirmation.
func (g *Gate) PreFilter(msg *models.MsgContext) bool {
	text := strings.ToLower(strings.TrimSpace(msg.Body))
	if text == "" {
		return false
	}

	key := senderKey{channel: msg.Channel, sender: msg.From}

	g.mu.Lock()
	queue := g.queues[key]
	if len(queue) == 0 {
		g.mu.Unlock()
		return false
	}
	head := queue[0]
	if g.now().After(head.deadline) {
		// Past the deadline the reply is an ordinary message; the
		// expiry timer resolves the waiter.
		g.mu.Unlock()
		return false
	}

	var confirmed bool
	switch {
	case text == "y" || text == "yes" || text == strings.ToLower(head.token):
		confirmed = true
	case text == "n" || text == "no":
		confirmed = false
	default:
		g.mu.Unlock()
		return false
	}

	g.popLocked(head)
	g.mu.Unlock()

	// Resolve outside the critical section.
	head.done <- outcome{confirmed: confirmed}
	g.logger.Info("confirmation resolved",
		"session_key", head.sessionKey, "confirmed", confirmed)
	return true
}

// Pending returns the number of outstanding confirmations.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, q := range g.queues {
		n += len(q)
	}
	return n
}

// Shutdown resolves every outstanding waiter as cancelled.
func (g *Gate) Shutdown() {
	g.mu.Lock()
	g.closed = true
	var all []*pending
	for _, q := range g.queues {
		all = append(all, q...)
	}
	g.queues = make(map[senderKey][]*pending)
	g.mu.Unlock()

	for _, p := range all {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- outcome{err: ErrCancelled}
	}
}

// expire resolves p as timed out, unless it was already resolved.
func (g *Gate) expire(p *pending) {
	g.mu.Lock()
	removed := g.popLocked(p)
	g.mu.Unlock()
	if !removed {
		return
	}

	p.done <- outcome{err: ErrTimeout}
	g.logger.Warn("confirmation timed out", "session_key", p.sessionKey)
	if g.record != nil {
		g.record("confirmation.timeout", "timeout", "gate",
			fmt.Sprintf("confirmation for %s expired unanswered", p.sessionKey))
	}
}

func (g *Gate) remove(p *pending) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.popLocked(p)
}

// popLocked removes p from its queue. Returns false when p was already
// gone (resolved by another path). Caller holds mu.
func (g *Gate) popLocked(p *pending) bool {
	queue := g.queues[p.key]
	for i, q := range queue {
		if q == p {
			queue = append(queue[:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(g.queues, p.key)
			} else {
				g.queues[p.key] = queue
			}
			return true
		}
	}
	return false
}

// shortToken returns a 6-character opaque confirmation token.
func shortToken() string {
	return uuid.NewString()[:6]
}
