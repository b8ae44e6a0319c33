// Package channels defines the message transport abstraction consumed
// by the dispatcher, and a registry over the configured adapters.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// Handler receives inbound messages that were not consumed by a
// pre-filter.
type Handler func(ctx context.Context, msg *models.MsgContext)

// PreFilter inspects an inbound message before it reaches the handler.
// Returning true consumes the message: it is dropped from normal
// delivery. The write gate uses this to intercept confirmation replies.
type PreFilter func(msg *models.MsgContext) bool

// SendOptions carries delivery details for one outbound message.
type SendOptions struct {
	// ReplyTo quotes the original message where the platform supports it.
	ReplyTo string
}

// Adapter is one message transport (chat platform or test double).
//
// Adapters are thin: they translate platform events into MsgContext and
// outbound text into platform sends. All policy lives above them.
type Adapter interface {
	// ID returns the channel identifier ("discord", "telegram", ...).
	ID() models.ChannelType

	// Start begins receiving. It returns once receiving is underway;
	// delivery happens on adapter-owned goroutines.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// Send delivers text to target (a conversation id: group/channel id
	// for group chats, user id for direct chats). Returns on enqueue.
	Send(ctx context.Context, target, text string, opts SendOptions) error

	// OnMessage installs the inbound handler. Must be called before Start.
	OnMessage(h Handler)

	// SetPreFilter installs the pre-delivery hook. Optional.
	SetPreFilter(f PreFilter)
}

// Registry holds the configured adapters keyed by channel id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
	logger   *slog.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[models.ChannelType]Adapter),
		logger:   slog.Default().With("component", "channels"),
	}
}

// Register adds an adapter. Duplicate ids are an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.ID()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("channel %q already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Get returns the adapter for id.
func (r *Registry) Get(id models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// StartAll starts every adapter, stopping the ones already started if
// one fails.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]Adapter, 0)
	for _, a := range r.All() {
		if err := a.Start(ctx); err != nil {
			for _, s := range started {
				if stopErr := s.Stop(ctx); stopErr != nil {
					r.logger.Warn("stop after failed start", "channel", s.ID(), "error", stopErr)
				}
			}
			return fmt.Errorf("start channel %s: %w", a.ID(), err)
		}
		r.logger.Info("channel started", "channel", a.ID())
		started = append(started, a)
	}
	return nil
}

// StopAll stops every adapter, returning the first error observed.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	for _, a := range r.All() {
		if err := a.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop channel %s: %w", a.ID(), err)
		}
	}
	return firstErr
}
