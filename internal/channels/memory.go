package channels

import (
	"context"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// SentMessage records one outbound send on a MemoryAdapter.
type SentMessage struct {
	Target  string
	Text    string
	ReplyTo string
}

// MemoryAdapter is an in-process adapter used by tests and as the
// delivery surface for synthetic conversations. Inbound messages are
// injected with Inject; outbound sends are recorded.
type MemoryAdapter struct {
	id models.ChannelType

	mu        sync.Mutex
	handler   Handler
	preFilter PreFilter
	sent      []SentMessage
	started   bool

	// SendErr, when set, is returned by every Send. Tests use it to
	// exercise channel failure paths.
	SendErr error
}

// NewMemoryAdapter creates an adapter with the given channel id.
func NewMemoryAdapter(id models.ChannelType) *MemoryAdapter {
	return &MemoryAdapter{id: id}
}

func (m *MemoryAdapter) ID() models.ChannelType { return m.id }

func (m *MemoryAdapter) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *MemoryAdapter) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	return nil
}

func (m *MemoryAdapter) Send(ctx context.Context, target, text string, opts SendOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, SentMessage{Target: target, Text: text, ReplyTo: opts.ReplyTo})
	return nil
}

func (m *MemoryAdapter) OnMessage(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *MemoryAdapter) SetPreFilter(f PreFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preFilter = f
}

// Inject delivers one inbound message synchronously: first to the
// pre-filter, then (if not consumed) to the handler. Returns true when
// the message reached the handler.
func (m *MemoryAdapter) Inject(ctx context.Context, msg *models.MsgContext) bool {
	m.mu.Lock()
	pf := m.preFilter
	h := m.handler
	m.mu.Unlock()

	if pf != nil && pf(msg) {
		return false
	}
	if h != nil {
		h(ctx, msg)
		return true
	}
	return false
}

// Sent returns a copy of the outbound log.
func (m *MemoryAdapter) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Reset clears the outbound log.
func (m *MemoryAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
