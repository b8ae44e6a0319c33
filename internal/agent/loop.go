package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// MaxIterations bounds the LLM → tool-call → tool-result cycle for one
// inbound turn. When the budget is exhausted without a final text the
// loop answers with FallbackText.
const MaxIterations = 5

// FallbackText is the reply when the loop runs out of iterations.
const FallbackText = "I apologize, but I couldn't complete your request."

// warnGlyph prefixes user-visible failure sentences.
const warnGlyph = "⚠️"

// Appender is the transcript sink the loop writes intermediate turns to.
type Appender interface {
	Append(sessionID string, msg *models.Message) error
}

// Loop runs the bounded agentic cycle against an ordered provider list.
//
// Intermediate assistant messages (those carrying tool calls) and the
// tool-result carrier messages are appended to the transcript as they
// are produced, so a crash mid-run leaves a valid re-entrant
// transcript. The final assistant text is returned to the caller, which
// appends it after delivery.
type Loop struct {
	providers   []Provider
	registry    *Registry
	executor    *Executor
	transcripts Appender

	logger         *slog.Logger
	maxTokens      int
	requestTimeout time.Duration
	now            func() time.Time
}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithLoopLogger sets the logger.
func WithLoopLogger(l *slog.Logger) LoopOption {
	return func(lp *Loop) { lp.logger = l }
}

// WithMaxTokens sets the per-request completion budget.
func WithMaxTokens(n int) LoopOption {
	return func(lp *Loop) { lp.maxTokens = n }
}

// WithRequestTimeout bounds each provider call; expiry triggers failover.
func WithRequestTimeout(d time.Duration) LoopOption {
	return func(lp *Loop) { lp.requestTimeout = d }
}

// WithLoopNow overrides the clock, for tests.
func WithLoopNow(now func() time.Time) LoopOption {
	return func(lp *Loop) { lp.now = now }
}

// NewLoop assembles a loop. Providers are tried in the given priority
// order; a single-entry list is valid.
func NewLoop(providers []Provider, registry *Registry, executor *Executor, transcripts Appender, opts ...LoopOption) *Loop {
	l := &Loop{
		providers:      providers,
		registry:       registry,
		executor:       executor,
		transcripts:    transcripts,
		logger:         slog.Default().With("component", "agent"),
		maxTokens:      4096,
		requestTimeout: 2 * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HasUsableProvider reports whether any configured provider has
// credentials. Used by the dispatcher's preflight.
func (l *Loop) HasUsableProvider() bool {
	for _, p := range l.providers {
		if p.Available() {
			return true
		}
	}
	return false
}

// RunInput carries one inbound turn into the loop.
type RunInput struct {
	SessionID string
	Channel   models.ChannelType
	System    string
	// Model overrides the provider default when non-empty.
	Model string
	// History is the conversation so far, ending with the current user
	// turn (already appended to the transcript by the caller).
	History     []*models.Message
	ToolContext *ToolContext
}

// Run executes the agentic cycle and returns the final assistant text.
// The text is always usable for delivery; a non-nil error additionally
// reports what went wrong for the audit record.
func (l *Loop) Run(ctx context.Context, in *RunInput) (string, error) {
	if len(l.providers) == 0 {
		return warnGlyph + " No language model is configured.", ErrNoProvider
	}

	messages := toCompletionMessages(in.History)
	tools := l.registry.Specs()

	for iteration := 1; iteration <= MaxIterations; iteration++ {
		req := &CompletionRequest{
			Model:     in.Model,
			System:    in.System,
			Messages:  messages,
			Tools:     tools,
			MaxTokens: l.maxTokens,
		}

		comp, err := l.complete(ctx, req)
		if err != nil {
			return l.failureText(err), err
		}

		if len(comp.ToolCalls) == 0 {
			l.logger.Debug("loop finished", "session_id", in.SessionID, "iterations", iteration)
			return comp.Content, nil
		}

		assistant := &models.Message{
			ID:        uuid.NewString(),
			SessionID: in.SessionID,
			Channel:   in.Channel,
			Role:      models.RoleAssistant,
			Content:   comp.Content,
			ToolCalls: comp.ToolCalls,
			CreatedAt: l.now(),
		}
		if err := l.transcripts.Append(in.SessionID, assistant); err != nil {
			return l.failureText(err), fmt.Errorf("append assistant turn: %w", err)
		}
		messages = append(messages, CompletionMessage{
			Role:      "assistant",
			Content:   comp.Content,
			ToolCalls: comp.ToolCalls,
		})

		results := l.executor.ExecuteCalls(ctx, comp.ToolCalls, in.ToolContext)

		carrier := &models.Message{
			ID:          uuid.NewString(),
			SessionID:   in.SessionID,
			Channel:     in.Channel,
			Role:        models.RoleTool,
			ToolResults: results,
			CreatedAt:   l.now(),
		}
		if err := l.transcripts.Append(in.SessionID, carrier); err != nil {
			return l.failureText(err), fmt.Errorf("append tool results: %w", err)
		}
		messages = append(messages, CompletionMessage{
			Role:        "tool",
			ToolResults: results,
		})
	}

	l.logger.Warn("loop exhausted iteration budget", "session_id", in.SessionID, "max", MaxIterations)
	return FallbackText, nil
}

// complete tries the provider list in order. Retryable failures advance
// to the next provider; an auth failure on the primary stops the run so
// the user gets an actionable hint instead of a silent degrade.
func (l *Loop) complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	var lastErr error

	for i, p := range l.providers {
		cctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
		comp, err := p.Complete(cctx, req)
		cancel()
		if err == nil {
			return comp, nil
		}

		reason := classifyProviderError(err)
		l.logger.Warn("provider call failed",
			"provider", p.Name(), "reason", string(reason), "error", err)
		lastErr = err

		if reason == reasonAuth {
			if i == 0 {
				return nil, fmt.Errorf("%w: %s: %v", ErrAuthFailed, p.Name(), err)
			}
			continue
		}
		if !reason.advancesFailover() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

func (l *Loop) failureText(err error) string {
	if errors.Is(err, ErrAuthFailed) {
		name := "the primary provider"
		if len(l.providers) > 0 {
			name = l.providers[0].Name()
		}
		return fmt.Sprintf("%s %s not authorized: set its API key in the config and restart.", warnGlyph, name)
	}
	return warnGlyph + " I couldn't reach the language model. Please try again shortly."
}

func toCompletionMessages(history []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		out = append(out, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return out
}
