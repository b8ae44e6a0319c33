// Package dispatch runs the per-message pipeline: activation, dedupe,
// rate limiting, slash commands, session resolution, the agent loop,
// and reply delivery. It also owns the system-event side door the cron
// engine injects synthetic turns through.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/cron"
	"github.com/haasonsaas/relay/internal/gate"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

const warnGlyph = "⚠️"

// defaultHistoryLimit bounds how much transcript history each turn
// replays to the model.
const defaultHistoryLimit = 50

// mainConversation is the synthetic conversation system events run in.
const mainConversation = "main"

// Deps are the collaborators the dispatcher drives.
type Deps struct {
	Sessions    *sessions.Registry
	Transcripts *sessions.TranscriptStore
	Infra       *infra.Store
	Loop        *agent.Loop
	Gate        *gate.Gate
	Channels    *channels.Registry
	Cron        *cron.Scheduler
	Metrics     *observability.Metrics
}

// Dispatcher is the single entry point for inbound messages.
type Dispatcher struct {
	agentID      string
	systemPrompt string
	workspace    string
	defaultModel string
	toolConfig   map[string]string

	mention        string
	groupAllowlist map[string]bool
	rateWindow     time.Duration
	rateMax        int
	dedupeTTL      time.Duration
	eventTTL       time.Duration
	confirmTimeout time.Duration
	historyLimit   int

	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	// inflight counts active turns; the heartbeat skips while non-zero.
	inflight atomic.Int64

	evMu   sync.Mutex
	events []systemEvent
}

type systemEvent struct {
	text string
	meta map[string]string
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDispatcherNow overrides the clock, for tests.
func WithDispatcherNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithHistoryLimit overrides the transcript replay window.
func WithHistoryLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.historyLimit = n
		}
	}
}

// New builds a dispatcher from config and collaborators.
func New(cfg *config.Config, deps Deps, opts ...Option) *Dispatcher {
	allow := make(map[string]bool, len(cfg.Dispatch.GroupAllowlist))
	for _, id := range cfg.Dispatch.GroupAllowlist {
		allow[id] = true
	}

	d := &Dispatcher{
		agentID:        cfg.Agent.ID,
		systemPrompt:   cfg.Agent.SystemPrompt,
		workspace:      cfg.Agent.Workspace,
		defaultModel:   cfg.LLM.DefaultModel,
		toolConfig:     cfg.Tools.Config,
		mention:        cfg.Dispatch.Mention,
		groupAllowlist: allow,
		rateWindow:     cfg.Dispatch.RateWindow,
		rateMax:        cfg.Dispatch.RateMax,
		dedupeTTL:      cfg.Dispatch.DedupeTTL,
		eventTTL:       cfg.Dispatch.EventTTL,
		confirmTimeout: cfg.Gate.ConfirmTimeout,
		historyLimit:   defaultHistoryLimit,
		deps:           deps,
		logger:         slog.Default().With("component", "dispatch"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attach wires the dispatcher and gate into every registered channel
// adapter. The gate pre-filter runs first so confirmation replies never
// reach the pipeline.
func (d *Dispatcher) Attach() {
	for _, adapter := range d.deps.Channels.All() {
		if d.deps.Gate != nil {
			adapter.SetPreFilter(d.deps.Gate.PreFilter)
		}
		adapter.OnMessage(d.HandleMessage)
	}
}

// Busy reports whether any turn is currently in flight.
func (d *Dispatcher) Busy() bool {
	return d.inflight.Load() > 0
}

// HandleMessage runs the full pipeline for one inbound message.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *models.MsgContext) {
	start := d.now()
	ch := string(msg.Channel)
	d.deps.Metrics.MessageReceived(ch)

	body, ok := d.activate(msg)
	if !ok {
		d.deps.Metrics.RecordDispatch(ch, "filtered", d.now().Sub(start))
		return
	}

	adapter, ok := d.deps.Channels.Get(msg.Channel)
	if !ok {
		d.logger.Error("no adapter for inbound channel", "channel", ch)
		return
	}

	dupKey := "msg:" + ch + ":" + msg.MessageID
	hash := infra.HashBody(ch, msg.MessageID, msg.Body)
	duplicate, err := d.deps.Infra.CheckAndRecord(ctx, dupKey, hash, []byte(msg.Body), d.dedupeTTL)
	if err != nil {
		// Degrade open: losing dedupe is better than dropping messages.
		d.logger.Warn("idempotency check failed", "key", dupKey, "error", err)
	}
	if duplicate {
		d.logger.Debug("duplicate message suppressed", "key", dupKey)
		d.deps.Metrics.RecordDispatch(ch, "duplicate", d.now().Sub(start))
		return
	}

	bucket := "user:" + ch + ":" + msg.From
	allowed, retryAfter, err := d.deps.Infra.Allow(ctx, bucket, d.rateWindow, d.rateMax)
	if err != nil {
		d.logger.Warn("rate check failed", "bucket", bucket, "error", err)
	} else if !allowed {
		wait := int(math.Ceil(retryAfter.Seconds()))
		if wait < 1 {
			wait = 1
		}
		d.send(ctx, adapter, msg, fmt.Sprintf("%s Rate limit — wait %d seconds.", warnGlyph, wait))
		d.deps.Metrics.RecordDispatch(ch, "rate_limited", d.now().Sub(start))
		return
	}

	if strings.HasPrefix(body, "/") {
		if d.handleCommand(ctx, adapter, msg, body) {
			d.deps.Metrics.RecordDispatch(ch, "command", d.now().Sub(start))
			return
		}
	}

	outcome := d.process(ctx, adapter, msg, body)
	duration := d.now().Sub(start)
	d.deps.Metrics.RecordDispatch(ch, outcome, duration)

	ev := infra.Event{
		Type:     "message.processed",
		Status:   outcome,
		Source:   ch,
		Message:  msg.MessageID,
		Metadata: map[string]any{"duration_ms": duration.Milliseconds()},
	}
	if err := d.deps.Infra.RecordEvent(ctx, ev, d.eventTTL); err != nil {
		d.logger.Warn("record event failed", "error", err)
	}
}

// activate applies the channel addressing policy and returns the body
// with any mention stripped.
func (d *Dispatcher) activate(msg *models.MsgContext) (string, bool) {
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return "", false
	}
	if msg.ChatType != models.ChatGroup {
		return body, true
	}

	if d.groupAllowlist["*"] || d.groupAllowlist[msg.GroupID] {
		return body, true
	}
	if d.mention != "" && strings.Contains(body, d.mention) {
		stripped := strings.TrimSpace(strings.Replace(body, d.mention, "", 1))
		if stripped == "" {
			return "", false
		}
		return stripped, true
	}
	return "", false
}

// process covers session resolution through reply delivery. Failures
// after the user turn is persisted are reported to the user; the
// transcript keeps the partial progress.
func (d *Dispatcher) process(ctx context.Context, adapter channels.Adapter, msg *models.MsgContext, body string) string {
	key := models.SessionKey(msg.Channel, msg.ConversationID())

	entry, err := d.deps.Sessions.GetOrCreate(key, sessions.Metadata{
		Channel:     msg.Channel,
		ChatType:    msg.ChatType,
		GroupID:     msg.GroupID,
		DisplayName: msg.SenderName,
	})
	if err != nil {
		d.reportError(ctx, adapter, msg, "I couldn't open your session. Please try again shortly.", err)
		return "error"
	}

	userTurn := &models.Message{
		ID:        uuid.NewString(),
		SessionID: entry.SessionID,
		Channel:   msg.Channel,
		Role:      models.RoleUser,
		Content:   body,
		Metadata: map[string]any{
			"from":       msg.From,
			"message_id": msg.MessageID,
		},
		CreatedAt: msg.Timestamp,
	}
	if err := d.deps.Transcripts.Append(entry.SessionID, userTurn); err != nil {
		d.reportError(ctx, adapter, msg, "I couldn't record your message. Please try again shortly.", err)
		return "error"
	}

	if !d.deps.Loop.HasUsableProvider() {
		d.send(ctx, adapter, msg, warnGlyph+" No language model is authorized: set a provider API key in the config and restart.")
		return "error"
	}

	history, err := d.deps.Transcripts.Read(entry.SessionID, d.historyLimit)
	if err != nil {
		d.reportError(ctx, adapter, msg, "I couldn't read the conversation history.", err)
		return "error"
	}

	d.inflight.Add(1)
	text, runErr := d.deps.Loop.Run(ctx, &agent.RunInput{
		SessionID:   entry.SessionID,
		Channel:     msg.Channel,
		System:      d.systemPrompt,
		Model:       d.model(entry.Model),
		History:     history,
		ToolContext: d.toolContext(adapter, msg, key),
	})
	d.inflight.Add(-1)
	if runErr != nil {
		d.logger.Warn("agent run failed", "session_key", key, "error", runErr)
	}

	final := &models.Message{
		ID:        uuid.NewString(),
		SessionID: entry.SessionID,
		Channel:   msg.Channel,
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: d.now(),
	}
	if err := d.deps.Transcripts.Append(entry.SessionID, final); err != nil {
		d.logger.Error("append assistant turn failed", "session_id", entry.SessionID, "error", err)
	}

	d.send(ctx, adapter, msg, text)
	if runErr != nil {
		return "error"
	}
	return "ok"
}

// handleCommand executes built-in slash commands. It reports false for
// unrecognized commands, which then flow to the agent as normal text.
func (d *Dispatcher) handleCommand(ctx context.Context, adapter channels.Adapter, msg *models.MsgContext, body string) bool {
	fields := strings.Fields(body)
	key := models.SessionKey(msg.Channel, msg.ConversationID())

	switch fields[0] {
	case "/new":
		if _, err := d.deps.Sessions.GetOrCreate(key, sessions.Metadata{
			Channel:     msg.Channel,
			ChatType:    msg.ChatType,
			GroupID:     msg.GroupID,
			DisplayName: msg.SenderName,
		}); err != nil {
			d.reportError(ctx, adapter, msg, "I couldn't open your session.", err)
			return true
		}
		entry, err := d.deps.Sessions.Rotate(key)
		if err != nil {
			d.reportError(ctx, adapter, msg, "I couldn't start a new session.", err)
			return true
		}
		d.send(ctx, adapter, msg, fmt.Sprintf("Started a fresh session (rotation %d).", entry.RotatedCount))
		return true

	case "/status":
		d.send(ctx, adapter, msg, d.statusText(ctx, msg))
		return true

	case "/model":
		if len(fields) < 2 {
			model := d.defaultModel
			suffix := " (default)"
			if entry, ok := d.deps.Sessions.Get(key); ok && entry.Model != "" {
				model = entry.Model
				suffix = ""
			}
			if model == "" {
				model = "provider default"
				suffix = ""
			}
			d.send(ctx, adapter, msg, "Model: "+model+suffix)
			return true
		}
		if _, err := d.deps.Sessions.GetOrCreate(key, sessions.Metadata{
			Channel:     msg.Channel,
			ChatType:    msg.ChatType,
			GroupID:     msg.GroupID,
			DisplayName: msg.SenderName,
		}); err != nil {
			d.reportError(ctx, adapter, msg, "I couldn't open your session.", err)
			return true
		}
		if _, err := d.deps.Sessions.SetModel(key, fields[1]); err != nil {
			d.reportError(ctx, adapter, msg, "I couldn't switch the model.", err)
			return true
		}
		d.send(ctx, adapter, msg, "Model set to "+fields[1]+".")
		return true
	}
	return false
}

func (d *Dispatcher) statusText(ctx context.Context, msg *models.MsgContext) string {
	var b strings.Builder

	bucket := "user:" + string(msg.Channel) + ":" + msg.From
	if count, err := d.deps.Infra.RateCount(ctx, bucket, d.rateWindow); err == nil {
		fmt.Fprintf(&b, "Rate: %d/%d in the current %s window\n", count, d.rateMax, d.rateWindow)
	}
	if d.deps.Gate != nil {
		fmt.Fprintf(&b, "Pending confirmations: %d\n", d.deps.Gate.Pending())
	}
	if d.deps.Cron != nil {
		st := d.deps.Cron.Stats()
		fmt.Fprintf(&b, "Cron: %d jobs, %d enabled, %d running\n", st.Total, st.Enabled, st.Running)
	}
	fmt.Fprintf(&b, "Queued system events: %d", d.PendingSystemEvents())
	return b.String()
}

func (d *Dispatcher) model(sessionModel string) string {
	if sessionModel != "" {
		return sessionModel
	}
	return d.defaultModel
}

func (d *Dispatcher) toolContext(adapter channels.Adapter, msg *models.MsgContext, sessionKey string) *agent.ToolContext {
	tc := &agent.ToolContext{
		SessionKey:    sessionKey,
		AgentID:       d.agentID,
		UserID:        msg.From,
		ChannelID:     string(msg.Channel),
		WorkspacePath: d.workspace,
		Config:        d.toolConfig,
	}
	if d.deps.Gate != nil {
		tc.RequestConfirmation = d.confirmFunc(adapter, msg, sessionKey)
	}
	return tc
}

// confirmFunc adapts the gate protocol to the executor's confirmation
// hook, translating the gate's timeout into the executor's sentinel.
func (d *Dispatcher) confirmFunc(adapter channels.Adapter, msg *models.MsgContext, sessionKey string) func(context.Context, string) (bool, error) {
	return func(ctx context.Context, prompt string) (bool, error) {
		confirmed, err := d.deps.Gate.Confirm(ctx, adapter, gate.Request{
			SessionKey: sessionKey,
			Channel:    msg.Channel,
			Target:     msg.ConversationID(),
			Sender:     msg.From,
			Prompt:     prompt,
			Timeout:    d.confirmTimeout,
		})
		switch {
		case errors.Is(err, gate.ErrTimeout):
			d.deps.Metrics.RecordGateOutcome("timeout")
			return false, agent.ErrConfirmTimeout
		case errors.Is(err, gate.ErrChannelError):
			d.deps.Metrics.RecordGateOutcome("channel_error")
			return false, err
		case err != nil:
			d.deps.Metrics.RecordGateOutcome("cancelled")
			return false, err
		case confirmed:
			d.deps.Metrics.RecordGateOutcome("confirmed")
			return true, nil
		default:
			d.deps.Metrics.RecordGateOutcome("denied")
			return false, nil
		}
	}
}

// send delivers a reply, quoting the original message where the channel
// supports it.
func (d *Dispatcher) send(ctx context.Context, adapter channels.Adapter, msg *models.MsgContext, text string) {
	if text == "" {
		return
	}
	opts := channels.SendOptions{ReplyTo: msg.MessageID}
	if err := adapter.Send(ctx, msg.ConversationID(), text, opts); err != nil {
		d.logger.Error("send reply failed", "channel", string(msg.Channel), "error", err)
		return
	}
	d.deps.Metrics.MessageSent(string(msg.Channel))
}

// reportError tells the user something went wrong without leaking
// internals. Transcript state is left as-is for post-mortem.
func (d *Dispatcher) reportError(ctx context.Context, adapter channels.Adapter, msg *models.MsgContext, text string, err error) {
	d.logger.Error("pipeline failure", "channel", string(msg.Channel), "message_id", msg.MessageID, "error", err)
	d.send(ctx, adapter, msg, warnGlyph+" "+text)
}
