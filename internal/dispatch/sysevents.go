package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// EnqueueSystemEvent queues a synthetic turn for the main session. The
// cron engine calls this for main-target jobs; the next heartbeat
// drains the queue.
func (d *Dispatcher) EnqueueSystemEvent(ctx context.Context, text string, meta map[string]string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty system event")
	}
	d.evMu.Lock()
	d.events = append(d.events, systemEvent{text: text, meta: meta})
	n := len(d.events)
	d.evMu.Unlock()

	d.logger.Debug("system event queued", "pending", n)
	return nil
}

// PendingSystemEvents reports the queue depth.
func (d *Dispatcher) PendingSystemEvents() int {
	d.evMu.Lock()
	defer d.evMu.Unlock()
	return len(d.events)
}

// FlushSystemEvents drains the queue through the main session, one
// agent turn per event. It is the heartbeat's flush handler and
// returns how many events it processed.
//
// System-event turns have no originating channel: replies land in the
// transcript only, and gated tools are denied for lack of a human to
// ask.
func (d *Dispatcher) FlushSystemEvents(ctx context.Context, reason string) (int, error) {
	d.evMu.Lock()
	pending := d.events
	d.events = nil
	d.evMu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	key := models.SessionKey(models.ChannelCron, mainConversation)
	entry, err := d.deps.Sessions.GetOrCreate(key, sessions.Metadata{
		Channel:     models.ChannelCron,
		ChatType:    models.ChatDirect,
		DisplayName: mainConversation,
	})
	if err != nil {
		return 0, fmt.Errorf("resolve main session: %w", err)
	}

	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	processed := 0
	for _, ev := range pending {
		if err := d.runSystemEvent(ctx, entry, ev, reason); err != nil {
			d.logger.Warn("system event failed", "reason", reason, "error", err)
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (d *Dispatcher) runSystemEvent(ctx context.Context, entry *models.SessionEntry, ev systemEvent, reason string) error {
	meta := map[string]any{"source": "cron", "reason": reason}
	for k, v := range ev.meta {
		meta[k] = v
	}

	turn := &models.Message{
		ID:        uuid.NewString(),
		SessionID: entry.SessionID,
		Channel:   models.ChannelCron,
		Role:      models.RoleUser,
		Content:   ev.text,
		Metadata:  meta,
		CreatedAt: d.now(),
	}
	if err := d.deps.Transcripts.Append(entry.SessionID, turn); err != nil {
		return fmt.Errorf("append system event: %w", err)
	}

	history, err := d.deps.Transcripts.Read(entry.SessionID, d.historyLimit)
	if err != nil {
		return fmt.Errorf("read main transcript: %w", err)
	}

	text, runErr := d.deps.Loop.Run(ctx, &agent.RunInput{
		SessionID: entry.SessionID,
		Channel:   models.ChannelCron,
		System:    d.systemPrompt,
		Model:     d.model(entry.Model),
		History:   history,
		ToolContext: &agent.ToolContext{
			SessionKey:    models.SessionKey(models.ChannelCron, mainConversation),
			AgentID:       d.agentID,
			ChannelID:     string(models.ChannelCron),
			WorkspacePath: d.workspace,
			Config:        d.toolConfig,
		},
	})

	final := &models.Message{
		ID:        uuid.NewString(),
		SessionID: entry.SessionID,
		Channel:   models.ChannelCron,
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: d.now(),
	}
	if err := d.deps.Transcripts.Append(entry.SessionID, final); err != nil {
		d.logger.Error("append system event reply failed", "session_id", entry.SessionID, "error", err)
	}

	status := "ok"
	if runErr != nil {
		status = "error"
	}
	rec := infra.Event{
		Type:    "system_event.processed",
		Status:  status,
		Source:  "cron",
		Message: reason,
	}
	if err := d.deps.Infra.RecordEvent(ctx, rec, d.eventTTL); err != nil {
		d.logger.Warn("record event failed", "error", err)
	}
	return runErr
}
