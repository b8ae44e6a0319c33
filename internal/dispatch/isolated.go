package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/cron"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// isolatedSummaryLimit caps how much assistant text lands in the run
// record.
const isolatedSummaryLimit = 200

// RunIsolatedJob executes an isolated-target cron job as a standalone
// agent run in the job's own session. Loop failures are folded into the
// outcome so they land in the job state rather than aborting the
// scheduler.
func (d *Dispatcher) RunIsolatedJob(ctx context.Context, job *cron.Job, message string) (cron.RunOutcome, error) {
	key := models.SessionKey(models.ChannelCron, "job:"+job.ID)
	entry, err := d.deps.Sessions.GetOrCreate(key, sessions.Metadata{
		Channel:     models.ChannelCron,
		ChatType:    models.ChatDirect,
		DisplayName: job.Name,
	})
	if err != nil {
		return cron.RunOutcome{}, fmt.Errorf("resolve job session: %w", err)
	}

	turn := &models.Message{
		ID:        uuid.NewString(),
		SessionID: entry.SessionID,
		Channel:   models.ChannelCron,
		Role:      models.RoleUser,
		Content:   message,
		Metadata:  map[string]any{"source": "cron", "job_id": job.ID},
		CreatedAt: d.now(),
	}
	if err := d.deps.Transcripts.Append(entry.SessionID, turn); err != nil {
		return cron.RunOutcome{}, fmt.Errorf("append job turn: %w", err)
	}

	history, err := d.deps.Transcripts.Read(entry.SessionID, d.historyLimit)
	if err != nil {
		return cron.RunOutcome{}, fmt.Errorf("read job transcript: %w", err)
	}

	model := job.Payload.Model
	if model == "" {
		model = d.defaultModel
	}

	d.inflight.Add(1)
	text, runErr := d.deps.Loop.Run(ctx, &agent.RunInput{
		SessionID: entry.SessionID,
		Channel:   models.ChannelCron,
		System:    d.systemPrompt,
		Model:     model,
		History:   history,
		ToolContext: &agent.ToolContext{
			SessionKey:    key,
			AgentID:       d.agentID,
			ChannelID:     string(models.ChannelCron),
			WorkspacePath: d.workspace,
			Config:        d.toolConfig,
		},
	})
	d.inflight.Add(-1)

	final := &models.Message{
		ID:        uuid.NewString(),
		SessionID: entry.SessionID,
		Channel:   models.ChannelCron,
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: d.now(),
	}
	if err := d.deps.Transcripts.Append(entry.SessionID, final); err != nil {
		d.logger.Error("append job reply failed", "session_id", entry.SessionID, "error", err)
	}

	if runErr != nil {
		return cron.RunOutcome{Status: cron.StatusError, Error: runErr.Error()}, nil
	}

	summary := text
	if len(summary) > isolatedSummaryLimit {
		summary = summary[:isolatedSummaryLimit]
	}
	return cron.RunOutcome{Status: cron.StatusOK, Summary: summary}, nil
}
