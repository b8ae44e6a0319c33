package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/cron"
)

// RemindTool schedules a one-shot reminder as a main-target cron job.
// It is write-level, so every call passes the confirmation gate.
type RemindTool struct {
	scheduler *cron.Scheduler
	now       func() time.Time
}

// NewRemindTool creates a remind tool backed by the scheduler.
func NewRemindTool(scheduler *cron.Scheduler) *RemindTool {
	return &RemindTool{scheduler: scheduler, now: time.Now}
}

func (t *RemindTool) Name() string { return "remind" }

func (t *RemindTool) Description() string {
	return "Set a reminder to be delivered at a specified time. Use relative times like 'in 5 minutes' or an RFC3339 timestamp."
}

func (t *RemindTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {
				"type": "string",
				"description": "The reminder text to deliver when triggered"
			},
			"when": {
				"type": "string",
				"description": "When to trigger: 'in X minutes', 'in X hours', 'in X days', or an RFC3339 timestamp"
			}
		},
		"required": ["message", "when"]
	}`)
}

func (t *RemindTool) Security() agent.Security {
	return agent.Security{Level: agent.SecurityWrite, ConfirmRequired: true}
}

// RemindInput is the input for the remind tool.
type RemindInput struct {
	Message string `json:"message"`
	When    string `json:"when"`
}

// Execute creates the one-shot job.
func (t *RemindTool) Execute(ctx context.Context, params json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
	if t.scheduler == nil {
		return &agent.ToolResult{Content: "scheduler unavailable", IsError: true}, nil
	}

	var input RemindInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	if strings.TrimSpace(input.Message) == "" {
		return &agent.ToolResult{Content: "message is required", IsError: true}, nil
	}

	triggerAt, err := parseWhen(input.When, t.now())
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid time: %v", err), IsError: true}, nil
	}
	if triggerAt.Before(t.now()) {
		return &agent.ToolResult{Content: "cannot set a reminder in the past", IsError: true}, nil
	}

	job, err := t.scheduler.Add(&cron.Job{
		Name:     reminderName(input.Message),
		Enabled:  true,
		Schedule: cron.At(triggerAt),
		Target:   cron.TargetMain,
		WakeMode: cron.WakeNow,
		Payload: cron.Payload{
			Kind: cron.PayloadSystemEvent,
			Text: "Reminder: " + input.Message,
		},
		DeleteAfterRun: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}

	wait := triggerAt.Sub(t.now()).Round(time.Second)
	return &agent.ToolResult{
		Content: fmt.Sprintf("Reminder set for %s (in %s)\nID: %s",
			triggerAt.Format("Mon Jan 2 15:04"), wait, job.ID),
	}, nil
}

var relativePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?)$`)

// parseWhen accepts "in X <unit>" relative forms and RFC3339 stamps.
func parseWhen(when string, now time.Time) (time.Time, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return time.Time{}, fmt.Errorf("when is required")
	}

	lower := strings.ToLower(when)
	if rest, ok := strings.CutPrefix(lower, "in "); ok {
		matches := relativePattern.FindStringSubmatch(strings.TrimSpace(rest))
		if matches == nil {
			return time.Time{}, fmt.Errorf("could not parse relative time %q", when)
		}
		amount, err := strconv.ParseFloat(matches[1], 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid number %q", matches[1])
		}
		var unit time.Duration
		switch {
		case strings.HasPrefix(matches[2], "sec"):
			unit = time.Second
		case strings.HasPrefix(matches[2], "min"):
			unit = time.Minute
		case strings.HasPrefix(matches[2], "h"):
			unit = time.Hour
		case strings.HasPrefix(matches[2], "day"):
			unit = 24 * time.Hour
		default:
			return time.Time{}, fmt.Errorf("unknown unit %q", matches[2])
		}
		return now.Add(time.Duration(amount * float64(unit))), nil
	}

	if ts, err := time.Parse(time.RFC3339, when); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("could not parse time %q", when)
}

func reminderName(message string) string {
	if len(message) > 50 {
		return "Reminder: " + message[:47] + "..."
	}
	return "Reminder: " + message
}
