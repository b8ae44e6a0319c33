package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/internal/agent"
)

// ClockTool reports the current time, optionally in a named time zone.
type ClockTool struct {
	now func() time.Time
}

// NewClockTool creates a clock tool.
func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

// NewClockToolAt creates a clock tool with a fixed clock, for tests.
func NewClockToolAt(now func() time.Time) *ClockTool {
	return &ClockTool{now: now}
}

func (t *ClockTool) Name() string { return "clock" }

func (t *ClockTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA time zone."
}

func (t *ClockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {
				"type": "string",
				"description": "IANA time zone name, e.g. America/New_York. Defaults to UTC."
			}
		}
	}`)
}

func (t *ClockTool) Security() agent.Security {
	return agent.Security{Level: agent.SecurityRead}
}

// ClockInput is the input for the clock tool.
type ClockInput struct {
	Timezone string `json:"timezone"`
}

// Execute formats the current time.
func (t *ClockTool) Execute(ctx context.Context, params json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
	var input ClockInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}

	loc := time.UTC
	if input.Timezone != "" {
		tz, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return &agent.ToolResult{
				Content: fmt.Sprintf("unknown timezone %q", input.Timezone),
				IsError: true,
			}, nil
		}
		loc = tz
	}

	now := t.now().In(loc)
	return &agent.ToolResult{
		Content: now.Format("Mon Jan 2 2006 15:04:05 MST"),
	}, nil
}
