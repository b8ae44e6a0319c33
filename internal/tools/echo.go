// Package tools provides the built-in tool set: echo and clock for
// read-only queries, remind for scheduling one-shot cron jobs.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/relay/internal/agent"
)

// EchoTool returns its input, primarily for wiring checks and demos.
type EchoTool struct{}

// NewEchoTool creates an echo tool.
func NewEchoTool() *EchoTool { return &EchoTool{} }

func (t *EchoTool) Name() string { return "echo" }

func (t *EchoTool) Description() string {
	return "Echo a message back verbatim. Useful for testing the tool pipeline."
}

func (t *EchoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {
				"type": "string",
				"description": "The message to echo back"
			}
		},
		"required": ["message"]
	}`)
}

func (t *EchoTool) Security() agent.Security {
	return agent.Security{Level: agent.SecurityRead}
}

// EchoInput is the input for the echo tool.
type EchoInput struct {
	Message string `json:"message"`
}

// Execute echoes the message.
func (t *EchoTool) Execute(ctx context.Context, params json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
	var input EchoInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return &agent.ToolResult{Content: "echoed: " + input.Message}, nil
}
