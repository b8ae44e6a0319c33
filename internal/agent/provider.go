package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/relay/pkg/models"
)

// Provider is the completion capability consumed by the agentic loop.
//
// Implementations must be safe for concurrent use; multiple loop runs
// may call Complete simultaneously.
type Provider interface {
	// Complete sends one completion request and returns the full
	// response: final text and any requested tool calls.
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)

	// Name returns the provider identifier ("anthropic", "openai").
	Name() string

	// Available reports whether the provider has usable credentials.
	// Used by the dispatcher's preflight.
	Available() bool
}

// CompletionRequest contains all parameters for one LLM call.
type CompletionRequest struct {
	// Model selects the model; empty means the provider default.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may request; empty disables tool calling.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens bounds the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is a single turn as seen by a provider.
// Role values: "user", "assistant", "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// Completion is the provider's full response to one request.
type Completion struct {
	// Content is the response text; may be empty when only tool calls
	// were produced.
	Content string `json:"content"`

	// ToolCalls, when non-empty, drive one more executor round.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec is the provider-facing snapshot of one registered tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}
