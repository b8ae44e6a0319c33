package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 30 * time.Second

// ErrConfirmTimeout marks a confirmation that expired unanswered. The
// gate adapter wraps its own timeout into this so the executor can emit
// the canonical "timeout" result.
var ErrConfirmTimeout = errors.New("confirmation timed out")

// Executor validates and runs tool calls against a registry.
//
// Tool failures of any kind (unknown name, invalid arguments, gate
// denial, panic, timeout) are captured into ToolResults and never
// propagate upward.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithToolTimeout overrides the per-call execution timeout.
func WithToolTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		logger:   slog.Default().With("component", "executor"),
		timeout:  DefaultToolTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteCalls runs every call from one assistant turn. Independent
// calls execute concurrently; the returned slice is re-serialized into
// the original call order with exactly one result per call.
func (e *Executor) ExecuteCalls(ctx context.Context, calls []models.ToolCall, tc *ToolContext) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = e.executeOne(ctx, call, tc)
		}(i, call)
	}
	wg.Wait()

	return results
}

func (e *Executor) executeOne(ctx context.Context, call models.ToolCall, tc *ToolContext) models.ToolResult {
	start := time.Now()
	result := e.run(ctx, call, tc)
	result.ToolCallID = call.ID
	result.ToolName = call.Name

	e.logger.Debug("tool executed",
		"tool", call.Name,
		"call_id", call.ID,
		"is_error", result.IsError,
		"duration_ms", time.Since(start).Milliseconds())
	return result
}

func (e *Executor) run(ctx context.Context, call models.ToolCall, tc *ToolContext) models.ToolResult {
	rt, ok := e.registry.lookup(call.Name)
	if !ok {
		return errorResult("%s: no tool named %q", KindUnknownTool, call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return errorResult("%s: arguments are not valid JSON: %v", KindValidationError, err)
	}
	if err := rt.schema.Validate(decoded); err != nil {
		// The validation error carries the failing schema pointer.
		return errorResult("%s: %v", KindValidationError, err)
	}

	if rt.tool.Security().Gated() {
		if res, ok := e.confirm(ctx, rt.tool, args, tc); !ok {
			return res
		}
	}

	return e.invoke(ctx, rt.tool, args, tc)
}

// confirm routes a gated call through the human confirmation adapter.
// The second return is false when the call must not proceed.
func (e *Executor) confirm(ctx context.Context, t Tool, args json.RawMessage, tc *ToolContext) (models.ToolResult, bool) {
	if tc == nil || tc.RequestConfirmation == nil {
		return errorResult("%s: %s requires confirmation but no channel is attached", KindPolicyDenied, t.Name()), false
	}

	prompt := fmt.Sprintf("Confirm %s %s? [y/n]", t.Name(), string(args))
	confirmed, err := tc.RequestConfirmation(ctx, prompt)
	if err != nil {
		if errors.Is(err, ErrConfirmTimeout) {
			return models.ToolResult{Content: KindTimeout, IsError: true}, false
		}
		return errorResult("%s: confirmation failed: %v", KindPolicyDenied, err), false
	}
	if !confirmed {
		return errorResult("%s: declined by user", KindPolicyDenied), false
	}
	return models.ToolResult{}, true
}

// invoke runs the tool body under the per-call timeout with panic capture.
func (e *Executor) invoke(ctx context.Context, t Tool, args json.RawMessage, tc *ToolContext) models.ToolResult {
	tctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		res *ToolResult
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked", "tool", t.Name(), "panic", r)
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := t.Execute(tctx, args, tc)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-tctx.Done():
		// Do not wait for the straggler; the result slot is settled now.
		return models.ToolResult{Content: KindTimeout, IsError: true}
	case out := <-done:
		if out.err != nil {
			return models.ToolResult{Content: out.err.Error(), IsError: true}
		}
		if out.res == nil {
			return models.ToolResult{Content: "tool returned no result", IsError: true}
		}
		return models.ToolResult{Content: out.res.Content, IsError: out.res.IsError}
	}
}

func errorResult(format string, args ...any) models.ToolResult {
	return models.ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}
