package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxToolNameLength caps tool names to keep them valid for every provider.
const MaxToolNameLength = 256

// SecurityLevel classifies how dangerous a tool is.
type SecurityLevel string

const (
	SecurityRead  SecurityLevel = "read"
	SecurityWrite SecurityLevel = "write"
	SecuritySign  SecurityLevel = "sign"
)

// Security describes a tool's privilege requirements. Write and sign
// level tools are routed through the confirmation gate by the executor.
type Security struct {
	Level           SecurityLevel `json:"level"`
	ConfirmRequired bool          `json:"confirm_required,omitempty"`
}

// Gated reports whether calls must pass the confirmation gate.
func (s Security) Gated() bool {
	return s.Level == SecurityWrite || s.Level == SecuritySign
}

// Tool is the contract tool authors implement.
type Tool interface {
	// Name returns the unique registry name (alphanumeric, underscores).
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Security returns the tool's privilege classification.
	Security() Security

	// Execute runs the tool. Params have already been validated against
	// Schema. Failures should be reported via ToolResult.IsError; a
	// returned error is treated the same way.
	Execute(ctx context.Context, params json.RawMessage, tc *ToolContext) (*ToolResult, error)
}

// ToolResult is the output of one tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolContext carries the per-call environment handed to tools. It
// exposes a confirmation adapter rather than a raw channel reference,
// and only the read-only tool configuration — never secrets.
type ToolContext struct {
	SessionKey    string
	AgentID       string
	UserID        string
	ChannelID     string
	WorkspacePath string

	// RequestConfirmation asks the originating human to approve an
	// action. Nil when no channel is attached (isolated runs).
	RequestConfirmation func(ctx context.Context, prompt string) (bool, error)

	// Config is the read-only tool configuration map.
	Config map[string]string
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds tools keyed by unique name. Schemas are compiled once
// at registration so the executor's validation path is allocation-light.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty tool registry.
func NewToolRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. Names must be unique, non-empty, and at most
// MaxToolNameLength bytes; the parameter schema must compile.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds %d bytes", name, MaxToolNameLength)
	}

	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(t.Schema())); err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = &registeredTool{tool: t, schema: schema}
	return nil
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

func (r *Registry) lookup(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt, ok
}

// Specs returns the provider-facing snapshot of all tools, sorted by name.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(r.tools))
	for _, rt := range r.tools {
		specs = append(specs, ToolSpec{
			Name:        rt.tool.Name(),
			Description: rt.tool.Description(),
			Schema:      rt.tool.Schema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	specs := r.Specs()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}
