// Package agent runs the tool-use loop against an LLM provider, persisting
// every turn through the store and gating risky tool calls behind approval.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is a capability the model can invoke during a run.
type Tool interface {
	// Name returns the tool identifier presented to the model.
	Name() string

	// Description explains what the tool does, for the model.
	Description() string

	// Schema returns the JSON Schema for the tool's input object.
	Schema() json.RawMessage

	// Execute runs the tool with validated input.
	Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// ToolResult is the outcome of one tool execution. Errors are returned
// in-band so the model can react to them.
type ToolResult struct {
	Content string
	IsError bool
}

// Tool input limits.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolInputSize is the maximum size of tool input JSON (10MB).
	MaxToolInputSize = 10 << 20
)

// ToolRegistry holds the tools available to runs. Built-in tools are
// protected: a dynamically loaded tool can never shadow one.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	builtin  map[string]bool
	compiled map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:    make(map[string]Tool),
		builtin:  make(map[string]bool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// RegisterBuiltin adds a built-in tool. Built-in names are reserved and
// cannot be replaced afterwards, not even by another built-in.
func (r *ToolRegistry) RegisterBuiltin(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if r.builtin[name] {
		return fmt.Errorf("built-in tool already registered: %s", name)
	}
	r.tools[name] = tool
	r.builtin[name] = true
	delete(r.compiled, name)
	return nil
}

// Register adds or replaces a dynamic tool. Registration fails if the name
// collides with a built-in.
func (r *ToolRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if r.builtin[name] {
		return fmt.Errorf("tool name reserved by built-in: %s", name)
	}
	r.tools[name] = tool
	delete(r.compiled, name)
	return nil
}

// Unregister removes a dynamic tool. Built-ins cannot be removed.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.builtin[name] {
		return
	}
	delete(r.tools, name)
	delete(r.compiled, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools sorted by name. When enabled is
// non-nil, only tools whose name maps to true are included; built-ins are
// always included.
func (r *ToolRegistry) List(enabled map[string]bool) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for name, t := range r.tools {
		if enabled != nil && !r.builtin[name] && !enabled[name] {
			continue
		}
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Execute validates input against the tool's schema and runs it. Missing
// tools and invalid input produce error results rather than hard errors so
// the model sees them as tool_result content.
func (r *ToolRegistry) Execute(ctx context.Context, name string, input json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}
	if len(input) > MaxToolInputSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool input exceeds maximum size of %d bytes", MaxToolInputSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{Content: "tool not found: " + name, IsError: true}, nil
	}

	if err := r.validateInput(tool, input); err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("invalid input for %s: %v", name, err),
			IsError: true,
		}, nil
	}

	return tool.Execute(ctx, input)
}

// validateInput checks input against the tool's JSON Schema. Compiled
// schemas are cached until the tool is re-registered.
func (r *ToolRegistry) validateInput(tool Tool, input json.RawMessage) error {
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil
	}

	name := tool.Name()
	r.mu.RLock()
	schema, ok := r.compiled[name]
	r.mu.RUnlock()

	if !ok {
		var err error
		schema, err = jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("schema compile failed: %w", err)
		}
		r.mu.Lock()
		r.compiled[name] = schema
		r.mu.Unlock()
	}

	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return schema.Validate(value)
}
