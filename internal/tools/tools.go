// Package tools defines the tools available to the agent.
//
// The registry is populated once at startup and never mutated
// afterward, so turn handlers can read it without locking.
package tools

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownTool indicates an invocation named a tool that was never
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// ErrSchemaMismatch indicates tool arguments that do not conform to the
// tool's parameter schema. The agent loop feeds this back to the model
// as a tool result so it can self-correct.
var ErrSchemaMismatch = errors.New("arguments do not match tool schema")

// ErrToolFatal indicates a non-recoverable tool fault (for example,
// permanently revoked credentials). It ends the turn with the fallback
// reply instead of being fed back to the model.
var ErrToolFatal = errors.New("fatal tool error")

// Fatal wraps err so that errors.Is(err, ErrToolFatal) holds. Tool
// handlers use it to mark faults the model cannot recover from.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrToolFatal, err)
}

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
	order []string // registration order, for stable List output
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
	}
}

// Register adds a tool to the registry. Tool names are unique; a
// duplicate registration replaces the earlier descriptor.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// List returns all tool schemas in the function-calling wire format
// the model expects.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute validates args against the named tool's parameter schema and
// runs its handler. Returns ErrUnknownTool for unregistered names and
// ErrSchemaMismatch when validation fails; the tool is not invoked in
// either case.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err := ValidateArgs(tool.Parameters, args); err != nil {
		return "", err
	}

	return tool.Handler(ctx, args)
}
