package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ausmarton/agentforge/internal/errs"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// Tool is an in-process capability exposed to the LLM. MCP-backed tools
// are adapted to this same interface by internal/mcp's pack wrapper, so the
// dispatch table in Registry never needs to know which are local and which
// are remote.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON-schema function descriptor passed to the LLM.
	Schema() json.RawMessage
	// Execute runs the tool. A non-nil error that wraps context.Canceled or
	// context.DeadlineExceeded must propagate untouched; any other error is
	// expected to be an *errs.ToolError (or wrap one) so the tool loop can
	// classify it and synthesize a tool-result error for the model.
	Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error)
}

// MaxToolNameLength and MaxToolParamsSize bound resource exhaustion from
// malformed or hostile tool calls.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

// Registry is the capability-gated dispatch table from tool name to
// invocation handler.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, primarily for tests.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Definitions returns every registered tool's schema, suitable for passing
// to an LLMProvider as callable tools.
func (r *Registry) Definitions() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Execute runs a tool by name with JSON-encoded arguments. Unknown tool
// names return a typed error (surfaced by the caller as a tool-result
// error, never propagated) rather than panicking.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*runtypes.ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return nil, errs.Classify(name, fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(args) > MaxToolParamsSize {
		return nil, &errs.ToolError{Type: errs.ToolErrorArgs, ToolName: name, Cause: fmt.Errorf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)}
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &errs.ToolError{Type: errs.ToolErrorNotFound, ToolName: name, Cause: fmt.Errorf("tool not found: %s", name)}
	}
	return tool.Execute(ctx, args)
}
