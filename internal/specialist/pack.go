// Package specialist defines the SpecialistPack contract a tool loop
// drives to completion, plus the registry that resolves a configured
// specialist id into a built, possibly MCP- and container-augmented pack.
package specialist

import (
	"context"
	"encoding/json"

	"github.com/ausmarton/agentforge/internal/tools"
)

// Pack bundles everything a tool loop needs to run one specialist: its
// system prompt, the tools it may call, and the two finish_task checks
// that are specific to its domain (required fields and a semantic hook).
type Pack interface {
	ID() string
	SystemPrompt() string
	Tools() []tools.Tool
	RequiredFinishFields() []string
	// ValidateFinish runs after the required-fields gate passes. Returning
	// a non-nil error rejects the finish_task call with that message; the
	// tool loop never inspects the error's type, only its message.
	ValidateFinish(ctx context.Context, payload json.RawMessage) error
	// Open/Close bracket a specialist's participation in one run, giving
	// MCP- and container-augmented wrappers a place to start/stop their
	// backing session. A bare Pack's Open/Close are no-ops.
	Open(ctx context.Context) error
	Close() error
}

// Base is an embeddable no-op implementation of the Open/Close/
// ValidateFinish trio, for packs with nothing to bracket or validate.
type Base struct {
	IDValue      string
	Prompt       string
	ToolList     []tools.Tool
	RequiredKeys []string
}

func (b *Base) ID() string                     { return b.IDValue }
func (b *Base) SystemPrompt() string           { return b.Prompt }
func (b *Base) Tools() []tools.Tool            { return b.ToolList }
func (b *Base) RequiredFinishFields() []string { return b.RequiredKeys }
func (b *Base) ValidateFinish(ctx context.Context, payload json.RawMessage) error {
	return nil
}
func (b *Base) Open(ctx context.Context) error { return nil }
func (b *Base) Close() error                   { return nil }

// FinishSchema is the finish_task tool definition every pack shares; only
// the required-field list varies, so the tool loop builds this once per
// pack rather than each pack hand-rolling its own schema.
func FinishSchema(required []string) json.RawMessage {
	props := map[string]any{
		"summary": map[string]any{"type": "string", "description": "What was accomplished."},
	}
	for _, key := range required {
		if key == "summary" {
			continue
		}
		props[key] = map[string]any{"type": "string"}
	}
	req := append([]string{"summary"}, required...)
	schema := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   dedupe(req),
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
