package specialist

import (
	"context"
	"encoding/json"

	"github.com/ausmarton/agentforge/internal/mcp"
	"github.com/ausmarton/agentforge/internal/tools"
)

// mcpPack augments an inner Pack's tool set with the MCP-backed tools of
// the servers it declares. The multiplexer's own Open/Close are shared
// across every specialist in a run (it owns the underlying subprocess or
// SSE connections), so this wrapper only opens/closes the inner pack;
// the multiplexer's lifecycle is the registry's caller's responsibility.
type mcpPack struct {
	inner     Pack
	mux       *mcp.Multiplexer
	serverIDs []string
}

func newMCPPack(inner Pack, mux *mcp.Multiplexer, serverIDs []string) Pack {
	return &mcpPack{inner: inner, mux: mux, serverIDs: serverIDs}
}

func (p *mcpPack) ID() string           { return p.inner.ID() }
func (p *mcpPack) SystemPrompt() string { return p.inner.SystemPrompt() }

// Tools returns the inner pack's tools plus the MCP tools scoped to this
// specialist's declared servers. BridgedTool already satisfies
// tools.Tool structurally (Name/Description/Schema/Execute).
func (p *mcpPack) Tools() []tools.Tool {
	base := p.inner.Tools()
	mcpTools := p.mux.ForSpecialist(p.serverIDs)
	if len(mcpTools) == 0 {
		return base
	}
	out := make([]tools.Tool, 0, len(base)+len(mcpTools))
	out = append(out, base...)
	for _, t := range mcpTools {
		out = append(out, t)
	}
	return out
}

func (p *mcpPack) RequiredFinishFields() []string { return p.inner.RequiredFinishFields() }

func (p *mcpPack) ValidateFinish(ctx context.Context, payload json.RawMessage) error {
	return p.inner.ValidateFinish(ctx, payload)
}

func (p *mcpPack) Open(ctx context.Context) error { return p.inner.Open(ctx) }
func (p *mcpPack) Close() error                   { return p.inner.Close() }
