package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ausmarton/agentforge/internal/backoff"
	"github.com/ausmarton/agentforge/internal/metrics"
)

// toolPrefix and toolSep build the mcp__<server>__<tool> naming contract
// that lets a specialist pack dispatch a tool call without first knowing
// which server backs it; the teacher's bridge.go used a single-underscore
// "mcp_<server>_<tool>" scheme for the same purpose.
const (
	toolPrefix = "mcp__"
	toolSep    = "__"
)

// QualifyToolName builds the dispatch name for a tool on a given server.
func QualifyToolName(serverID, toolName string) string {
	return toolPrefix + serverID + toolSep + toolName
}

// splitQualifiedName reverses QualifyToolName, returning ok=false for any
// name that wasn't produced by it (including plain in-process tool names).
func splitQualifiedName(name string) (serverID, toolName string, ok bool) {
	if !strings.HasPrefix(name, toolPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, toolPrefix)
	idx := strings.Index(rest, toolSep)
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+toolSep:], true
}

// Route splits a qualified tool name back into its owning server ID and
// the server-local tool name, for callers (logging, security-event
// tagging) that only have the dispatch name in hand.
func Route(qualifiedName string) (serverID, toolName string, ok bool) {
	return splitQualifiedName(qualifiedName)
}

// Multiplexer fans a specialist's tool calls out across every MCP server
// it's configured to use, presenting each remote tool (and a
// resources/prompts helper quartet per server) as a BridgedTool under its
// qualified name.
type Multiplexer struct {
	manager *Manager
}

// NewMultiplexer wraps a Manager with the qualified-name dispatch contract.
func NewMultiplexer(cfg *Config, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{manager: NewManager(cfg, logger)}
}

// SetMetrics attaches a Prometheus metrics sink to the underlying
// Manager, so session-connect failures surface on both Start and Open.
func (m *Multiplexer) SetMetrics(met *metrics.Metrics) {
	m.manager.SetMetrics(met)
}

// SetRetryPolicy propagates the configured handshake retry policy to
// the underlying Manager, so every server it connects during Open
// rides out a slow-starting subprocess the same way the chat clients
// ride out a transient provider error.
func (m *Multiplexer) SetRetryPolicy(p backoff.Policy, attempts int) {
	m.manager.SetRetryPolicy(p, attempts)
}

// SetSamplingHandler registers the handler new connections use to
// answer server-initiated sampling requests. See Manager.SetSamplingHandler.
func (m *Multiplexer) SetSamplingHandler(h SamplingHandler) {
	m.manager.SetSamplingHandler(h)
}

// Open connects every auto_start server, failing fast on the first error
// so a pack never starts with a half-open tool surface. Already-opened
// servers are left connected; the caller should Close on error to tear
// down whatever did succeed.
func (m *Multiplexer) Open(ctx context.Context) error {
	if m.manager.config == nil {
		return nil
	}
	for _, serverCfg := range m.manager.config.Servers {
		if !serverCfg.AutoStart {
			continue
		}
		if err := m.manager.Connect(ctx, serverCfg.ID); err != nil {
			m.manager.metrics.RecordMCPSessionFailure(serverCfg.ID)
			return fmt.Errorf("mcp server %q: %w", serverCfg.ID, err)
		}
	}
	return nil
}

// Close disconnects every connected server. Failures are logged, not
// returned: a stuck MCP subprocess must never block a run from finishing
// and releasing its workspace. Disconnect (not a bare client.Close) is
// used so the manager's connected-client map is cleared along with the
// transport, letting a later Open reconnect instead of believing a
// closed session is still live.
func (m *Multiplexer) Close() {
	for id := range m.manager.Clients() {
		if err := m.manager.Disconnect(id); err != nil {
			m.manager.logger.Warn("mcp close failed", "server", id, "error", err)
		}
	}
}

// Tools returns every tool (plus the per-server resources/prompts
// helpers) exposed across all connected servers, addressable under their
// qualified mcp__<server>__<name> names.
func (m *Multiplexer) Tools() []BridgedTool {
	return BridgedTools(m.manager)
}

// ForSpecialist returns only the tools reachable through the named
// servers, letting the specialist registry's MCP-augmented wrapper scope
// a pack down to its declared mcp_servers list instead of every server
// the process has open.
func (m *Multiplexer) ForSpecialist(serverIDs []string) []BridgedTool {
	if len(serverIDs) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(serverIDs))
	for _, id := range serverIDs {
		allowed[id] = true
	}
	var out []BridgedTool
	for _, t := range m.Tools() {
		if allowed[t.ServerID()] {
			out = append(out, t)
		}
	}
	return out
}
