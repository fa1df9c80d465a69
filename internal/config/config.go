// Package config loads the single process-wide configuration object used
// to construct the orchestrator, specialist registry, tool sandbox, and
// run index. Configuration is YAML with environment-variable expansion.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ausmarton/agentforge/internal/backoff"
	"github.com/ausmarton/agentforge/internal/mcp"
)

// Config is the root configuration object. It is conceptually immutable
// after Load; tests that need a fresh view should call ClearCache.
type Config struct {
	Version       int                         `yaml:"version"`
	WorkspaceRoot string                      `yaml:"workspace_root"`
	Specialists   map[string]SpecialistConfig `yaml:"specialists"`
	// SpecialistOrder preserves declaration order for capability-routing
	// tie-breaks; YAML maps do not preserve key order.
	SpecialistOrder []string `yaml:"specialist_order"`

	Keywords KeywordConfig  `yaml:"keywords"`
	Models   ModelConfig    `yaml:"models"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Loop     LoopConfig     `yaml:"loop"`
	RunIndex RunIndexConfig `yaml:"run_index"`
	Fallback FallbackConfig `yaml:"fallback"`
	MCP      MCPConfig      `yaml:"mcp"`
	Retry    RetryConfig    `yaml:"retry"`
}

// SpecialistConfig describes how to build and wrap one SpecialistPack.
type SpecialistConfig struct {
	Builder              string            `yaml:"builder"`
	Capabilities         []string          `yaml:"capabilities"`
	Keywords             []string          `yaml:"keywords"`
	MCPServers           []string          `yaml:"mcp_servers"`
	ContainerImage       string            `yaml:"container_image"`
	RequiredFinishFields []string          `yaml:"required_finish_fields"`
	Metadata             map[string]string `yaml:"metadata"`
}

// MCPConfig lists the external MCP servers available to specialists.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig configures one stdio or SSE MCP server.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio, sse
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
}

// KeywordConfig is the static keyword->capability map used by the
// planner's fallback capability router.
type KeywordConfig struct {
	CapabilityMap map[string][]string `yaml:"capability_map"`
}

// ModelConfig maps model-tier keys ("fast"/"quality") to concrete model
// names for the local and cloud chat clients.
type ModelConfig struct {
	Tiers map[string]TierModels `yaml:"tiers"`
}

// TierModels names the local and cloud model for one tier.
type TierModels struct {
	Local string `yaml:"local"`
	Cloud string `yaml:"cloud"`
}

// SandboxConfig configures the tool registry's filesystem and command gates.
type SandboxConfig struct {
	AllowedCommands []string      `yaml:"allowed_commands"`
	ShellTimeout    time.Duration `yaml:"shell_timeout"`
	MCPCallTimeout  time.Duration `yaml:"mcp_call_timeout"`
	OutputByteCap   int           `yaml:"output_byte_cap"`
}

// LoopConfig configures the per-specialist tool loop.
type LoopConfig struct {
	MaxSteps               int `yaml:"max_steps"`
	LLMResponseLogCap      int `yaml:"llm_response_log_cap"`
	MaxCorrectiveReprompts int `yaml:"max_corrective_reprompts"`
}

// RunIndexConfig configures the cross-run index and its optional embedder.
type RunIndexConfig struct {
	EmbedderModel string `yaml:"embedder_model"`
	TopKDefault   int    `yaml:"top_k_default"`
}

// FallbackConfig configures the local->cloud chat escalation policy.
type FallbackConfig struct {
	Policy string `yaml:"policy"` // no_tool_calls, malformed_args, always
}

// RetryConfig tunes the exponential backoff wrapping both chat clients
// against transient provider transport errors.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
}

// Default returns a usable configuration: a 40-step loop budget, a
// 2000-character logged-response cap, and a conservative command allowlist.
func Default() *Config {
	return &Config{
		Version:       CurrentVersion,
		WorkspaceRoot: "./data",
		Specialists:   map[string]SpecialistConfig{},
		Keywords:      KeywordConfig{CapabilityMap: map[string][]string{}},
		Models:        ModelConfig{Tiers: map[string]TierModels{}},
		Sandbox: SandboxConfig{
			AllowedCommands: []string{"python", "python3", "pytest", "cargo", "npm", "bash", "sh", "git", "pip", "make", "node", "go"},
			ShellTimeout:    120 * time.Second,
			MCPCallTimeout:  30 * time.Second,
			OutputByteCap:   64 << 10,
		},
		Loop: LoopConfig{
			MaxSteps:               40,
			LLMResponseLogCap:      2000,
			MaxCorrectiveReprompts: 2,
		},
		RunIndex: RunIndexConfig{TopKDefault: 5},
		Fallback: FallbackConfig{Policy: "no_tool_calls"},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Initial:     250 * time.Millisecond,
			Max:         20 * time.Second,
			Factor:      2,
			Jitter:      0.2,
		},
	}
}

// ToBackoffPolicy converts the YAML-configured retry knobs into a
// backoff.Policy, falling back to backoff.DefaultPolicy's shape for any
// field left at its zero value (an operator who only sets max_attempts
// still gets sane timing).
func (c *Config) ToBackoffPolicy() backoff.Policy {
	p := backoff.DefaultPolicy()
	if c.Retry.Initial > 0 {
		p.Initial = c.Retry.Initial
	}
	if c.Retry.Max > 0 {
		p.Max = c.Retry.Max
	}
	if c.Retry.Factor > 0 {
		p.Factor = c.Retry.Factor
	}
	if c.Retry.Jitter > 0 {
		p.Jitter = c.Retry.Jitter
	}
	return p
}

// RetryAttempts returns the configured max attempts, defaulting to 3.
func (c *Config) RetryAttempts() int {
	if c.Retry.MaxAttempts > 0 {
		return c.Retry.MaxAttempts
	}
	return 3
}

// Validate rejects configuration errors at load time. Unknown builders
// cannot be checked here (the specialist registry owns that binding), but
// a missing workspace_root, malformed keyword maps and duplicate MCP
// server names are caught early.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	for kw, caps := range c.Keywords.CapabilityMap {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("keyword capability map has an empty keyword")
		}
		if len(caps) == 0 {
			return fmt.Errorf("keyword %q maps to no capabilities", kw)
		}
	}
	seenMCP := map[string]bool{}
	for _, srv := range c.MCP.Servers {
		if seenMCP[srv.Name] {
			return fmt.Errorf("duplicate MCP server name: %s", srv.Name)
		}
		seenMCP[srv.Name] = true
	}
	return nil
}

// ToMCPConfig builds the mcp package's connection config from the
// declared servers, auto-starting every one of them (a server a pack
// never calls simply sits idle) and applying the shared call timeout.
func (c *Config) ToMCPConfig() *mcp.Config {
	servers := make([]*mcp.ServerConfig, 0, len(c.MCP.Servers))
	for _, srv := range c.MCP.Servers {
		transport := mcp.TransportStdio
		if strings.EqualFold(srv.Transport, "http") || strings.EqualFold(srv.Transport, "sse") {
			transport = mcp.TransportHTTP
		}
		servers = append(servers, &mcp.ServerConfig{
			ID:        srv.Name,
			Name:      srv.Name,
			Transport: transport,
			Command:   srv.Command,
			Args:      srv.Args,
			Env:       srv.Env,
			URL:       srv.URL,
			Timeout:   c.Sandbox.MCPCallTimeout,
			AutoStart: true,
		})
	}
	return &mcp.Config{Enabled: len(servers) > 0, Servers: servers}
}
