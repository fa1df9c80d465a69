package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ausmarton/agentforge/internal/errs"
	"github.com/ausmarton/agentforge/internal/tools"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// containerPack redirects a specialist's "shell" tool through a Docker
// container instead of the host shell, leaving every other tool
// (read_file, write_file, MCP bridges, ...) untouched. It must wrap the
// MCP pack, not the other way around, so that Registry.Build always
// produces container(mcp(base)) and never mcp(container(base)): an MCP
// server has no business running inside the per-call container, and
// swapping the order would strand the container's network-disabled
// shell behind a layer that never sees it.
type containerPack struct {
	inner Pack
	image string
}

func newContainerPack(inner Pack, image string) Pack {
	return &containerPack{inner: inner, image: image}
}

func (p *containerPack) ID() string           { return p.inner.ID() }
func (p *containerPack) SystemPrompt() string { return p.inner.SystemPrompt() }

func (p *containerPack) Tools() []tools.Tool {
	base := p.inner.Tools()
	out := make([]tools.Tool, 0, len(base))
	for _, t := range base {
		if t.Name() == "shell" {
			out = append(out, &containerShellTool{image: p.image})
			continue
		}
		out = append(out, t)
	}
	return out
}

func (p *containerPack) RequiredFinishFields() []string { return p.inner.RequiredFinishFields() }

func (p *containerPack) ValidateFinish(ctx context.Context, payload json.RawMessage) error {
	return p.inner.ValidateFinish(ctx, payload)
}

func (p *containerPack) Open(ctx context.Context) error { return p.inner.Open(ctx) }
func (p *containerPack) Close() error                   { return p.inner.Close() }

// containerShellTool runs a command inside a disposable, network-isolated
// Docker container rather than on the host, so a compromised or buggy
// specialist can't reach the orchestrator's filesystem beyond what is
// explicitly bind-mounted.
type containerShellTool struct {
	image   string
	Timeout time.Duration
}

func (t *containerShellTool) Name() string { return "shell" }
func (t *containerShellTool) Description() string {
	return fmt.Sprintf("Run a shell command in an isolated %s container.", t.image)
}
func (t *containerShellTool) Schema() json.RawMessage {
	return tools.ShellSchema()
}

func (t *containerShellTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
	var in struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorArgs, ToolName: t.Name(), Cause: err}
	}
	command := strings.TrimSpace(in.Command)
	if command == "" {
		return nil, &errs.ToolError{Type: errs.ToolErrorArgs, ToolName: t.Name(), Cause: fmt.Errorf("command is required")}
	}

	timeout := t.Timeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dockerArgs := []string{
		"run", "--rm",
		"--network", "none",
		"--pids-limit", "100",
		t.image,
		"/bin/sh", "-c", command,
	}
	cmd := exec.CommandContext(runCtx, "docker", dockerArgs...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if runCtx.Err() != nil {
		return nil, runCtx.Err()
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, &errs.ToolError{Type: errs.ToolErrorIO, ToolName: t.Name(), Cause: runErr}
		}
	}

	result := tools.ShellResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}
	payload, _ := json.Marshal(result)
	return &runtypes.ToolResult{Content: string(payload), IsError: exitCode != 0}, nil
}
