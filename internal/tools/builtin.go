package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ausmarton/agentforge/internal/errs"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// schema is a tiny helper to keep the built-in tool definitions terse,
// building inline map-literal JSON schemas rather than a struct tag DSL.
func schema(properties map[string]any, required ...string) json.RawMessage {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func errResult(id string, msg string) *runtypes.ToolResult {
	return &runtypes.ToolResult{ToolCallID: id, Content: msg, IsError: true}
}

func okResult(id string, content string) *runtypes.ToolResult {
	return &runtypes.ToolResult{ToolCallID: id, Content: content}
}

// truncate caps content at byteCap, signalling truncation in the returned
// bool.
func truncate(s string, byteCap int) (string, bool) {
	if byteCap <= 0 || len(s) <= byteCap {
		return s, false
	}
	return s[:byteCap], true
}

// --- read_file ---

// ReadFileTool reads a workspace-relative file.
type ReadFileTool struct{ Sandbox *Sandbox }

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file in the workspace." }
func (t *ReadFileTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"path": map[string]any{"type": "string", "description": "Workspace-relative file path."},
	}, "path")
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
	var in struct{ Path string `json:"path"` }
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorArgs, ToolName: t.Name(), Cause: err}
	}
	resolved, err := t.Sandbox.ResolvePath(t.Name(), in.Path, false)
	if err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorPathEscape, ToolName: t.Name(), Cause: err}
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorIO, ToolName: t.Name(), Cause: err}
	}
	payload, _ := json.Marshal(map[string]string{"content": string(data)})
	return okResult("", string(payload)), nil
}

// --- write_file ---

// WriteFileTool creates or overwrites a workspace-relative file.
type WriteFileTool struct{ Sandbox *Sandbox }

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Create or overwrite a file in the workspace." }
func (t *WriteFileTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"path":    map[string]any{"type": "string", "description": "Workspace-relative file path."},
		"content": map[string]any{"type": "string", "description": "Text content to write."},
	}, "path", "content")
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorArgs, ToolName: t.Name(), Cause: err}
	}
	resolved, err := t.Sandbox.ResolvePath(t.Name(), in.Path, false)
	if err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorPathEscape, ToolName: t.Name(), Cause: err}
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorIO, ToolName: t.Name(), Cause: err}
	}
	if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorIO, ToolName: t.Name(), Cause: err}
	}
	payload, _ := json.Marshal(map[string]bool{"ok": true})
	return okResult("", string(payload)), nil
}

// --- list_files ---

// ListFilesTool lists entries under a workspace-relative subpath; the
// workspace root itself is a valid argument.
type ListFilesTool struct{ Sandbox *Sandbox }

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List files and directories under a workspace path." }
func (t *ListFilesTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"path": map[string]any{"type": "string", "description": "Workspace-relative subpath (defaults to the workspace root)."},
	})
}

func (t *ListFilesTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
	var in struct{ Path string `json:"path"` }
	_ = json.Unmarshal(args, &in)
	resolved, err := t.Sandbox.ResolvePath(t.Name(), in.Path, true)
	if err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorPathEscape, ToolName: t.Name(), Cause: err}
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorIO, ToolName: t.Name(), Cause: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	payload, _ := json.Marshal(map[string]any{"entries": names})
	return okResult("", string(payload)), nil
}

// --- shell ---

// ShellResult is the JSON body returned by the shell tool.
type ShellResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ShellTool runs an allowlisted command with cwd pinned to the workspace
// root, shelling out via "/bin/sh -c" with a capped output buffer.
type ShellTool struct {
	Sandbox    *Sandbox
	Timeout    time.Duration
	OutputCap  int
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Run a shell command in the workspace (allowlisted binaries only)." }
func (t *ShellTool) Schema() json.RawMessage { return ShellSchema() }

// ShellSchema is the shared "shell" tool schema, exported so a container-
// backed replacement tool can present the identical call contract.
func ShellSchema() json.RawMessage {
	return schema(map[string]any{
		"command":         map[string]any{"type": "string", "description": "Shell command to execute."},
		"timeout_seconds": map[string]any{"type": "integer", "description": "Timeout in seconds (0 = default).", "minimum": 0},
	}, "command")
}

func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
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
	if err := t.Sandbox.CheckCommand(command); err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorPermission, ToolName: t.Name(), Cause: err}
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

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = t.Sandbox.WorkspaceRoot

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if runCtx.Err() != nil {
		// Cancellation/deadline: propagate, never catch.
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

	outCombined, truncatedOut := truncate(stdout.String(), t.OutputCap)
	errCombined, truncatedErr := truncate(stderr.String(), t.OutputCap)
	result := ShellResult{
		Stdout:    outCombined,
		Stderr:    errCombined,
		ExitCode:  exitCode,
		Truncated: truncatedOut || truncatedErr,
	}
	payload, _ := json.Marshal(result)
	return okResult("", string(payload)), nil
}

// --- run_tests ---

// RunTestsTool auto-detects and runs the workspace's test framework.
type RunTestsTool struct {
	Sandbox *Sandbox
	Timeout time.Duration
}

func (t *RunTestsTool) Name() string        { return "run_tests" }
func (t *RunTestsTool) Description() string { return "Run the workspace's test suite, auto-detecting the framework." }
func (t *RunTestsTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"path_hint": map[string]any{"type": "string", "description": "Optional subpath hint for which test target to run."},
	})
}

type runTestsResult struct {
	Passed      bool   `json:"passed"`
	FailedCount int    `json:"failed_count"`
	ErrorCount  int    `json:"error_count"`
	Summary     string `json:"summary"`
	Framework   string `json:"framework"`
}

func (t *RunTestsTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
	framework, command := detectTestFramework(t.Sandbox.WorkspaceRoot)
	if framework == "" {
		payload, _ := json.Marshal(runTestsResult{Passed: false, Summary: "no recognizable test framework found", Framework: "none"})
		return okResult("", string(payload)), nil
	}

	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = t.Sandbox.WorkspaceRoot
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()
	if runCtx.Err() != nil {
		return nil, runCtx.Err()
	}

	passed := runErr == nil
	failedCount := 0
	if !passed {
		failedCount = 1
	}
	summary, _ := truncate(out.String(), 4000)
	payload, _ := json.Marshal(runTestsResult{
		Passed:      passed,
		FailedCount: failedCount,
		Summary:     summary,
		Framework:   framework,
	})
	return okResult("", string(payload)), nil
}

func detectTestFramework(root string) (framework, command string) {
	if _, err := os.Stat(filepath.Join(root, "pytest.ini")); err == nil {
		return "pytest", "pytest -q"
	}
	if _, err := os.Stat(filepath.Join(root, "Cargo.toml")); err == nil {
		return "cargo", "cargo test"
	}
	if _, err := os.Stat(filepath.Join(root, "package.json")); err == nil {
		return "npm", "npm test --silent"
	}
	if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
		return "go", "go test ./..."
	}
	// Fall back to pytest if any *_test.py/test_*.py exists.
	matches, _ := filepath.Glob(filepath.Join(root, "test_*.py"))
	if len(matches) == 0 {
		matches, _ = filepath.Glob(filepath.Join(root, "*_test.py"))
	}
	if len(matches) > 0 {
		return "pytest", "pytest -q"
	}
	return "", ""
}

// --- web_search / fetch_url ---

// NetworkTool gates web_search/fetch_url behind the task's NetworkAllowed
// flag.
type NetworkTool struct {
	ToolName       string
	NetworkAllowed bool
	Fetch          func(ctx context.Context, query string) (string, error)
}

func (t *NetworkTool) Name() string { return t.ToolName }
func (t *NetworkTool) Description() string {
	if t.ToolName == "fetch_url" {
		return "Fetch the contents of a URL (requires network access)."
	}
	return "Search the web for a query (requires network access)."
}
func (t *NetworkTool) Schema() json.RawMessage {
	key := "query"
	if t.ToolName == "fetch_url" {
		key = "url"
	}
	return schema(map[string]any{
		key: map[string]any{"type": "string"},
	}, key)
}

func (t *NetworkTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
	if !t.NetworkAllowed {
		payload, _ := json.Marshal(map[string]string{"error": "network disabled"})
		return okResult("", string(payload)), nil
	}
	var in map[string]string
	_ = json.Unmarshal(args, &in)
	query := in["query"]
	if query == "" {
		query = in["url"]
	}
	if t.Fetch == nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorNetwork, ToolName: t.Name(), Cause: fmt.Errorf("no network backend configured")}
	}
	result, err := t.Fetch(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errs.ToolError{Type: errs.ToolErrorNetwork, ToolName: t.Name(), Cause: err}
	}
	payload, _ := json.Marshal(map[string]string{"result": result})
	return okResult("", string(payload)), nil
}

// --- cross_run_search ---

// Searcher is the minimal run-index contract the cross_run_search tool
// depends on, implemented by internal/runindex.Index.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]runtypes.RunIndexEntry, error)
}

// CrossRunSearchTool queries the cross-run semantic/keyword index.
type CrossRunSearchTool struct{ Index Searcher }

func (t *CrossRunSearchTool) Name() string        { return "cross_run_search" }
func (t *CrossRunSearchTool) Description() string { return "Search summaries of previous runs." }
func (t *CrossRunSearchTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"query":  map[string]any{"type": "string"},
		"top_k":  map[string]any{"type": "integer", "minimum": 1},
	}, "query")
}

func (t *CrossRunSearchTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
	var in struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &errs.ToolError{Type: errs.ToolErrorArgs, ToolName: t.Name(), Cause: err}
	}
	if in.TopK <= 0 {
		in.TopK = 5
	}
	entries, err := t.Index.Search(ctx, in.Query, in.TopK)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errs.ToolError{Type: errs.ToolErrorIO, ToolName: t.Name(), Cause: err}
	}
	payload, _ := json.Marshal(entries)
	return okResult("", string(payload)), nil
}
