// Package tools implements the capability-gated tool registry and the
// sandbox that every file- and shell-tool argument passes through before
// touching the filesystem. Absolute paths are always rejected rather than
// silently accepted.
package tools

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ausmarton/agentforge/internal/errs"
)

// Sandbox resolves workspace-relative paths and validates shell commands
// against an allowlist, both scoped to one run's workspace directory.
type Sandbox struct {
	WorkspaceRoot   string
	AllowedCommands map[string]bool
}

// NewSandbox builds a Sandbox rooted at workspaceRoot with the given
// command allowlist (case-sensitive first tokens, e.g. "python", "git").
func NewSandbox(workspaceRoot string, allowedCommands []string) *Sandbox {
	allow := make(map[string]bool, len(allowedCommands))
	for _, c := range allowedCommands {
		allow[c] = true
	}
	return &Sandbox{WorkspaceRoot: workspaceRoot, AllowedCommands: allow}
}

// ResolvePath validates a tool-supplied path argument: absolute paths are
// rejected outright, then the path is joined with the workspace root,
// canonicalised, and asserted to stay under the root.
//
// allowEmpty permits "" / "." to resolve to the workspace root itself
// (used by list_files, which may list the root) while write-style tools
// pass allowEmpty=false since a write requires a non-empty relative path.
func (s *Sandbox) ResolvePath(tool, path string, allowEmpty bool) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		if allowEmpty {
			clean = "."
		} else {
			return "", &errs.PathEscapeError{Tool: tool, Path: path, Msg: "path is required"}
		}
	}
	if filepath.IsAbs(clean) {
		return "", &errs.PathEscapeError{Tool: tool, Path: path, Msg: "must be a relative path; use a relative path instead of an absolute one"}
	}

	rootAbs, err := filepath.Abs(s.WorkspaceRoot)
	if err != nil {
		return "", &errs.PathEscapeError{Tool: tool, Path: path, Msg: "workspace root is invalid"}
	}
	target := filepath.Join(rootAbs, clean)
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", &errs.PathEscapeError{Tool: tool, Path: path, Msg: "could not canonicalise"}
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", &errs.PathEscapeError{Tool: tool, Path: path, Msg: "escapes the sandboxed workspace"}
	}
	return targetAbs, nil
}

// CheckCommand validates that a shell command's first whitespace-delimited
// token is on the allowlist. Arguments are not constrained; the allowlist
// governs the command, not its arguments.
func (s *Sandbox) CheckCommand(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return &errs.CommandDeniedError{Command: command}
	}
	bin := filepath.Base(fields[0])
	if !s.AllowedCommands[bin] {
		return &errs.CommandDeniedError{Command: command}
	}
	return nil
}
