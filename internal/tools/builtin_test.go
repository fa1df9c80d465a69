package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	sb := NewSandbox(t.TempDir(), nil)
	w := &WriteFileTool{Sandbox: sb}
	r := &ReadFileTool{Sandbox: sb}

	writeArgs, _ := json.Marshal(map[string]string{"path": "hello.txt", "content": "Hello"})
	_, err := w.Execute(context.Background(), writeArgs)
	require.NoError(t, err)

	readArgs, _ := json.Marshal(map[string]string{"path": "hello.txt"})
	result, err := r.Execute(context.Background(), readArgs)
	require.NoError(t, err)

	var decoded struct{ Content string `json:"content"` }
	require.NoError(t, json.Unmarshal([]byte(result.Content), &decoded))
	require.Equal(t, "Hello", decoded.Content)
}

func TestWriteFile_RejectsPathEscape(t *testing.T) {
	sb := NewSandbox(t.TempDir(), nil)
	w := &WriteFileTool{Sandbox: sb}
	args, _ := json.Marshal(map[string]string{"path": "/etc/passwd", "content": "x"})
	_, err := w.Execute(context.Background(), args)
	require.Error(t, err)
}

func TestShellTool_AllowlistedCommandRuns(t *testing.T) {
	sb := NewSandbox(t.TempDir(), []string{"echo"})
	shell := &ShellTool{Sandbox: sb, OutputCap: 1 << 20}
	args, _ := json.Marshal(map[string]string{"command": "echo hi"})
	result, err := shell.Execute(context.Background(), args)
	require.NoError(t, err)
	var decoded ShellResult
	require.NoError(t, json.Unmarshal([]byte(result.Content), &decoded))
	require.Contains(t, decoded.Stdout, "hi")
	require.Equal(t, 0, decoded.ExitCode)
}

func TestShellTool_DeniedCommand(t *testing.T) {
	sb := NewSandbox(t.TempDir(), []string{"echo"})
	shell := &ShellTool{Sandbox: sb, OutputCap: 1 << 20}
	args, _ := json.Marshal(map[string]string{"command": "curl https://example.com"})
	_, err := shell.Execute(context.Background(), args)
	require.Error(t, err)
}

func TestNetworkTool_DisabledByDefault(t *testing.T) {
	tool := &NetworkTool{ToolName: "fetch_url", NetworkAllowed: false}
	args, _ := json.Marshal(map[string]string{"url": "https://example.com"})
	result, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.Contains(t, result.Content, "network disabled")
}
