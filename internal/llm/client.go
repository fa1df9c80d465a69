// Package llm adapts third-party chat completion SDKs to the single
// non-streaming contract the tool loop drives, plus a fallback wrapper
// that escalates from a local model to a cloud one under policy.
package llm

import (
	"context"
	"encoding/json"

	"github.com/ausmarton/agentforge/internal/tools"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// ChatClient is the non-streaming chat completion contract every
// provider adapter satisfies. The tool loop never talks to a provider
// SDK directly.
type ChatClient interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ChatRequest is one turn of a tool-calling conversation.
type ChatRequest struct {
	System      string
	Messages    []runtypes.Message
	Tools       []tools.Tool
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// ChatResponse is the model's reply: free text, tool calls, or both (a
// model may narrate before calling a tool).
type ChatResponse struct {
	Content   string
	ToolCalls []runtypes.ToolCall
}

// HasToolCalls reports whether the model asked to invoke anything.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// rawArgsFallback wraps an unparseable tool-call argument string so the
// tool loop still has something to hand the tool (which will itself
// fail cleanly on the malformed JSON) rather than dropping the call.
func rawArgsFallback(raw string) json.RawMessage {
	payload, err := json.Marshal(map[string]string{"_raw": raw})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return payload
}
