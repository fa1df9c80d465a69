package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/ausmarton/agentforge/internal/errs"
	"github.com/ausmarton/agentforge/internal/llm"
	"github.com/ausmarton/agentforge/internal/tools"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// scriptedChatClient replays one ChatResponse per call, in order.
type scriptedChatClient struct {
	responses []*llm.ChatResponse
	call      int
}

func (c *scriptedChatClient) Name() string { return "scripted" }
func (c *scriptedChatClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if c.call >= len(c.responses) {
		return &llm.ChatResponse{Content: "nothing left to say"}, nil
	}
	resp := c.responses[c.call]
	c.call++
	return resp, nil
}

// echoTool is a minimal tools.Tool used to exercise the dispatch path.
type echoTool struct{ fail bool }

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes input" }
func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (t *echoTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
	if t.fail {
		return nil, &errs.ToolError{Type: errs.ToolErrorIO, ToolName: "echo", Cause: fmt.Errorf("boom")}
	}
	return &runtypes.ToolResult{Content: string(args)}, nil
}

type fakePack struct {
	id       string
	required []string
	toolList []tools.Tool
	validate func(ctx context.Context, payload json.RawMessage) error
}

func (p *fakePack) ID() string                     { return p.id }
func (p *fakePack) SystemPrompt() string           { return "do the thing" }
func (p *fakePack) Tools() []tools.Tool            { return p.toolList }
func (p *fakePack) RequiredFinishFields() []string { return p.required }
func (p *fakePack) ValidateFinish(ctx context.Context, payload json.RawMessage) error {
	if p.validate != nil {
		return p.validate(ctx, payload)
	}
	return nil
}
func (p *fakePack) Open(ctx context.Context) error { return nil }
func (p *fakePack) Close() error                   { return nil }

func toolCallResponse(name, input string) *llm.ChatResponse {
	return &llm.ChatResponse{ToolCalls: []runtypes.ToolCall{{ID: "1", Name: name, Input: json.RawMessage(input)}}}
}

func baseConfig() Config {
	return Config{MaxSteps: 10, LLMResponseLogCap: 500, MaxCorrectiveReprompts: 1}
}

func TestLoopAcceptsFinishAfterToolUse(t *testing.T) {
	chat := &scriptedChatClient{responses: []*llm.ChatResponse{
		toolCallResponse("echo", `{"x":1}`),
		toolCallResponse("finish_task", `{"summary":"done","notes":"ok"}`),
	}}
	pack := &fakePack{id: "p", required: []string{"notes"}, toolList: []tools.Tool{&echoTool{}}}
	loop := New(chat, baseConfig())

	result, err := loop.Run(context.Background(), pack, "p", "go do it", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Steps != 2 {
		t.Fatalf("expected 2 steps, got %d", result.Steps)
	}
	var payload map[string]string
	if err := json.Unmarshal(result.FinishPayload, &payload); err != nil {
		t.Fatalf("finish payload not valid JSON: %v", err)
	}
	if payload["notes"] != "ok" {
		t.Fatalf("expected finish payload to round-trip, got %v", payload)
	}
}

func TestLoopRejectsPrematureFinish(t *testing.T) {
	chat := &scriptedChatClient{responses: []*llm.ChatResponse{
		toolCallResponse("finish_task", `{"summary":"done"}`),
		toolCallResponse("echo", `{"x":1}`),
		toolCallResponse("finish_task", `{"summary":"done"}`),
	}}
	pack := &fakePack{id: "p", toolList: []tools.Tool{&echoTool{}}}
	loop := New(chat, baseConfig())

	result, err := loop.Run(context.Background(), pack, "p", "go do it", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Steps != 3 {
		t.Fatalf("expected the premature finish to be rejected and retried, got %d steps", result.Steps)
	}
}

func TestLoopRejectsMissingRequiredFields(t *testing.T) {
	chat := &scriptedChatClient{responses: []*llm.ChatResponse{
		toolCallResponse("echo", `{"x":1}`),
		toolCallResponse("finish_task", `{"summary":"done"}`),
		toolCallResponse("finish_task", `{"summary":"done","tests_verified":"true"}`),
	}}
	pack := &fakePack{id: "p", required: []string{"tests_verified"}, toolList: []tools.Tool{&echoTool{}}}
	loop := New(chat, baseConfig())

	result, err := loop.Run(context.Background(), pack, "p", "go do it", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Steps != 3 {
		t.Fatalf("expected the missing-field finish to be rejected and retried, got %d steps", result.Steps)
	}
}

func TestLoopRejectsOnValidateFinish(t *testing.T) {
	chat := &scriptedChatClient{responses: []*llm.ChatResponse{
		toolCallResponse("echo", `{"x":1}`),
		toolCallResponse("finish_task", `{"summary":"done"}`),
		toolCallResponse("finish_task", `{"summary":"done really"}`),
	}}
	calls := 0
	pack := &fakePack{
		id:       "p",
		toolList: []tools.Tool{&echoTool{}},
		validate: func(ctx context.Context, payload json.RawMessage) error {
			calls++
			if calls < 2 {
				return fmt.Errorf("not convincing enough")
			}
			return nil
		},
	}
	loop := New(chat, baseConfig())

	result, err := loop.Run(context.Background(), pack, "p", "go do it", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Steps != 3 {
		t.Fatalf("expected ValidateFinish rejection to force a retry, got %d steps", result.Steps)
	}
}

func TestLoopFallsBackToTextAfterExhaustingReprompts(t *testing.T) {
	chat := &scriptedChatClient{responses: []*llm.ChatResponse{
		{Content: "thinking out loud"},
		{Content: "still just talking"},
		{Content: "here is my final answer"},
	}}
	pack := &fakePack{id: "p"}
	cfg := baseConfig()
	cfg.MaxCorrectiveReprompts = 2
	loop := New(chat, cfg)

	result, err := loop.Run(context.Background(), pack, "p", "go do it", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Fallback {
		t.Fatal("expected a fallback result once reprompts are exhausted")
	}
	var payload map[string]string
	if err := json.Unmarshal(result.FinishPayload, &payload); err != nil {
		t.Fatalf("fallback payload not valid JSON: %v", err)
	}
	if payload["summary"] != "here is my final answer" {
		t.Fatalf("expected the final text response to become the summary, got %v", payload)
	}
}

func TestLoopSurfacesToolExecutionErrorsWithoutAborting(t *testing.T) {
	chat := &scriptedChatClient{responses: []*llm.ChatResponse{
		toolCallResponse("echo", `{"x":1}`),
		toolCallResponse("finish_task", `{"summary":"done"}`),
	}}
	pack := &fakePack{id: "p", toolList: []tools.Tool{&echoTool{fail: true}}}
	loop := New(chat, baseConfig())

	result, err := loop.Run(context.Background(), pack, "p", "go do it", nil)
	if err != nil {
		t.Fatalf("a failing tool call must not abort the loop: %v", err)
	}
	if result.Steps != 2 {
		t.Fatalf("expected 2 steps, got %d", result.Steps)
	}
}

func TestLoopProducesTerminalPayloadWhenBudgetExhausted(t *testing.T) {
	chat := &scriptedChatClient{responses: []*llm.ChatResponse{
		toolCallResponse("echo", `{"x":1}`),
		toolCallResponse("echo", `{"x":2}`),
	}}
	pack := &fakePack{id: "p", toolList: []tools.Tool{&echoTool{}}}
	cfg := baseConfig()
	cfg.MaxSteps = 2
	loop := New(chat, cfg)

	result, err := loop.Run(context.Background(), pack, "p", "go do it", nil)
	if err != nil {
		t.Fatalf("hitting the step budget must not abort the run: %v", err)
	}
	if !result.MaxStepsExceeded {
		t.Fatal("expected MaxStepsExceeded to be set")
	}
	if !strings.Contains(string(result.FinishPayload), "step budget exceeded") {
		t.Fatalf("expected a step-budget-exceeded terminal payload, got %s", result.FinishPayload)
	}
}

func TestLoopPropagatesContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chat := &scriptedChatClient{responses: []*llm.ChatResponse{toolCallResponse("echo", `{}`)}}
	pack := &fakePack{id: "p", toolList: []tools.Tool{&echoTool{}}}
	loop := New(chat, baseConfig())

	_, err := loop.Run(ctx, pack, "p", "go do it", nil)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
