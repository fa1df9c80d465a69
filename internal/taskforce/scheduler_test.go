package taskforce

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/ausmarton/agentforge/internal/checkpoint"
	"github.com/ausmarton/agentforge/internal/config"
	"github.com/ausmarton/agentforge/internal/llm"
	"github.com/ausmarton/agentforge/internal/specialist"
	"github.com/ausmarton/agentforge/internal/toolloop"
	"github.com/ausmarton/agentforge/internal/tools"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// scriptedChat replays one response per call, keyed by nothing in
// particular: tests give it exactly as many responses as the loop will
// request, in order.
type scriptedChat struct {
	responses []*llm.ChatResponse
	call      int
}

func (c *scriptedChat) Name() string { return "scripted" }
func (c *scriptedChat) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if c.call >= len(c.responses) {
		return &llm.ChatResponse{Content: "nothing left"}, nil
	}
	r := c.responses[c.call]
	c.call++
	return r, nil
}

// failingChat always errors, used to exercise a specialist abort.
type failingChat struct{ err error }

func (c *failingChat) Name() string { return "failing" }
func (c *failingChat) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, c.err
}

func finishResponse(summary, extra string) *llm.ChatResponse {
	payload := fmt.Sprintf(`{"summary":%q,"notes":%q}`, summary, extra)
	return &llm.ChatResponse{ToolCalls: []runtypes.ToolCall{{ID: "1", Name: "finish_task", Input: json.RawMessage(payload)}}}
}

func toolCall(name, input string) *llm.ChatResponse {
	return &llm.ChatResponse{ToolCalls: []runtypes.ToolCall{{ID: "0", Name: name, Input: json.RawMessage(input)}}}
}

type noopTool struct{}

func (noopTool) Name() string                    { return "noop" }
func (noopTool) Description() string             { return "does nothing" }
func (noopTool) Schema() json.RawMessage         { return json.RawMessage(`{"type":"object"}`) }
func (noopTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
	return &runtypes.ToolResult{Content: "ok"}, nil
}

// newTestRegistry builds a registry with one builder per given chat
// client, each pack requiring "notes" and running noopTool once before
// finishing (so the premature-finish gate is never the thing under
// test here).
func newTestRegistry(t *testing.T, chats map[string]llm.ChatClient) *specialist.Registry {
	t.Helper()
	specs := map[string]config.SpecialistConfig{}
	var order []string
	for id := range chats {
		specs[id] = config.SpecialistConfig{Builder: id, RequiredFinishFields: []string{"notes"}}
		order = append(order, id)
	}
	cfg := &config.Config{Specialists: specs, SpecialistOrder: order}
	reg := specialist.NewRegistry(cfg, nil)
	for id := range chats {
		id := id
		reg.RegisterBuilder(id, func(sc config.SpecialistConfig) (specialist.Pack, error) {
			return &specialist.Base{
				IDValue:      id,
				Prompt:       id,
				ToolList:     []tools.Tool{noopTool{}},
				RequiredKeys: sc.RequiredFinishFields,
			}, nil
		})
	}
	return reg
}

func baseLoopConfig() toolloop.Config {
	return toolloop.Config{MaxSteps: 10, LLMResponseLogCap: 500, MaxCorrectiveReprompts: 1}
}

func TestSequentialRunPassesPreviousPayloadAsContext(t *testing.T) {
	var capturedBrief string
	engChat := &capturingChat{
		inner: &scriptedChat{responses: []*llm.ChatResponse{
			toolCall("noop", `{}`),
			finishResponse("engineering done", "e"),
		}},
	}
	resChat := &capturingChat{
		capture: &capturedBrief,
		inner: &scriptedChat{responses: []*llm.ChatResponse{
			toolCall("noop", `{}`),
			finishResponse("research done", "r"),
		}},
	}

	reg := newTestRegistry(t, map[string]llm.ChatClient{"engineering": engChat, "research": resChat})
	loop := toolloop.New(routingChat{byID: map[string]llm.ChatClient{"engineering": engChat, "research": resChat}}, baseLoopConfig())
	sched := New(loop, reg, nil)

	plan := &runtypes.OrchestrationPlan{
		Mode: runtypes.ModeSequential,
		Briefs: []runtypes.SpecialistBrief{
			{SpecialistID: "engineering", Brief: "build it"},
			{SpecialistID: "research", Brief: "write it up"},
		},
	}

	out, err := sched.Run(context.Background(), runtypes.Task{Prompt: "do the whole thing"}, plan, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.PerSpecialist) != 2 {
		t.Fatalf("expected 2 specialist payloads, got %d", len(out.PerSpecialist))
	}
	if capturedBrief == "" || !strings.Contains(capturedBrief, "engineering done") {
		t.Fatalf("expected research's brief to carry engineering's finish payload, got %q", capturedBrief)
	}
}

func TestSequentialRunAbortsOnSpecialistFailure(t *testing.T) {
	engChat := &failingChat{err: fmt.Errorf("transport down")}
	resChat := &scriptedChat{responses: []*llm.ChatResponse{finishResponse("should not run", "x")}}

	reg := newTestRegistry(t, map[string]llm.ChatClient{"engineering": engChat, "research": resChat})
	loop := toolloop.New(routingChat{byID: map[string]llm.ChatClient{"engineering": engChat, "research": resChat}}, baseLoopConfig())
	sched := New(loop, reg, nil)

	plan := &runtypes.OrchestrationPlan{
		Mode: runtypes.ModeSequential,
		Briefs: []runtypes.SpecialistBrief{
			{SpecialistID: "engineering", Brief: "build it"},
			{SpecialistID: "research", Brief: "write it up"},
		},
	}

	_, err := sched.Run(context.Background(), runtypes.Task{Prompt: "x"}, plan, nil, nil, nil)
	if err == nil {
		t.Fatal("expected the first specialist's failure to abort the run")
	}
}

func TestParallelRunIsolatesFailures(t *testing.T) {
	engChat := &scriptedChat{responses: []*llm.ChatResponse{toolCall("noop", `{}`), finishResponse("built", "e")}}
	resChat := &failingChat{err: fmt.Errorf("transport down")}

	reg := newTestRegistry(t, map[string]llm.ChatClient{"engineering": engChat, "research": resChat})
	loop := toolloop.New(routingChat{byID: map[string]llm.ChatClient{"engineering": engChat, "research": resChat}}, baseLoopConfig())
	sched := New(loop, reg, nil)

	plan := &runtypes.OrchestrationPlan{
		Mode:              runtypes.ModeParallel,
		SynthesisRequired: true,
		Briefs: []runtypes.SpecialistBrief{
			{SpecialistID: "engineering", Brief: "build it"},
			{SpecialistID: "research", Brief: "write it up"},
		},
	}

	out, err := sched.Run(context.Background(), runtypes.Task{Prompt: "x"}, plan, nil, nil, nil)
	if err != nil {
		t.Fatalf("a per-specialist failure must not abort the whole task force: %v", err)
	}
	if len(out.PerSpecialist) != 1 {
		t.Fatalf("expected the surviving specialist's payload, got %d entries", len(out.PerSpecialist))
	}
	if len(out.Errors) != 1 || out.Errors[0].Specialist != "research" {
		t.Fatalf("expected research's failure under Errors, got %+v", out.Errors)
	}
	// Synthesis is skipped when any specialist failed.
	if out.Summary != "" {
		t.Fatalf("expected no synthesis when a specialist failed, got %q", out.Summary)
	}
}

func TestResumeSkipsCompletedSpecialists(t *testing.T) {
	resChat := &scriptedChat{responses: []*llm.ChatResponse{toolCall("noop", `{}`), finishResponse("research done", "r")}}
	reg := newTestRegistry(t, map[string]llm.ChatClient{"research": resChat})
	loop := toolloop.New(routingChat{byID: map[string]llm.ChatClient{"research": resChat}}, baseLoopConfig())
	sched := New(loop, reg, nil)

	var events []runtypes.EventKind
	rec := recorderFunc(func(kind runtypes.EventKind, step string, payload any) error {
		events = append(events, kind)
		return nil
	})

	plan := &runtypes.OrchestrationPlan{
		Mode: runtypes.ModeSequential,
		Briefs: []runtypes.SpecialistBrief{
			{SpecialistID: "engineering", Brief: "build it"},
			{SpecialistID: "research", Brief: "write it up"},
		},
	}
	cp := &runtypes.Checkpoint{CompletedSpecialistIDs: []string{"engineering"}, LastFinishPayload: json.RawMessage(`{"summary":"engineering done"}`)}

	out, err := sched.Run(context.Background(), runtypes.Task{Prompt: "x"}, plan, cp, nil, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := out.PerSpecialist["research"]; !ok {
		t.Fatal("expected research to run and produce a payload")
	}
	for _, k := range events {
		if k == runtypes.EventPackStart {
			// only one pack_start should ever appear: research's.
		}
	}
	count := 0
	for _, k := range events {
		if k == runtypes.EventPackStart {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one pack_start (for the pending specialist), got %d", count)
	}
}

func TestCheckpointMarksEachSequentialSpecialistDone(t *testing.T) {
	engChat := &scriptedChat{responses: []*llm.ChatResponse{toolCall("noop", `{}`), finishResponse("built", "e")}}
	reg := newTestRegistry(t, map[string]llm.ChatClient{"engineering": engChat})
	loop := toolloop.New(routingChat{byID: map[string]llm.ChatClient{"engineering": engChat}}, baseLoopConfig())
	sched := New(loop, reg, nil)

	dir := t.TempDir()
	store := checkpoint.NewStore(dir)
	cp := &runtypes.Checkpoint{RunID: "r1"}

	plan := &runtypes.OrchestrationPlan{
		Mode:   runtypes.ModeSequential,
		Briefs: []runtypes.SpecialistBrief{{SpecialistID: "engineering", Brief: "build it"}},
	}

	_, err := sched.Run(context.Background(), runtypes.Task{Prompt: "x"}, plan, cp, store, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if loaded == nil || len(loaded.CompletedSpecialistIDs) != 1 || loaded.CompletedSpecialistIDs[0] != "engineering" {
		t.Fatalf("expected engineering marked done on disk, got %+v", loaded)
	}
}

// --- test helpers ---

type recorderFunc func(kind runtypes.EventKind, step string, payload any) error

func (f recorderFunc) AppendEvent(kind runtypes.EventKind, step string, payload any) error {
	return f(kind, step, payload)
}

// capturingChat records the last user message it was asked to answer,
// so a sequential-mode test can assert the handoff context was built
// correctly, then delegates to inner.
type capturingChat struct {
	inner   llm.ChatClient
	capture *string
}

func (c *capturingChat) Name() string { return "capturing" }
func (c *capturingChat) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	// messages[0] is always the brief the scheduler seeded this
	// specialist with; later turns only append, they never touch it.
	if c.capture != nil && len(req.Messages) > 0 {
		*c.capture = req.Messages[0].Content
	}
	return c.inner.Chat(ctx, req)
}

// routingChat is the single llm.ChatClient the toolloop.Loop is built
// with, matching the real Scheduler which holds exactly one Loop (and
// therefore one ChatClient) for every specialist it runs. newTestRegistry
// sets each test pack's system prompt to its own specialist id, so this
// fake routes each request to the right underlying fake by req.System
// instead of guessing from call order.
type routingChat struct {
	byID map[string]llm.ChatClient
}

func (d routingChat) Name() string { return "routing" }
func (d routingChat) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	c, ok := d.byID[req.System]
	if !ok {
		return &llm.ChatResponse{Content: "no client registered for " + req.System}, nil
	}
	return c.Chat(ctx, req)
}
