package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ausmarton/agentforge/internal/config"
	"github.com/ausmarton/agentforge/internal/llm"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

type stubChat struct {
	resp *llm.ChatResponse
	err  error
}

func (s *stubChat) Name() string { return "stub" }
func (s *stubChat) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return s.resp, s.err
}

type recordingRecorder struct {
	kinds []runtypes.EventKind
}

func (r *recordingRecorder) AppendEvent(kind runtypes.EventKind, step string, payload any) error {
	r.kinds = append(r.kinds, kind)
	return nil
}

func testRegistryFuncs() (ids func() []string, caps func(string) []string, kws func(string) []string) {
	capabilities := map[string][]string{
		"research":    {"web_search", "summarization"},
		"engineering": {"code_write", "code_review"},
	}
	keywords := map[string][]string{
		"research":    {"research", "investigate"},
		"engineering": {"build", "implement", "code"},
	}
	order := []string{"research", "engineering"}
	return func() []string { return order },
		func(id string) []string { return capabilities[id] },
		func(id string) []string { return keywords[id] }
}

func newTestPlanner(chat llm.ChatClient) *Planner {
	ids, caps, kws := testRegistryFuncs()
	return &Planner{
		chat:         chat,
		ids:          ids,
		capabilities: caps,
		keywords:     kws,
		keywordMap: map[string][]string{
			"postgres": {"code_write"},
		},
	}
}

func toolCallResponse(name string, input any) *llm.ChatResponse {
	raw, _ := json.Marshal(input)
	return &llm.ChatResponse{
		ToolCalls: []runtypes.ToolCall{{ID: "tc_1", Name: name, Input: raw}},
	}
}

func TestPlanUsesLLMPlanWhenValid(t *testing.T) {
	resp := toolCallResponse(createPlanToolName, map[string]any{
		"mode": "sequential",
		"specialists": []map[string]string{
			{"specialist_id": "research", "brief": "look into the billing issue"},
		},
		"reasoning": "only research is needed",
	})
	p := newTestPlanner(&stubChat{resp: resp})
	rec := &recordingRecorder{}

	plan, err := p.Plan(context.Background(), runtypes.Task{Prompt: "investigate the billing issue"}, rec)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Briefs) != 1 || plan.Briefs[0].SpecialistID != "research" {
		t.Fatalf("expected the LLM's plan to be used, got %+v", plan)
	}
	if len(rec.kinds) != 1 || rec.kinds[0] != runtypes.EventOrchestrationPlan {
		t.Fatalf("expected exactly one orchestration_plan event, got %v", rec.kinds)
	}
}

func TestPlanFiltersUnknownSpecialistIDs(t *testing.T) {
	resp := toolCallResponse(createPlanToolName, map[string]any{
		"mode": "sequential",
		"specialists": []map[string]string{
			{"specialist_id": "research", "brief": "look into it"},
			{"specialist_id": "ghost", "brief": "do something unknown"},
		},
	})
	p := newTestPlanner(&stubChat{resp: resp})

	plan, err := p.Plan(context.Background(), runtypes.Task{Prompt: "investigate it"}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Briefs) != 1 || plan.Briefs[0].SpecialistID != "research" {
		t.Fatalf("expected the unknown specialist id to be filtered out, got %+v", plan.Briefs)
	}
}

func TestPlanFallsBackToKeywordsWhenLLMReturnsNoToolCall(t *testing.T) {
	p := newTestPlanner(&stubChat{resp: &llm.ChatResponse{Content: "I'm not sure what to do."}})

	plan, err := p.Plan(context.Background(), runtypes.Task{Prompt: "please implement the new feature"}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Briefs) != 1 || plan.Briefs[0].SpecialistID != "engineering" {
		t.Fatalf("expected keyword fallback to route to engineering, got %+v", plan.Briefs)
	}
	if plan.Reasoning == "" {
		t.Fatal("expected the fallback path to record its reasoning")
	}
}

func TestPlanFallsBackWhenChatErrors(t *testing.T) {
	p := newTestPlanner(&stubChat{err: context.DeadlineExceeded})

	plan, err := p.Plan(context.Background(), runtypes.Task{Prompt: "investigate and build a fix"}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Briefs) == 0 {
		t.Fatal("expected a non-empty fallback plan despite the chat error")
	}
}

func TestPlanKeywordFallbackCoversCapabilitiesAcrossSpecialists(t *testing.T) {
	p := newTestPlanner(&stubChat{resp: &llm.ChatResponse{}})

	plan, err := p.Plan(context.Background(), runtypes.Task{Prompt: "migrate the service to postgres"}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	found := false
	for _, b := range plan.Briefs {
		if b.SpecialistID == "engineering" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the postgres keyword to route via capability map to engineering, got %+v", plan.Briefs)
	}
}

func TestPlanForcesSynthesisWhenMultipleSpecialistsChosen(t *testing.T) {
	resp := toolCallResponse(createPlanToolName, map[string]any{
		"mode": "parallel",
		"specialists": []map[string]string{
			{"specialist_id": "research", "brief": "research it"},
			{"specialist_id": "engineering", "brief": "build it"},
		},
		"synthesis_required": false,
	})
	p := newTestPlanner(&stubChat{resp: resp})

	plan, err := p.Plan(context.Background(), runtypes.Task{Prompt: "research and build a fix"}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.SynthesisRequired {
		t.Fatal("expected synthesis to be forced on when two or more specialists are selected")
	}
	if plan.Mode != runtypes.ModeParallel {
		t.Fatalf("expected parallel mode to be preserved, got %s", plan.Mode)
	}
}

func TestPlanClampsUnknownModeToSequential(t *testing.T) {
	resp := toolCallResponse(createPlanToolName, map[string]any{
		"mode": "whenever",
		"specialists": []map[string]string{
			{"specialist_id": "research", "brief": "research it"},
		},
	})
	p := newTestPlanner(&stubChat{resp: resp})

	plan, err := p.Plan(context.Background(), runtypes.Task{Prompt: "research it"}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Mode != runtypes.ModeSequential {
		t.Fatalf("expected an unrecognized mode to clamp to sequential, got %s", plan.Mode)
	}
}

func TestNewPlannerWiresRegistryAndConfig(t *testing.T) {
	cfg := config.Default()
	p := NewPlanner(&stubChat{resp: &llm.ChatResponse{}}, nil, cfg)
	if p.keywordMap == nil {
		t.Fatal("expected NewPlanner to wire the config's keyword capability map")
	}
}
