// Package orchestrator turns one task into an OrchestrationPlan: which
// specialists run, in what order or in parallel, and whether a
// synthesis pass stitches their outputs together. The primary path
// asks the chat model to decompose the task via a synthetic
// create_plan tool call; a capability-keyword router takes over
// whenever that call is missing, malformed, or names no specialist the
// registry actually knows about.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ausmarton/agentforge/internal/config"
	"github.com/ausmarton/agentforge/internal/llm"
	"github.com/ausmarton/agentforge/internal/specialist"
	"github.com/ausmarton/agentforge/internal/tools"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// EventRecorder is the runlog append contract the planner needs.
type EventRecorder interface {
	AppendEvent(kind runtypes.EventKind, step string, payload any) error
}

const createPlanToolName = "create_plan"

// Planner decomposes a task into an OrchestrationPlan.
type Planner struct {
	chat         llm.ChatClient
	ids          func() []string
	capabilities func(id string) []string
	keywords     func(id string) []string
	keywordMap   map[string][]string
	model        string
}

// NewPlanner builds a Planner backed by reg for specialist lookup and
// cfg.Keywords for the fallback capability router.
func NewPlanner(chat llm.ChatClient, reg *specialist.Registry, cfg *config.Config) *Planner {
	return &Planner{
		chat:         chat,
		ids:          reg.IDs,
		capabilities: reg.Capabilities,
		keywords:     reg.Keywords,
		keywordMap:   cfg.Keywords.CapabilityMap,
	}
}

// Plan decomposes task, emitting exactly one EventOrchestrationPlan
// whether the LLM path or the fallback router produced it.
func (p *Planner) Plan(ctx context.Context, task runtypes.Task, rec EventRecorder) (*runtypes.OrchestrationPlan, error) {
	plan := p.planFromLLM(ctx, task)
	if plan == nil {
		var recruitment recruitmentInfo
		plan, recruitment = p.planFromKeywords(task)
		if rec != nil {
			_ = rec.AppendEvent(runtypes.EventRecruitment, "", map[string]any{
				"specialist_ids":        recruitment.specialistIDs,
				"required_capabilities": recruitment.requiredCapabilities,
				"routing_method":        recruitment.method,
			})
		}
	}
	p.normalize(plan)

	if rec != nil {
		_ = rec.AppendEvent(runtypes.EventOrchestrationPlan, "", plan)
	}
	return plan, nil
}

// recruitmentInfo captures how the fallback keyword router arrived at
// its specialist list, for the recruitment event that the LLM planning
// path doesn't need (its create_plan call already names the
// specialists directly).
type recruitmentInfo struct {
	specialistIDs        []string
	requiredCapabilities []string
	method               string
}

// planFromLLM asks the chat model to decompose the task via a synthetic
// create_plan tool call. It returns nil (never an error) on any
// failure mode that should fall through to the keyword router: a chat
// error, no tool call, malformed arguments, or zero recognized
// specialist ids.
func (p *Planner) planFromLLM(ctx context.Context, task runtypes.Task) *runtypes.OrchestrationPlan {
	if p.chat == nil {
		return nil
	}

	req := &llm.ChatRequest{
		System: p.plannerSystemPrompt(),
		Messages: []runtypes.Message{
			{Role: "user", Content: task.Prompt},
		},
		Tools: []tools.Tool{&createPlanTool{}},
		Model: p.model,
	}
	resp, err := p.chat.Chat(ctx, req)
	if err != nil {
		return nil
	}

	for _, tc := range resp.ToolCalls {
		if tc.Name != createPlanToolName {
			continue
		}
		var raw struct {
			Mode              string `json:"mode"`
			Specialists       []struct {
				SpecialistID string `json:"specialist_id"`
				Brief        string `json:"brief"`
			} `json:"specialists"`
			SynthesisRequired bool   `json:"synthesis_required"`
			Reasoning         string `json:"reasoning"`
		}
		if err := json.Unmarshal(tc.Input, &raw); err != nil {
			return nil
		}

		known := make(map[string]bool)
		for _, id := range p.ids() {
			known[id] = true
		}

		var briefs []runtypes.SpecialistBrief
		for _, s := range raw.Specialists {
			if known[s.SpecialistID] {
				briefs = append(briefs, runtypes.SpecialistBrief{SpecialistID: s.SpecialistID, Brief: s.Brief})
			}
		}
		if len(briefs) == 0 {
			return nil
		}

		return &runtypes.OrchestrationPlan{
			Mode:              runtypes.ExecutionMode(raw.Mode),
			Briefs:            briefs,
			SynthesisRequired: raw.SynthesisRequired,
			Reasoning:         raw.Reasoning,
		}
	}
	return nil
}

// planFromKeywords routes by lowercase substring matching the prompt
// against each specialist's configured keywords and the shared
// keyword->capability map, then greedily set-covers the capabilities
// the prompt appears to need. Ties are broken by declaration order.
func (p *Planner) planFromKeywords(task runtypes.Task) (*runtypes.OrchestrationPlan, recruitmentInfo) {
	prompt := strings.ToLower(task.Prompt)
	ids := p.ids()

	neededCaps := map[string]bool{}
	for kw, caps := range p.keywordMap {
		if strings.Contains(prompt, strings.ToLower(kw)) {
			for _, c := range caps {
				neededCaps[c] = true
			}
		}
	}

	type candidate struct {
		id    string
		score int
	}
	scoreByKeywordHits := func(id string) int {
		score := 0
		for _, kw := range p.keywords(id) {
			if kw != "" && strings.Contains(prompt, strings.ToLower(kw)) {
				score++
			}
		}
		return score
	}

	var chosen []string
	method := ""
	if len(neededCaps) > 0 {
		covered := map[string]bool{}
		remaining := append([]string{}, ids...)
		for len(neededCaps) > len(covered) {
			bestID := ""
			bestGain := 0
			for _, id := range remaining {
				gain := 0
				for _, c := range p.capabilities(id) {
					if neededCaps[c] && !covered[c] {
						gain++
					}
				}
				if gain > bestGain {
					bestGain = gain
					bestID = id
				}
			}
			if bestID == "" {
				break
			}
			chosen = append(chosen, bestID)
			for _, c := range p.capabilities(bestID) {
				if neededCaps[c] {
					covered[c] = true
				}
			}
			remaining = removeID(remaining, bestID)
		}
		if len(chosen) > 0 {
			method = "capability_cover"
		}
	}

	if len(chosen) == 0 {
		var candidates []candidate
		for _, id := range ids {
			if score := scoreByKeywordHits(id); score > 0 {
				candidates = append(candidates, candidate{id: id, score: score})
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
		for _, c := range candidates {
			chosen = append(chosen, c.id)
		}
		if len(chosen) > 0 {
			method = "keyword_score"
		}
	}

	if len(chosen) == 0 && len(ids) > 0 {
		chosen = []string{ids[0]}
		method = "default_first"
	}

	briefs := make([]runtypes.SpecialistBrief, 0, len(chosen))
	for _, id := range chosen {
		briefs = append(briefs, runtypes.SpecialistBrief{SpecialistID: id, Brief: task.Prompt})
	}

	requiredCaps := make([]string, 0, len(neededCaps))
	for c := range neededCaps {
		requiredCaps = append(requiredCaps, c)
	}
	sort.Strings(requiredCaps)

	plan := &runtypes.OrchestrationPlan{
		Mode:              runtypes.ModeSequential,
		Briefs:            briefs,
		SynthesisRequired: len(briefs) >= 2,
		Reasoning:         "keyword capability router fallback",
	}
	return plan, recruitmentInfo{specialistIDs: chosen, requiredCapabilities: requiredCaps, method: method}
}

// normalize enforces invariants regardless of which path produced the
// plan: unknown modes clamp to sequential, and two or more specialists
// always require a synthesis pass.
func (p *Planner) normalize(plan *runtypes.OrchestrationPlan) {
	if plan.Mode != runtypes.ModeParallel {
		plan.Mode = runtypes.ModeSequential
	}
	if len(plan.Briefs) >= 2 {
		plan.SynthesisRequired = true
	}
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func (p *Planner) plannerSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a task router. Call create_plan exactly once, naming only the following specialist ids:\n")
	for _, id := range p.ids() {
		fmt.Fprintf(&b, "- %s (capabilities: %s)\n", id, strings.Join(p.capabilities(id), ", "))
	}
	b.WriteString("Use mode \"parallel\" only when the specialists' work is independent; otherwise use \"sequential\".")
	return b.String()
}

// createPlanTool is a synthetic, never-dispatched tool: it exists only
// to give the chat model a typed function to call when proposing a
// plan. The planner reads its arguments directly off the tool call and
// never routes it through a tool registry's Execute path.
type createPlanTool struct{}

func (t *createPlanTool) Name() string { return createPlanToolName }

func (t *createPlanTool) Description() string {
	return "Propose how to decompose this task across specialists."
}

func (t *createPlanTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"mode": {"type": "string", "enum": ["sequential", "parallel"]},
			"specialists": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"specialist_id": {"type": "string"},
						"brief": {"type": "string"}
					},
					"required": ["specialist_id", "brief"]
				}
			},
			"synthesis_required": {"type": "boolean"},
			"reasoning": {"type": "string"}
		},
		"required": ["mode", "specialists"]
	}`)
}

func (t *createPlanTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
	return nil, fmt.Errorf("create_plan must be intercepted by the planner, not executed directly")
}
