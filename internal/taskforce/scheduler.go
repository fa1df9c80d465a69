// Package taskforce is the Task-Force Scheduler: it drives one or more
// specialists through the tool loop in sequential (context-handoff) or
// parallel (fan-out/merge) mode, isolates per-pack failures, and runs
// the optional synthesis pass. It is grounded on the teacher's
// worker-pool pattern in internal/jobs (a WaitGroup plus a
// mutex-guarded shared result) generalized from job queues to
// specialist runs.
package taskforce

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ausmarton/agentforge/internal/checkpoint"
	"github.com/ausmarton/agentforge/internal/llm"
	"github.com/ausmarton/agentforge/internal/specialist"
	"github.com/ausmarton/agentforge/internal/toolloop"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// EventRecorder is the runlog append contract the scheduler needs.
type EventRecorder interface {
	AppendEvent(kind runtypes.EventKind, step string, payload any) error
}

// SpecialistFailure records one specialist's terminal error in a
// parallel task force's merged payload.
type SpecialistFailure struct {
	Specialist string `json:"specialist"`
	Message    string `json:"message"`
}

// Outcome is everything a task force run produced: the per-specialist
// finish payloads, any parallel-mode failures, and (if the plan
// required it) a synthesized summary over all of them.
type Outcome struct {
	Mode           runtypes.ExecutionMode     `json:"mode"`
	PerSpecialist  map[string]json.RawMessage `json:"per_specialist"`
	Errors         []SpecialistFailure        `json:"errors,omitempty"`
	Summary        string                     `json:"summary,omitempty"`
	LastFinish     json.RawMessage            `json:"-"`
	LastSpecialist string                     `json:"-"`
}

// Scheduler executes an OrchestrationPlan.
type Scheduler struct {
	loop      *toolloop.Loop
	registry  *specialist.Registry
	synthChat llm.ChatClient
}

// New builds a Scheduler. synthChat may be nil; synthesis is then
// skipped even when a plan requests it. A sequential run's summary is
// then the last specialist's summary field; a parallel run has none.
func New(loop *toolloop.Loop, registry *specialist.Registry, synthChat llm.ChatClient) *Scheduler {
	return &Scheduler{loop: loop, registry: registry, synthChat: synthChat}
}

// Run executes plan against task, skipping any specialist already
// listed in cp.CompletedSpecialistIDs (the resume path) and persisting
// each specialist's completion to cpStore as it finishes. cpStore may
// be nil for a one-shot run with no resumability.
func (s *Scheduler) Run(ctx context.Context, task runtypes.Task, plan *runtypes.OrchestrationPlan, cp *runtypes.Checkpoint, cpStore *checkpoint.Store, rec EventRecorder) (*Outcome, error) {
	if len(plan.Briefs) > 1 {
		recordEvent(rec, runtypes.EventTaskForceParallel, "", map[string]any{
			"specialist_ids": briefIDs(plan.Briefs),
			"mode":           string(plan.Mode),
		})
	}

	var outcome *Outcome
	var err error
	switch plan.Mode {
	case runtypes.ModeParallel:
		outcome, err = s.runParallel(ctx, plan, cp, cpStore, rec)
	default:
		outcome, err = s.runSequential(ctx, task, plan, cp, cpStore, rec)
	}
	if err != nil {
		return nil, err
	}

	if plan.SynthesisRequired && len(outcome.Errors) == 0 {
		s.synthesize(ctx, outcome)
	}
	return outcome, nil
}

// runSequential invokes specialists in plan order, passing the prior
// specialist's accepted finish payload to the next one as context. A
// failure aborts every remaining specialist; the run's terminal
// payload is that failure.
func (s *Scheduler) runSequential(ctx context.Context, task runtypes.Task, plan *runtypes.OrchestrationPlan, cp *runtypes.Checkpoint, cpStore *checkpoint.Store, rec EventRecorder) (*Outcome, error) {
	out := &Outcome{Mode: runtypes.ModeSequential, PerSpecialist: map[string]json.RawMessage{}}

	completed := completedSet(cp)
	var prevPayload json.RawMessage
	if cp != nil {
		prevPayload = cp.LastFinishPayload
	}

	for i, brief := range plan.Briefs {
		if completed[brief.SpecialistID] {
			// Already finished before a crash/resume; do not re-run it
			// and do not emit a second pack_start for it.
			if payload, ok := out.lookupCompleted(cp, brief.SpecialistID); ok {
				out.PerSpecialist[brief.SpecialistID] = payload
			}
			continue
		}

		recordEvent(rec, runtypes.EventPackStart, "", map[string]any{"specialist_id": brief.SpecialistID, "pack_index": i})

		pack, err := s.registry.Build(brief.SpecialistID)
		if err != nil {
			return nil, fmt.Errorf("build specialist %s: %w", brief.SpecialistID, err)
		}

		userBrief := brief.Brief
		if prevPayload != nil {
			userBrief = fmt.Sprintf("%s\n\nPrevious specialist output: %s", userBrief, string(prevPayload))
		}

		result, err := s.loop.Run(ctx, pack, brief.SpecialistID, userBrief, rec)
		if err != nil {
			return nil, fmt.Errorf("specialist %s: %w", brief.SpecialistID, err)
		}

		out.PerSpecialist[brief.SpecialistID] = result.FinishPayload
		out.LastFinish = result.FinishPayload
		out.LastSpecialist = brief.SpecialistID
		prevPayload = result.FinishPayload

		if cpStore != nil && cp != nil {
			if err := cpStore.MarkSpecialistDone(cp, brief.SpecialistID, result.FinishPayload); err != nil {
				return nil, fmt.Errorf("checkpoint specialist %s: %w", brief.SpecialistID, err)
			}
		}
	}

	if out.LastFinish != nil {
		out.Summary = summaryField(out.LastFinish)
	}
	return out, nil
}

// lookupCompleted is a resume-path helper: a specialist already marked
// done has no payload of its own to replay here besides the
// checkpoint's single LastFinishPayload slot, which only remembers the
// most recent one. Earlier-but-completed specialists in a resumed run
// simply have no payload surfaced in the merged outcome; this mirrors
// the checkpoint's own limited memory (spec §3 Checkpoint) rather than
// inventing state that was never persisted.
func (o *Outcome) lookupCompleted(cp *runtypes.Checkpoint, id string) (json.RawMessage, bool) {
	if cp == nil || len(cp.CompletedSpecialistIDs) == 0 {
		return nil, false
	}
	if cp.CompletedSpecialistIDs[len(cp.CompletedSpecialistIDs)-1] == id {
		return cp.LastFinishPayload, true
	}
	return nil, false
}

// runParallel invokes every specialist concurrently. Individual
// failures are captured per-specialist and never abort siblings. Each
// goroutine records its result (or its failure) under a single mutex as
// it finishes, so Errors is in completion order, not plan order, and
// the per-specialist map carries no order at all.
func (s *Scheduler) runParallel(ctx context.Context, plan *runtypes.OrchestrationPlan, cp *runtypes.Checkpoint, cpStore *checkpoint.Store, rec EventRecorder) (*Outcome, error) {
	out := &Outcome{Mode: runtypes.ModeParallel, PerSpecialist: map[string]json.RawMessage{}}
	completed := completedSet(cp)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, brief := range plan.Briefs {
		if completed[brief.SpecialistID] {
			continue
		}
		i, brief := i, brief
		wg.Add(1)
		go func() {
			defer wg.Done()

			recordEvent(rec, runtypes.EventPackStart, "", map[string]any{"specialist_id": brief.SpecialistID, "pack_index": i})

			pack, err := s.registry.Build(brief.SpecialistID)
			if err != nil {
				mu.Lock()
				out.Errors = append(out.Errors, SpecialistFailure{Specialist: brief.SpecialistID, Message: err.Error()})
				mu.Unlock()
				return
			}

			result, err := s.loop.Run(ctx, pack, brief.SpecialistID, brief.Brief, rec)
			if err != nil {
				mu.Lock()
				out.Errors = append(out.Errors, SpecialistFailure{Specialist: brief.SpecialistID, Message: err.Error()})
				mu.Unlock()
				return
			}

			mu.Lock()
			out.PerSpecialist[brief.SpecialistID] = result.FinishPayload
			if cpStore != nil && cp != nil {
				_ = cpStore.MarkSpecialistDone(cp, brief.SpecialistID, result.FinishPayload)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return out, nil
}

// synthesize issues one final LLM call over every specialist's
// finish payload and sets Outcome.Summary to the synthesized text,
// preserving the per-specialist payloads in PerSpecialist (the
// "sources" the spec calls them). Any synthesis failure falls back to
// a specialist's own summary field rather than failing the whole run:
// synthesis is a presentation step, not a correctness gate.
func (s *Scheduler) synthesize(ctx context.Context, out *Outcome) {
	if s.synthChat == nil || len(out.PerSpecialist) == 0 {
		return
	}

	var b []byte
	b = append(b, "Specialist outputs to synthesize:\n"...)
	for id, payload := range out.PerSpecialist {
		b = append(b, fmt.Sprintf("\n--- %s ---\n%s\n", id, string(payload))...)
	}

	req := &llm.ChatRequest{
		System: "You synthesize multiple specialists' finish_task payloads into one coherent summary for the person who asked for the work.",
		Messages: []runtypes.Message{{Role: "user", Content: string(b)}},
	}
	resp, err := s.synthChat.Chat(ctx, req)
	if err != nil || resp.Content == "" {
		if out.Summary == "" {
			out.Summary = firstSummary(out.PerSpecialist)
		}
		return
	}
	out.Summary = resp.Content
}

// completedSet derives "already done" from checkpoint.Pending rather
// than CompletedSpecialistIDs directly, so the resume decision and the
// checkpoint package's own notion of "what's left" never drift apart. A
// checkpoint that carries no plan falls back to CompletedSpecialistIDs
// as listed.
func completedSet(cp *runtypes.Checkpoint) map[string]bool {
	set := map[string]bool{}
	if cp == nil {
		return set
	}
	if len(cp.Plan.Briefs) == 0 {
		for _, id := range cp.CompletedSpecialistIDs {
			set[id] = true
		}
		return set
	}
	pending := map[string]bool{}
	for _, brief := range checkpoint.Pending(cp) {
		pending[brief.SpecialistID] = true
	}
	for _, brief := range cp.Plan.Briefs {
		if !pending[brief.SpecialistID] {
			set[brief.SpecialistID] = true
		}
	}
	return set
}

func briefIDs(briefs []runtypes.SpecialistBrief) []string {
	ids := make([]string, len(briefs))
	for i, b := range briefs {
		ids[i] = b.SpecialistID
	}
	return ids
}

func summaryField(payload json.RawMessage) string {
	var in struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(payload, &in); err != nil {
		return ""
	}
	return in.Summary
}

func firstSummary(perSpecialist map[string]json.RawMessage) string {
	for _, payload := range perSpecialist {
		if s := summaryField(payload); s != "" {
			return s
		}
	}
	return ""
}

func recordEvent(rec EventRecorder, kind runtypes.EventKind, step string, payload any) {
	if rec == nil {
		return
	}
	_ = rec.AppendEvent(kind, step, payload)
}
