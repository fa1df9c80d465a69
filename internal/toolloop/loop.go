// Package toolloop drives a single specialist.Pack through repeated
// LLM turns until it calls finish_task successfully, a step budget is
// exhausted, or the context is canceled. It is the per-specialist
// analogue of the teacher's AgenticLoop, generalized to run against a
// swappable Pack instead of a single session's tool registry.
package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ausmarton/agentforge/internal/errs"
	"github.com/ausmarton/agentforge/internal/llm"
	"github.com/ausmarton/agentforge/internal/metrics"
	"github.com/ausmarton/agentforge/internal/specialist"
	"github.com/ausmarton/agentforge/internal/tools"
	"github.com/ausmarton/agentforge/internal/tracing"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// EventRecorder is the runlog append contract the loop needs. It is
// defined here, not imported from the run repository, so this package
// never depends on how (or whether) events are persisted.
type EventRecorder interface {
	AppendEvent(kind runtypes.EventKind, step string, payload any) error
}

// Config tunes one loop run. Zero values are invalid; build it from
// config.LoopConfig rather than constructing one by hand.
type Config struct {
	MaxSteps               int
	LLMResponseLogCap      int
	MaxCorrectiveReprompts int
	Model                  string
	Temperature            float64
	TopP                   float64
	MaxTokens              int
}

// Result is what a specialist produced: the accepted finish_task
// payload plus the full message transcript, so a scheduler can hand
// the transcript's tail to the next specialist or to synthesis.
type Result struct {
	FinishPayload    json.RawMessage
	Messages         []runtypes.Message
	Steps            int
	Fallback         bool
	MaxStepsExceeded bool
}

// Loop runs one specialist's tool-calling conversation to completion.
type Loop struct {
	chat    llm.ChatClient
	cfg     Config
	metrics *metrics.Metrics
}

// New builds a Loop. chat is typically an *llm.FallbackChatWrapper so
// escalation is transparent to the loop itself.
func New(chat llm.ChatClient, cfg Config) *Loop {
	return &Loop{chat: chat, cfg: cfg}
}

// SetMetrics attaches a Prometheus metrics sink. Called after New; a
// Loop with no metrics attached records nothing (every Record* call is
// nil-safe).
func (l *Loop) SetMetrics(m *metrics.Metrics) {
	l.metrics = m
}

// Run drives pack through its tool-calling conversation, seeded with
// brief as the first user message. stepPrefix namespaces emitted event
// step ids (e.g. "engineering_step_3") so a parallel task force's
// interleaved events stay attributable to their specialist.
func (l *Loop) Run(ctx context.Context, pack specialist.Pack, stepPrefix, brief string, rec EventRecorder) (*Result, error) {
	if err := pack.Open(ctx); err != nil {
		return nil, fmt.Errorf("open specialist %s: %w", pack.ID(), err)
	}
	defer pack.Close()

	finish := &finishTaskTool{fields: pack.RequiredFinishFields()}
	toolList := append(append([]tools.Tool{}, pack.Tools()...), finish)
	toolReg := tools.NewRegistry()
	for _, t := range toolList {
		toolReg.Register(t)
	}

	messages := []runtypes.Message{{Role: "user", Content: brief}}
	toolCallCount := 0
	repromptCount := 0

	for step := 0; step < l.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stepID := fmt.Sprintf("%s_step_%d", stepPrefix, step)
		req := &llm.ChatRequest{
			System:      pack.SystemPrompt(),
			Messages:    messages,
			Tools:       toolList,
			Model:       l.cfg.Model,
			Temperature: l.cfg.Temperature,
			TopP:        l.cfg.TopP,
			MaxTokens:   l.cfg.MaxTokens,
		}
		recordEvent(rec, runtypes.EventLLMRequest, stepID, map[string]any{"message_count": len(messages)})

		chatCtx := llm.WithEscalationSink(ctx, func(reason, localModel, cloudModel string) {
			recordEvent(rec, runtypes.EventCloudFallback, stepID, map[string]any{
				"reason":      reason,
				"local_model": localModel,
				"cloud_model": cloudModel,
			})
		})
		resp, err := tracing.WithSpan(chatCtx, "toolloop.llm_request", func(spanCtx context.Context) (*llm.ChatResponse, error) {
			return l.chat.Chat(spanCtx, req)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("specialist %s: chat request failed: %w", pack.ID(), err)
		}
		recordEvent(rec, runtypes.EventLLMResponse, stepID, map[string]any{
			"content":         truncateForLog(resp.Content, l.cfg.LLMResponseLogCap),
			"tool_call_count": len(resp.ToolCalls),
		})

		if !resp.HasToolCalls() {
			if repromptCount < l.cfg.MaxCorrectiveReprompts {
				repromptCount++
				messages = append(messages,
					runtypes.Message{Role: "assistant", Content: resp.Content},
					runtypes.Message{Role: "user", Content: correctivePrompt},
				)
				recordEvent(rec, runtypes.EventCorrectiveReprompt, stepID, map[string]any{"attempt": repromptCount})
				continue
			}
			payload, _ := json.Marshal(map[string]string{"summary": resp.Content})
			l.metrics.RecordRunOutcome(pack.ID(), "fallback", step+1, 0)
			return &Result{FinishPayload: payload, Messages: messages, Steps: step + 1, Fallback: true}, nil
		}
		repromptCount = 0

		messages = append(messages, runtypes.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		var toolResults []runtypes.ToolResult
		var accepted json.RawMessage
		for _, tc := range resp.ToolCalls {
			if tc.Name == finishTaskName {
				if gateErr := checkFinishGates(ctx, pack, tc.Input, toolCallCount); gateErr != nil {
					recordEvent(rec, runtypes.EventToolError, stepID, map[string]any{"tool": finishTaskName, "error": gateErr.Error()})
					l.metrics.RecordGateRejection(gateName(gateErr))
					toolResults = append(toolResults, runtypes.ToolResult{ToolCallID: tc.ID, Content: gateErr.Error(), IsError: true})
					continue
				}
				accepted = tc.Input
				toolResults = append(toolResults, runtypes.ToolResult{ToolCallID: tc.ID, Content: "accepted"})
				continue
			}

			toolCallCount++
			recordEvent(rec, runtypes.EventToolCall, stepID, map[string]any{"tool": tc.Name, "id": tc.ID})

			if _, ok := toolReg.Get(tc.Name); !ok {
				te := &errs.ToolError{Type: errs.ToolErrorNotFound, ToolName: tc.Name, Cause: fmt.Errorf("no such tool")}
				recordEvent(rec, runtypes.EventToolError, stepID, map[string]any{"tool": tc.Name, "error": te.Error()})
				toolResults = append(toolResults, runtypes.ToolResult{ToolCallID: tc.ID, Content: te.Error(), IsError: true})
				continue
			}

			result, execErr := tracing.WithSpan(ctx, "toolloop.tool_call."+tc.Name, func(spanCtx context.Context) (*runtypes.ToolResult, error) {
				return toolReg.Execute(spanCtx, tc.Name, tc.Input)
			})
			if execErr != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				te := classifyToolError(tc.Name, execErr)
				recordEvent(rec, runtypes.EventToolError, stepID, map[string]any{"tool": tc.Name, "error": te.Error()})
				if te.IsSecurityViolation() {
					recordEvent(rec, runtypes.EventSecurityEvent, stepID, map[string]any{"tool": tc.Name, "type": string(te.Type)})
				}
				l.metrics.RecordToolCall(tc.Name, false)
				toolResults = append(toolResults, runtypes.ToolResult{ToolCallID: tc.ID, Content: te.Error(), IsError: true})
				continue
			}
			result.ToolCallID = tc.ID
			recordEvent(rec, runtypes.EventToolResult, stepID, map[string]any{"tool": tc.Name, "is_error": result.IsError})
			l.metrics.RecordToolCall(tc.Name, !result.IsError)
			toolResults = append(toolResults, *result)
		}

		messages = append(messages, runtypes.Message{Role: "tool", ToolResults: toolResults})

		if accepted != nil {
			l.metrics.RecordRunOutcome(pack.ID(), "finished", step+1, 0)
			return &Result{FinishPayload: accepted, Messages: messages, Steps: step + 1}, nil
		}
	}

	recordEvent(rec, runtypes.EventMaxStepsExceeded, stepPrefix, map[string]any{"max_steps": l.cfg.MaxSteps})
	l.metrics.RecordRunOutcome(pack.ID(), "max_steps_exceeded", l.cfg.MaxSteps, 0)
	payload, _ := json.Marshal(map[string]string{"summary": "step budget exceeded"})
	return &Result{FinishPayload: payload, Messages: messages, Steps: l.cfg.MaxSteps, MaxStepsExceeded: true}, nil
}

const correctivePrompt = "You must either call a tool or call finish_task with the required fields. Plain text responses are not accepted."

const finishTaskName = "finish_task"

// gateName turns a checkFinishGates error into a metrics label,
// falling back to "unknown" for an error type the gate logic never
// actually produces (checkFinishGates only ever returns *errs.GateError).
func gateName(err error) string {
	var ge *errs.GateError
	if errors.As(err, &ge) {
		return ge.Gate.String()
	}
	return "unknown"
}

func checkFinishGates(ctx context.Context, pack specialist.Pack, payload json.RawMessage, priorToolCalls int) error {
	if priorToolCalls == 0 {
		return &errs.GateError{Gate: errs.GatePrematureFinish, Reason: "finish_task called before any other tool ran"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return &errs.GateError{Gate: errs.GateMissingFields, Reason: "finish_task payload is not a JSON object: " + err.Error()}
	}
	var missing []string
	for _, key := range pack.RequiredFinishFields() {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &errs.GateError{Gate: errs.GateMissingFields, Reason: fmt.Sprintf("missing required fields: %v", missing)}
	}

	if err := pack.ValidateFinish(ctx, payload); err != nil {
		return &errs.GateError{Gate: errs.GateValidateFinish, Reason: err.Error()}
	}
	return nil
}

func classifyToolError(name string, err error) *errs.ToolError {
	var te *errs.ToolError
	if errors.As(err, &te) {
		return te
	}
	return errs.Classify(name, err)
}

func recordEvent(rec EventRecorder, kind runtypes.EventKind, step string, payload any) {
	if rec == nil {
		return
	}
	_ = rec.AppendEvent(kind, step, payload)
}

func truncateForLog(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}

// finishTaskTool is never dispatched through Execute: the loop
// intercepts calls to it by name before reaching the tool table. It
// exists only so its schema is advertised to the model alongside the
// pack's real tools.
type finishTaskTool struct {
	fields []string
}

func (t *finishTaskTool) Name() string        { return finishTaskName }
func (t *finishTaskTool) Description() string { return "Signal that the task is complete and report its outcome." }
func (t *finishTaskTool) Schema() json.RawMessage {
	return specialist.FinishSchema(t.fields)
}
func (t *finishTaskTool) Execute(ctx context.Context, args json.RawMessage) (*runtypes.ToolResult, error) {
	return nil, fmt.Errorf("finish_task must be intercepted by the tool loop, not executed directly")
}
