// Package runtypes holds the data shapes persisted and exchanged across the
// orchestration runtime: tasks, tool calls, plans, checkpoints, and the
// runlog event envelope. These are plain values with no behavior, so they
// stay free of import cycles between the scheduler, tool loop, and
// repository packages.
package runtypes

import (
	"encoding/json"
	"time"
)

// Task is the immutable input to a run.
type Task struct {
	Prompt          string `json:"prompt"`
	SpecialistID    string `json:"specialist_id,omitempty"`
	ModelTier       string `json:"model_tier,omitempty"`
	NetworkAllowed  bool   `json:"network_allowed"`
	ParentRunID     string `json:"parent_run_id,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Message is one role-tagged entry in a tool-loop conversation.
type Message struct {
	Role        string       `json:"role"` // system, user, assistant, tool
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// SpecialistBrief is the per-specialist slice of an OrchestrationPlan.
type SpecialistBrief struct {
	SpecialistID string `json:"specialist_id"`
	Brief        string `json:"brief"`
}

// ExecutionMode selects how a task force runs its specialists.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// OrchestrationPlan is the planner's decomposition of a task.
type OrchestrationPlan struct {
	Mode               ExecutionMode     `json:"mode"`
	Briefs             []SpecialistBrief `json:"briefs"`
	SynthesisRequired  bool              `json:"synthesis_required"`
	Reasoning          string            `json:"reasoning"`
}

// Checkpoint is the atomically-written resume state for a run.
type Checkpoint struct {
	RunID                 string            `json:"run_id"`
	Task                  Task              `json:"task"`
	Plan                  OrchestrationPlan `json:"plan"`
	CompletedSpecialistIDs []string         `json:"completed_specialist_ids"`
	LastFinishPayload     json.RawMessage   `json:"last_finish_payload,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// RunIndexEntry is one line of the cross-run semantic index.
type RunIndexEntry struct {
	RunID         string    `json:"run_id"`
	SpecialistIDs []string  `json:"specialist_ids"`
	PromptPrefix  string    `json:"prompt_prefix"`
	FinishSummary string    `json:"finish_summary"`
	Timestamp     time.Time `json:"timestamp"`
	WorkspacePath string    `json:"workspace_path"`
	Embedding     []float32 `json:"embedding,omitempty"`
}

// EventKind enumerates the stable runlog event kinds.
type EventKind string

const (
	EventOrchestrationPlan   EventKind = "orchestration_plan"
	EventRecruitment         EventKind = "recruitment"
	EventTaskForceParallel   EventKind = "task_force_parallel"
	EventPackStart           EventKind = "pack_start"
	EventLLMRequest          EventKind = "llm_request"
	EventLLMResponse         EventKind = "llm_response"
	EventCorrectiveReprompt  EventKind = "corrective_reprompt"
	EventCloudFallback       EventKind = "cloud_fallback"
	EventToolCall            EventKind = "tool_call"
	EventToolResult          EventKind = "tool_result"
	EventToolError           EventKind = "tool_error"
	EventSecurityEvent       EventKind = "security_event"
	EventRunComplete         EventKind = "run_complete"
	EventMaxStepsExceeded    EventKind = "max_steps_exceeded"
)

// Event is one JSONL record in a run's runlog.
type Event struct {
	Seq     uint64    `json:"seq"`
	TS      float64   `json:"ts"`
	Kind    EventKind `json:"kind"`
	Step    string    `json:"step,omitempty"`
	Payload any       `json:"payload"`
}
