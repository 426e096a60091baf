package models

import (
	"encoding/json"
	"time"
)

// RunStepType enumerates the kinds of append-only log entries a run
// accumulates over its lifetime.
type RunStepType string

const (
	StepToolCall         RunStepType = "tool_call"
	StepToolResult       RunStepType = "tool_result"
	StepMessage          RunStepType = "message"
	StepAssistantMessage RunStepType = "assistant_message"
	StepNote             RunStepType = "note"
	StepDecision         RunStepType = "decision"
	StepOutputUpdate     RunStepType = "output_update"
	StepFinish           RunStepType = "finish"
	StepValidationMissing RunStepType = "validation_missing"
)

// RunStepStatus is the outcome recorded for a step.
type RunStepStatus string

const (
	StepStatusCompleted RunStepStatus = "completed"
	StepStatusFailed    RunStepStatus = "failed"
)

// RunStep is one entry in a run's append-only, strictly ordered log.
// Seq is assigned by the store and strictly increases per run;
// IdempotencyKey is unique among the steps of one run, making retried inserts
// (e.g. after a crash mid-apply) safe to resubmit.
type RunStep struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	Seq            int64           `json:"seq"`
	Type           RunStepType     `json:"type"`
	ToolName       string          `json:"tool_name,omitempty"`
	ArgsJSON       json.RawMessage `json:"args_json,omitempty"`
	ResultJSON     json.RawMessage `json:"result_json,omitempty"`
	Status         RunStepStatus   `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Event-step payload shapes. These are marshaled into RunStep.ResultJSON
// for StepMessage-typed steps whose ArgsJSON.event names one of these
// kinds; see spec.md SS6 "Event step payloads (examples)".

// AutoSpawnFromToolCallEvent records a coordinator tool_call command that
// was auto-converted into a one-shot subagent spawn.
type AutoSpawnFromToolCallEvent struct {
	Tool  string          `json:"tool"`
	Args  json.RawMessage `json:"args"`
	RunID string          `json:"run_id"`
	Task  string          `json:"task"`
}

// BudgetDecisionEvent records an iteration-budget extend-or-finish decision.
type BudgetDecisionEvent struct {
	Action       string `json:"action"` // "extend" | "finish"
	Reason       string `json:"reason"`
	MaxIterations int   `json:"max_iterations,omitempty"`
}

// SpawnSubagentsEvent records one or more children created by a spawn
// command.
type SpawnSubagentsEvent struct {
	Subagents []SpawnedSubagentRef `json:"subagents"`
}

// SpawnedSubagentRef is one child reference within SpawnSubagentsEvent.
type SpawnedSubagentRef struct {
	RunID   string `json:"run_id"`
	Task    string `json:"task"`
	Profile string `json:"profile,omitempty"`
}

// LoopDetectedEvent records why an anti-loop detector fired.
type LoopDetectedEvent struct {
	Kind string `json:"kind"` // "tool" | "spawn" | "pointless_loop" | "plan_loop_detected"
	Name string `json:"name,omitempty"`
	Task string `json:"task,omitempty"`
}

// ValidationResultEvent records the outcome of an output validation pass.
type ValidationResultEvent struct {
	Reason   string `json:"reason,omitempty"`
	Decision string `json:"decision"` // "send" | "revise"
	Feedback string `json:"feedback,omitempty"`
	Retry    bool   `json:"retry,omitempty"`
}

// FinishBlockedEvent records a blocked finish attempt.
type FinishBlockedEvent struct {
	Reason   string `json:"reason"`
	Feedback string `json:"feedback,omitempty"`
	Retry    bool   `json:"retry,omitempty"`
}

// SystemNoteEvent is a free-text engine-authored note inserted into the
// transcript (parse retries, role-violation nudges, budget warnings).
type SystemNoteEvent struct {
	Content string `json:"content"`
}

// ActionBlockedEvent records a role-scope or protocol violation that was
// blocked without terminating the run.
type ActionBlockedEvent struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// SpawnBlockedEvent records a duplicate-spawn-signature block.
type SpawnBlockedEvent struct {
	Reason string `json:"reason"`
}
