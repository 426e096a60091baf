package models

import "time"

// RunKind distinguishes a top-level coordinator run from a spawned
// subagent run. Role (coordinator / subagent / subsubagent) is derived
// from (Kind, AgentLevel); see RoleFor.
type RunKind string

const (
	RunKindCoordinator RunKind = "coordinator"
	RunKindSubagent    RunKind = "subagent"
)

// RunStatus is the run's durable lifecycle state.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether status is one of the absorbing terminal states.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Role is the behavioral role derived from (Kind, AgentLevel), controlling
// which RunCommand variants are legal for a run.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleSubagent    Role = "subagent"
	RoleSubsubagent Role = "subsubagent"
)

// RoleFor derives a run's role from its kind and agent level. A
// coordinator-kind run at AgentLevel 0 is the coordinator; any other run
// is a subsubagent at AgentLevel 2 or above and a subagent below that
// (Kind only distinguishes "has no parent" at the data-model level; role
// governs command legality).
func RoleFor(kind RunKind, agentLevel int) Role {
	if kind == RunKindCoordinator && agentLevel == 0 {
		return RoleCoordinator
	}
	if agentLevel >= 2 {
		return RoleSubsubagent
	}
	return RoleSubagent
}

// InboxEntry is one parent<->child message recorded in RunState.Inbox.
type InboxEntry struct {
	FromRunID string    `json:"from_run_id"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// RunState is the mutable state blob embedded at InputJSON.state. It is
// always rewritten in full when the owning run row is updated -- never
// partially patched -- per the "typed value co-located with the run row"
// design note.
type RunState struct {
	Queue                    []string     `json:"queue"`
	Inbox                    []InboxEntry `json:"inbox"`
	WaitingForParent         bool         `json:"waiting_for_parent"`
	AutoRecoverySpawned      bool         `json:"auto_recovery_spawned"`
	LastRequestParentMessage string       `json:"last_request_parent_message,omitempty"`
	RequestParentRepeatCount int          `json:"request_parent_repeat_count"`
	LastBlockReason          string       `json:"last_block_reason,omitempty"`
	LastBlockDetail          string       `json:"last_block_detail,omitempty"`
}

// RunInput is the structured payload carried at Run.InputJSON.
type RunInput struct {
	State          RunState `json:"state"`
	Context        []string `json:"context,omitempty"`
	AgentLevel     int      `json:"agent_level"`
	AllowSubagents bool     `json:"allow_subagents,omitempty"`
	RetryOf        string   `json:"retry_of,omitempty"`
}

// Run represents one agent invocation: a row plus an append-only RunStep
// log. Invariants (enforced by the store and the run engine, not by the
// zero value):
//
//   - Kind == coordinator  <=>  ParentRunID == "" and RootRunID == ID.
//   - AgentLevel is in {0,1,2}; a run at AgentLevel >= 2 never spawns.
//   - Terminal statuses are absorbing.
type Run struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	AgentID      string     `json:"agent_id"`
	UserID       string     `json:"user_id"`
	ChannelID    string     `json:"channel_id"`
	ContextID    string     `json:"context_id,omitempty"`
	ParentRunID  string     `json:"parent_run_id,omitempty"`
	RootRunID    string     `json:"root_run_id"`
	Kind         RunKind    `json:"kind"`
	Profile      string     `json:"profile,omitempty"`
	InputText    string     `json:"input_text"`
	InputJSON    RunInput   `json:"input_json"`
	AllowedTools []string   `json:"allowed_tools,omitempty"`
	OutputText   string     `json:"output_text,omitempty"`
	Status       RunStatus  `json:"status"`
	WakeAt       *time.Time `json:"wake_at,omitempty"`
	WakeReason   string     `json:"wake_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Role returns the run's behavioral role.
func (r *Run) Role() Role {
	return RoleFor(r.Kind, r.InputJSON.AgentLevel)
}

// IsCoordinator reports whether this run is the top-level coordinator.
func (r *Run) IsCoordinator() bool {
	return r.Kind == RunKindCoordinator && r.ParentRunID == ""
}

// CanSpawn reports whether this run's role is permitted to spawn children
// at all (agentLevel < 2); whether it may do so *right now* additionally
// depends on the parent having set AllowSubagents, checked by the engine.
func (r *Run) CanSpawn() bool {
	return r.InputJSON.AgentLevel < 2
}
