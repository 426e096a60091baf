package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandType discriminates the 15 RunCommand variants the LLM may emit
// each turn, per spec.md SS6.
type CommandType string

const (
	CmdToolCall               CommandType = "tool_call"
	CmdSendMessage            CommandType = "send_message"
	CmdDeliverSubagentOutput  CommandType = "deliver_subagent_output"
	CmdRequestParent          CommandType = "request_parent"
	CmdReplySubagent          CommandType = "reply_subagent"
	CmdRetrySubagent          CommandType = "retry_subagent"
	CmdQueueOp                CommandType = "queue_op"
	CmdSetOutput              CommandType = "set_output"
	CmdFinish                 CommandType = "finish"
	CmdDecision               CommandType = "decision"
	CmdNote                   CommandType = "note"
	CmdSetRunLimits           CommandType = "set_run_limits"
	CmdSpawnSubagent          CommandType = "spawn_subagent"
	CmdSpawnSubagents         CommandType = "spawn_subagents"
	CmdSleep                  CommandType = "sleep"
)

// OutputMode controls whether set_output/finish replace or append to the
// run's current output text.
type OutputMode string

const (
	OutputReplace OutputMode = "replace"
	OutputAppend  OutputMode = "append"
)

// NoteCategory is the required prelude category for note commands.
type NoteCategory string

const (
	NoteRequirements NoteCategory = "requirements"
	NotePlan         NoteCategory = "plan"
	NoteArtifact     NoteCategory = "artifact"
	NoteValidation   NoteCategory = "validation"
)

// Importance is the optional decision-command importance tag.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// QueueAction is the queue_op verb.
type QueueAction string

const (
	QueueActionPush  QueueAction = "push"
	QueueActionShift QueueAction = "shift"
	QueueActionClear QueueAction = "clear"
	QueueActionSet   QueueAction = "set"
)

// SpawnSpec describes one child run to create, within spawn_subagent or
// spawn_subagents.
type SpawnSpec struct {
	Profile    string          `json:"profile,omitempty"`
	Task       string          `json:"task"`
	Tools      []string        `json:"tools,omitempty"`
	Context    []SpawnContext  `json:"context,omitempty"`
	AgentLevel int             `json:"agent_level,omitempty"`
}

// SpawnContext is one {role, content} entry seeded into a spawned child's
// conversation.
type SpawnContext struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunCommand is the strict, already-validated shape of one LLM turn. Only
// the fields relevant to Type are populated; the engine switches on Type.
type RunCommand struct {
	Type CommandType `json:"type"`

	// tool_call
	ToolName string          `json:"name,omitempty"`
	ToolArgs json.RawMessage `json:"args,omitempty"`

	// send_message / request_parent / reply_subagent
	Message string `json:"message,omitempty"`

	// deliver_subagent_output / reply_subagent / retry_subagent
	RunID string `json:"run_id,omitempty"`

	// retry_subagent
	Feedback string `json:"feedback,omitempty"`

	// queue_op
	QueueAction QueueAction `json:"action,omitempty"`
	Items       []string    `json:"items,omitempty"`

	// set_output / finish
	Output string     `json:"output,omitempty"`
	Mode   OutputMode `json:"mode,omitempty"`

	// decision
	Content    string     `json:"content,omitempty"`
	Importance Importance `json:"importance,omitempty"`

	// note
	Category NoteCategory `json:"category,omitempty"`

	// set_run_limits
	MaxIterations int    `json:"max_iterations,omitempty"`
	Reason        string `json:"reason,omitempty"`

	// spawn_subagent / spawn_subagents
	Subagent  *SpawnSpec  `json:"subagent,omitempty"`
	Subagents []SpawnSpec `json:"subagents,omitempty"`

	// sleep
	WakeAt       string `json:"wake_at,omitempty"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
	Cron         string `json:"cron,omitempty"`
}

// rawCommand is the loosely-typed wire shape accepted before
// normalization: the LLM routinely emits alternate field names or
// mismatched casing despite the system prompt's strict contract.
type rawCommand map[string]json.RawMessage

// ParseCommand parses one LLM turn's raw JSON text into a RunCommand,
// applying the loose-field-name normalization pass described in
// spec.md SS9 ("loose LLM JSON -> tagged variant") before strict
// validation. Any shape that does not resolve to one of the 15 known
// command types returns an error, which the caller (the run engine's
// nextCommand, through CompleteJSON) treats as a parse_error subject to
// retry.
func ParseCommand(text string) (*RunCommand, error) {
	text = extractJSONObject(text)
	if text == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var raw rawCommand
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	normalizeRawCommand(raw)

	typeRaw, ok := raw["type"]
	if !ok {
		return nil, fmt.Errorf("missing \"type\" field")
	}
	var typeStr string
	if err := json.Unmarshal(typeRaw, &typeStr); err != nil {
		return nil, fmt.Errorf("\"type\" must be a string: %w", err)
	}
	typeStr = strings.ToLower(strings.TrimSpace(typeStr))

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-marshal normalized command: %w", err)
	}

	var cmd RunCommand
	if err := json.Unmarshal(normalized, &cmd); err != nil {
		return nil, fmt.Errorf("decode normalized command: %w", err)
	}
	cmd.Type = CommandType(typeStr)

	if err := validateShape(&cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// fieldAliases maps alternate keys the LLM has been observed to emit onto
// the canonical field name, mirroring the normalization the memory writer
// applies to op field names (action/type/intent -> op).
var fieldAliases = map[string]string{
	"tool":        "name",
	"arguments":   "args",
	"input":       "args",
	"run_id":      "run_id",
	"runId":       "run_id",
	"subAgent":    "subagent",
	"subAgents":   "subagents",
	"wakeAt":      "wake_at",
	"delaySeconds": "delay_seconds",
	"maxIterations": "max_iterations",
}

func normalizeRawCommand(raw rawCommand) {
	for alias, canonical := range fieldAliases {
		if alias == canonical {
			continue
		}
		if v, ok := raw[alias]; ok {
			if _, exists := raw[canonical]; !exists {
				raw[canonical] = v
			}
			delete(raw, alias)
		}
	}
}

// extractJSONObject returns the first balanced {...} substring in text,
// tolerating prose wrapped around the JSON object (e.g. a model emitting
// "Here is my command:\n{...}\n"). Returns "" if no balanced object is
// found.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// validateShape checks that a command carries the fields its type
// requires. This is structural validation only; role/budget/note-protocol
// validation happens in internal/runengine against run state.
func validateShape(cmd *RunCommand) error {
	switch cmd.Type {
	case CmdToolCall:
		if cmd.ToolName == "" {
			return fmt.Errorf("tool_call requires \"name\"")
		}
	case CmdSendMessage, CmdRequestParent:
		if strings.TrimSpace(cmd.Message) == "" {
			return fmt.Errorf("%s requires \"message\"", cmd.Type)
		}
	case CmdDeliverSubagentOutput:
		if cmd.RunID == "" {
			return fmt.Errorf("deliver_subagent_output requires \"run_id\"")
		}
	case CmdReplySubagent:
		if cmd.RunID == "" || strings.TrimSpace(cmd.Message) == "" {
			return fmt.Errorf("reply_subagent requires \"run_id\" and \"message\"")
		}
	case CmdRetrySubagent:
		if cmd.RunID == "" {
			return fmt.Errorf("retry_subagent requires \"run_id\"")
		}
	case CmdQueueOp:
		switch cmd.QueueAction {
		case QueueActionPush, QueueActionShift, QueueActionClear, QueueActionSet:
		default:
			return fmt.Errorf("queue_op requires a valid \"action\"")
		}
	case CmdSetOutput:
		if cmd.Output == "" {
			return fmt.Errorf("set_output requires \"output\"")
		}
	case CmdFinish:
		// output is optional on finish (coordinators may finish with
		// whatever output text has already been accumulated).
	case CmdDecision:
		if strings.TrimSpace(cmd.Content) == "" {
			return fmt.Errorf("decision requires \"content\"")
		}
	case CmdNote:
		switch cmd.Category {
		case NoteRequirements, NotePlan, NoteArtifact, NoteValidation:
		default:
			return fmt.Errorf("note requires a valid \"category\"")
		}
		if strings.TrimSpace(cmd.Content) == "" {
			return fmt.Errorf("note requires \"content\"")
		}
	case CmdSetRunLimits:
		if cmd.MaxIterations <= 0 {
			return fmt.Errorf("set_run_limits requires a positive \"max_iterations\"")
		}
	case CmdSpawnSubagent:
		if cmd.Subagent == nil || strings.TrimSpace(cmd.Subagent.Task) == "" {
			return fmt.Errorf("spawn_subagent requires \"subagent.task\"")
		}
	case CmdSpawnSubagents:
		if len(cmd.Subagents) == 0 {
			return fmt.Errorf("spawn_subagents requires a non-empty \"subagents\"")
		}
		for i, s := range cmd.Subagents {
			if strings.TrimSpace(s.Task) == "" {
				return fmt.Errorf("spawn_subagents[%d] requires \"task\"", i)
			}
		}
	case CmdSleep:
		if cmd.WakeAt == "" && cmd.DelaySeconds <= 0 && cmd.Cron == "" {
			return fmt.Errorf("sleep requires one of \"wake_at\", \"delay_seconds\", \"cron\"")
		}
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
	return nil
}
