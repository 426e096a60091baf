package runengine

import (
	"github.com/haasonsaas/conductor/pkg/models"
)

// validationOutcome is the result of validating a parsed RunCommand
// against role, rationale, budget, and limitation state, per spec.md
// SS4.1.3-4.1.5, before the command is applied.
type validationOutcome struct {
	allowed   bool
	reason    string
	detail    string
	autoSpawn bool // coordinator tool_call: convert to a one-shot subagent spawn instead of blocking
}

func allow() validationOutcome { return validationOutcome{allowed: true} }

func block(reason, detail string) validationOutcome {
	return validationOutcome{allowed: false, reason: reason, detail: detail}
}

// isActionCommand reports whether cmd is an "action" for the purposes of
// the rationale prelude gate -- everything except note and decision
// (decision is a free-standing reasoning record, not an action, and never
// blocked by the rationale gate).
func isActionCommand(t models.CommandType) bool {
	return t != models.CmdNote && t != models.CmdDecision
}

// validateCommand applies the limitation gate, budget gate, role
// protocol, and rationale protocol in that order: the first gate a
// command fails determines the outcome.
func (e *Engine) validateCommand(run *models.Run, st *iterState, cmd *models.RunCommand, budgetExceeded bool) validationOutcome {
	if st.limitationRequired && cmd.Type != models.CmdFinish {
		return block("limitation_required", "a tool exceeded its retry limit; you must finish with a limitation statement")
	}

	if budgetExceeded && cmd.Type != models.CmdSetRunLimits && cmd.Type != models.CmdFinish {
		return block("budget_exceeded", "the iteration budget is exhausted; only set_run_limits or finish is accepted")
	}

	if outcome := e.validateRoleScope(run, cmd); !outcome.allowed && !outcome.autoSpawn {
		return outcome
	} else if outcome.autoSpawn {
		return outcome
	}

	if isActionCommand(cmd.Type) && !st.rationaleReady {
		return block("rationale_required", nextExpectedNote(st))
	}

	return allow()
}

// validateRoleScope checks cmd against the coordinator/subagent/
// subsubagent permission table.
func (e *Engine) validateRoleScope(run *models.Run, cmd *models.RunCommand) validationOutcome {
	role := run.Role()

	switch cmd.Type {
	case models.CmdToolCall:
		if role == models.RoleCoordinator {
			return validationOutcome{allowed: false, autoSpawn: true, reason: "coordinator_tool_call"}
		}
		return allow()

	case models.CmdSendMessage:
		if role != models.RoleCoordinator {
			return block("role_violation", "only the coordinator may send_message to the end user")
		}
		return allow()

	case models.CmdRequestParent, models.CmdReplySubagent, models.CmdRetrySubagent, models.CmdDeliverSubagentOutput:
		if role == models.RoleCoordinator && cmd.Type == models.CmdRequestParent {
			return block("role_violation", "the coordinator has no parent to request")
		}
		return allow()

	case models.CmdQueueOp:
		if role != models.RoleCoordinator {
			return block("role_violation", "queue_op is restricted to the coordinator")
		}
		return allow()

	case models.CmdSpawnSubagent, models.CmdSpawnSubagents:
		if !run.CanSpawn() {
			return block("role_violation", "subsubagents may not spawn further children")
		}
		if role == models.RoleSubagent && !run.InputJSON.AllowSubagents {
			return block("role_violation", "this subagent's parent did not set allowSubagents")
		}
		return allow()

	default:
		return allow()
	}
}

// nextExpectedNote names which note category the rationale prelude still
// needs, for the block detail surfaced back to the model.
func nextExpectedNote(st *iterState) string {
	if _, ok := st.notesSeen[models.NoteRequirements]; !ok {
		return "emit note(requirements) before any action"
	}
	if _, ok := st.notesSeen[models.NotePlan]; !ok {
		return "emit note(plan) before any action"
	}
	return "emit note(artifact) before any action"
}
