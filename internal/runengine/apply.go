package runengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/policyengine"
	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/internal/tools/policy"
	"github.com/haasonsaas/conductor/pkg/models"
)

// cronParser supports both standard (5-field) and extended (6-field with
// seconds) cron expressions, matching the scheduler's own parser so a
// sleep(cron) expression and a recurring trigger agree on its meaning.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// applyResult tells iterateRun whether the command ended this claim's
// iteration loop (terminal finish, or a suspend into waiting).
type applyResult struct {
	terminal    bool
	forceReason string // non-empty if the engine force-finished mid-apply
}

// appendStep writes one RunStep, stamping ID/CreatedAt/IdempotencyKey if
// the caller left them zero. idempotencyKey should be stable across a
// retried apply of the same logical event (e.g. "finish:"+run.ID for a
// run that can only finish once).
func (e *Engine) appendStep(ctx context.Context, run *models.Run, typ models.RunStepType, tool string, args, result json.RawMessage, status models.RunStepStatus, idempotencyKey string) error {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	step := &models.RunStep{
		ID:             uuid.NewString(),
		RunID:          run.ID,
		Type:           typ,
		ToolName:       tool,
		ArgsJSON:       args,
		ResultJSON:     result,
		Status:         status,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
	}
	return e.store.AppendStep(ctx, step)
}

func (e *Engine) appendEvent(ctx context.Context, run *models.Run, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event, err)
	}
	args, _ := json.Marshal(map[string]string{"event": event})
	return e.appendStep(ctx, run, models.StepMessage, "", args, body, models.StepStatusCompleted, "")
}

func (e *Engine) systemNote(ctx context.Context, run *models.Run, st *iterState, content string) error {
	st.systemNoteCount++
	return e.appendEvent(ctx, run, "system_note", models.SystemNoteEvent{Content: content})
}

func (e *Engine) recordBlocked(ctx context.Context, run *models.Run, st *iterState, outcome validationOutcome) error {
	st.lastBlockReason = outcome.reason
	st.lastBlockDetail = outcome.detail
	return e.appendEvent(ctx, run, "action_blocked", models.ActionBlockedEvent{Reason: outcome.reason, Detail: outcome.detail})
}

// apply performs step 8 of the iteration loop: write RunSteps, mutate the
// run, and enqueue any follow-on jobs for cmd.
func (e *Engine) apply(ctx context.Context, run *models.Run, st *iterState, cmd *models.RunCommand) (applyResult, error) {
	st.actionCount++
	if isActionCommand(cmd.Type) {
		st.forceActionNext = false
		st.consecutiveNotes = 0
	}

	switch cmd.Type {
	case models.CmdNote:
		return applyResult{}, e.applyNote(ctx, run, st, cmd)

	case models.CmdDecision:
		return applyResult{}, e.appendEvent(ctx, run, "decision", map[string]string{"content": cmd.Content, "importance": string(cmd.Importance)})

	case models.CmdToolCall:
		return e.applyToolCall(ctx, run, st, cmd)

	case models.CmdSendMessage:
		return e.applyFinalOutput(ctx, run, st, cmd.Message, models.OutputReplace, false)

	case models.CmdSetOutput:
		return e.applyFinalOutput(ctx, run, st, cmd.Output, cmd.Mode, false)

	case models.CmdFinish:
		return e.applyFinalOutput(ctx, run, st, cmd.Output, models.OutputReplace, true)

	case models.CmdQueueOp:
		return applyResult{}, e.applyQueueOp(ctx, run, cmd)

	case models.CmdSetRunLimits:
		return applyResult{}, e.applySetRunLimits(ctx, run, st, cmd)

	case models.CmdSpawnSubagent:
		return e.applySpawn(ctx, run, st, []models.SpawnSpec{*cmd.Subagent})

	case models.CmdSpawnSubagents:
		return e.applySpawn(ctx, run, st, cmd.Subagents)

	case models.CmdRequestParent:
		return e.applyRequestParent(ctx, run, st, cmd)

	case models.CmdReplySubagent:
		return applyResult{}, e.applyReplySubagent(ctx, run, cmd)

	case models.CmdRetrySubagent:
		return applyResult{}, e.applyRetrySubagent(ctx, run, cmd)

	case models.CmdDeliverSubagentOutput:
		return applyResult{}, e.applyDeliverSubagentOutput(ctx, run, cmd)

	case models.CmdSleep:
		return e.applySleep(ctx, run, st, cmd)

	default:
		return applyResult{}, fmt.Errorf("unhandled command type %q", cmd.Type)
	}
}

// applyNote handles note(requirements|plan|artifact|validation), advancing
// the rationale-ready state machine.
func (e *Engine) applyNote(ctx context.Context, run *models.Run, st *iterState, cmd *models.RunCommand) error {
	switch cmd.Category {
	case models.NoteRequirements:
		if !looksLikeRequirementsNote(cmd.Content) {
			return e.systemNote(ctx, run, st, "requirements note must state an output specification and decision criteria, not merely restate the task")
		}
	case models.NotePlan:
		if run.Role() == models.RoleCoordinator && planStepCount(cmd.Content) >= 5 && !coordinatorPlanIsRich(cmd.Content) {
			return e.systemNote(ctx, run, st, "a >=5-step coordinator plan must mention queue_op/spawn_subagent(s)/deliver_subagent_output, the expected output format, success criteria, and subagent-context requirements")
		}
		if run.Role() != models.RoleCoordinator && taskHintsTools(run.InputText) && !subagentPlanMentionsTool(cmd.Content) {
			return e.systemNote(ctx, run, st, "this task suggests tool use; the plan should mention at least one tool")
		}
		if prior, ok := st.notesSeen[models.NotePlan]; ok && prior == cmd.Content {
			st.planRewrites++
			if st.planRewrites > 2 {
				return e.appendEvent(ctx, run, "plan_loop_detected", models.LoopDetectedEvent{Kind: "plan_loop_detected"})
			}
		} else if ok {
			st.planRewrites++
		}
	case models.NoteArtifact:
		reqSim := jaccardSimilarity(cmd.Content, st.notesSeen[models.NoteRequirements])
		planSim := jaccardSimilarity(cmd.Content, st.notesSeen[models.NotePlan])
		if reqSim >= 0.6 || planSim >= 0.6 {
			return e.systemNote(ctx, run, st, "artifact note must be distinct from the requirements and plan notes (Jaccard similarity < 0.6)")
		}
	}

	st.notesSeen[cmd.Category] = cmd.Content
	st.lastNoteCategory = cmd.Category

	if cmd.Category == models.NoteArtifact {
		_, hasReq := st.notesSeen[models.NoteRequirements]
		_, hasPlan := st.notesSeen[models.NotePlan]
		if hasReq && hasPlan {
			st.rationaleReady = true
		}
	} else if st.rationaleReady {
		st.consecutiveNotes++
		st.forceActionNext = true
		if st.consecutiveNotes >= 3 {
			if err := e.systemNote(ctx, run, st, "you have issued three notes in a row without acting; issue an action command now"); err != nil {
				return err
			}
		}
	}

	args, _ := json.Marshal(map[string]string{"category": string(cmd.Category)})
	return e.appendStep(ctx, run, models.StepNote, "", args, json.RawMessage(`{}`), models.StepStatusCompleted, "")
}

// applyToolCall executes a tool command against the registry, gated by
// the policy engine, and tracks failure counts toward limitationRequired.
func (e *Engine) applyToolCall(ctx context.Context, run *models.Run, st *iterState, cmd *models.RunCommand) (applyResult, error) {
	parts := strings.SplitN(cmd.ToolName, ".", 2)
	toolName := parts[0]
	commandName := "run"
	if len(parts) == 2 {
		commandName = parts[1]
	}

	sig := toolCallSignature(cmd.ToolName, cmd.ToolArgs)
	st.toolCallSigCounts[sig]++
	if st.toolCallSigCounts[sig] > 2 {
		if err := e.appendEvent(ctx, run, "loop_detected", models.LoopDetectedEvent{Kind: "tool", Name: cmd.ToolName}); err != nil {
			return applyResult{}, err
		}
		return e.forceFinish(ctx, run, st, "loop_detected")
	}

	decision := e.policy.Decide(policyengine.Request{
		TenantID: run.TenantID, AgentID: run.AgentID, RunID: run.ID,
		ToolName: toolName, CommandName: commandName, Args: cmd.ToolArgs,
		Policy: &policy.Policy{Allow: run.AllowedTools},
	})
	if !decision.Allowed {
		args, _ := json.Marshal(cmd)
		result, _ := json.Marshal(map[string]string{"denied": decision.Reason})
		if err := e.appendStep(ctx, run, models.StepToolResult, cmd.ToolName, args, result, models.StepStatusFailed, ""); err != nil {
			return applyResult{}, err
		}
		e.Metrics.ToolExecuted(cmd.ToolName, "denied", 0)
		return applyResult{}, nil
	}

	argsStep, _ := json.Marshal(cmd)
	if err := e.appendStep(ctx, run, models.StepToolCall, cmd.ToolName, argsStep, nil, models.StepStatusCompleted, ""); err != nil {
		return applyResult{}, err
	}

	toolCtx, toolSpan := e.Tracer.ToolExecution(ctx, cmd.ToolName)
	toolStart := time.Now()
	out, err := e.tools.Execute(toolCtx, tools.ToolContext{
		TenantID: run.TenantID, AgentID: run.AgentID, RunID: run.ID,
		UserID: run.UserID, ChannelID: run.ChannelID,
		Store: e.store, Logger: e.logger, Resolver: e.policy.Resolver(),
	}, toolName, commandName, cmd.ToolArgs)
	if err != nil {
		e.Metrics.ToolExecuted(cmd.ToolName, "failed", time.Since(toolStart).Seconds())
		e.Tracer.RecordError(toolSpan, err)
		toolSpan.End()
		return applyResult{}, fmt.Errorf("execute tool %s: %w", cmd.ToolName, err)
	}
	toolSpan.End()

	resultJSON, _ := json.Marshal(out)
	status := models.StepStatusCompleted
	if !out.Success {
		status = models.StepStatusFailed
		e.Metrics.ToolExecuted(cmd.ToolName, "failed", time.Since(toolStart).Seconds())
		st.toolFailureCounts[cmd.ToolName]++
		if st.toolFailureCounts[cmd.ToolName] > e.config.RunMaxToolRetries {
			st.limitationRequired = true
		}
	} else {
		e.Metrics.ToolExecuted(cmd.ToolName, "success", time.Since(toolStart).Seconds())
		st.toolFailureCounts[cmd.ToolName] = 0
	}

	resultSig := toolResultSignature(cmd.ToolName, cmd.ToolArgs, resultJSON)
	if resultSig == st.lastToolResultSig {
		st.limitationRequired = true
	}
	st.lastToolResultSig = resultSig

	if err := e.appendStep(ctx, run, models.StepToolResult, cmd.ToolName, argsStep, resultJSON, status, ""); err != nil {
		return applyResult{}, err
	}
	return applyResult{}, nil
}

// applyFinalOutput handles send_message, set_output, and finish: each
// finalizes user/parent-visible output text and passes through the
// validation gate before committing.
func (e *Engine) applyFinalOutput(ctx context.Context, run *models.Run, st *iterState, text string, mode models.OutputMode, isFinish bool) (applyResult, error) {
	newOutput := text
	if mode == models.OutputAppend {
		newOutput = run.OutputText + text
	}

	if isFinish {
		_, hasReq := st.notesSeen[models.NoteRequirements]
		_, hasPlan := st.notesSeen[models.NotePlan]
		if !hasReq || !hasPlan {
			if st.blockedSpawnCount >= 2 || st.systemNoteCount >= 2 {
				st.notesSeen[models.NoteRequirements] = "fallback requirements"
				st.notesSeen[models.NotePlan] = "fallback plan"
			} else {
				if err := e.appendEvent(ctx, run, "finish_blocked", models.FinishBlockedEvent{Reason: "missing_notes", Retry: true}); err != nil {
					return applyResult{}, err
				}
				return applyResult{}, nil
			}
		}
		if newOutput != "" && newOutput == st.lastOutputSent {
			if err := e.appendEvent(ctx, run, "finish_repeat_forced", models.FinishBlockedEvent{Reason: "finish_repeat_forced"}); err != nil {
				return applyResult{}, err
			}
			return e.finishRun(ctx, run, newOutput)
		}
	}

	decision, err := e.validateOutput(ctx, run, st, newOutput)
	if err != nil {
		return applyResult{}, err
	}
	if err := e.appendEvent(ctx, run, "validation_result", decision); err != nil {
		return applyResult{}, err
	}
	if decision.Decision == "revise" {
		if newOutput != st.lastValidatedOutput {
			st.validationAttempts = 0
			st.validationRetryRequested = false
			st.lastValidatedOutput = newOutput
		}
		st.validationAttempts++
		if decision.Retry {
			st.validationRetryRequested = true
		}
		if decision.Retry && st.validationAttempts < 2 {
			st.validationFeedback = decision.Feedback
			return applyResult{}, nil
		}
		// Budget exhausted: if a retry was actually requested at some
		// point in this sequence, surface that distinctly from a bare
		// override (the model never asked to retry, or already spent
		// its one retry=true) so the transcript can tell the two apart.
		event := "validation_override"
		if st.validationRetryRequested {
			event = "validation_retry_exhausted"
		}
		if err := e.appendEvent(ctx, run, event, map[string]string{"feedback": decision.Feedback}); err != nil {
			return applyResult{}, err
		}
	}

	run.OutputText = newOutput
	st.lastOutputSent = newOutput
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return applyResult{}, fmt.Errorf("update run output: %w", err)
	}
	if err := e.appendStep(ctx, run, models.StepOutputUpdate, "", nil, json.RawMessage(`{}`), models.StepStatusCompleted, ""); err != nil {
		return applyResult{}, err
	}

	if !isFinish {
		return applyResult{}, nil
	}
	return e.finishRun(ctx, run, newOutput)
}

// validationResultDTO is the shape validateOutput's LLM call parses into.
type validationResultDTO = models.ValidationResultEvent

// validateOutput runs the output-validation gate described in spec.md
// SS4.1.4. A nil llm client (e.g. in unit tests) auto-sends.
func (e *Engine) validateOutput(ctx context.Context, run *models.Run, st *iterState, output string) (validationResultDTO, error) {
	if e.llm == nil || st.validationAttempts >= 2 {
		return validationResultDTO{Decision: "send"}, nil
	}
	prompt := fmt.Sprintf("Review this draft output for correctness and completeness against the task %q. Respond with JSON {\"decision\":\"send\"|\"revise\",\"feedback\":\"...\",\"retry\":true|false}.\n\nOUTPUT:\n%s", run.InputText, output)
	req := &llm.CompletionRequest{
		Messages:       []llm.CompletionMessage{{Role: "user", Content: prompt}},
		TimeoutSeconds: int(e.config.LLMCallTimeout.Seconds()),
	}
	value, _, err := e.llm.CompleteJSON(ctx, req, func(text string) (any, error) {
		var v validationResultDTO
		if jerr := json.Unmarshal([]byte(text), &v); jerr != nil {
			return nil, jerr
		}
		if v.Decision != "send" && v.Decision != "revise" {
			return nil, fmt.Errorf("decision must be send or revise")
		}
		return v, nil
	}, 1)
	if err != nil {
		return validationResultDTO{Decision: "send"}, nil
	}
	return value.(validationResultDTO), nil
}

// finishRun marks the run completed, cascades cancellation for
// coordinators, delivers the outbound message for non-subagents, and
// wakes the parent if present.
func (e *Engine) finishRun(ctx context.Context, run *models.Run, output string) (applyResult, error) {
	run.Status = models.RunStatusCompleted
	run.OutputText = output
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return applyResult{}, fmt.Errorf("update run on finish: %w", err)
	}
	e.Metrics.RunFinished(string(run.Role()), "completed", time.Since(run.CreatedAt).Seconds())
	if err := e.appendStep(ctx, run, models.StepFinish, "", nil, json.RawMessage(`{}`), models.StepStatusCompleted, "finish:"+run.ID); err != nil {
		return applyResult{}, err
	}

	if run.IsCoordinator() {
		if _, err := e.store.CascadeCancelDescendants(ctx, run.RootRunID); err != nil {
			return applyResult{}, fmt.Errorf("cascade cancel descendants: %w", err)
		}
	}

	// Subagents/subsubagents don't deliver to the end user; their output
	// is picked up by the parent via deliver_subagent_output.
	if run.IsCoordinator() {
		msg := &models.Message{
			ID: uuid.NewString(), UserID: run.UserID, ChannelID: run.ChannelID, ContextID: run.ContextID,
			Content: output, Direction: models.DirectionOutbound, DeliveryStatus: models.DeliveryPending,
			Metadata: models.MessageMeta{Source: "run_engine", RunID: run.ID}, CreatedAt: time.Now(),
		}
		if err := e.store.CreateMessage(ctx, msg); err != nil {
			return applyResult{}, fmt.Errorf("create outbound message: %w", err)
		}
	}

	if run.ParentRunID != "" {
		if err := e.wakeParentRun(ctx, run.ParentRunID); err != nil {
			return applyResult{}, err
		}
	}

	return applyResult{terminal: true}, nil
}

// applyQueueOp mutates run.InputJSON.State.Queue per cmd.Action.
func (e *Engine) applyQueueOp(ctx context.Context, run *models.Run, cmd *models.RunCommand) error {
	switch cmd.QueueAction {
	case models.QueueActionPush:
		run.InputJSON.State.Queue = append(run.InputJSON.State.Queue, cmd.Items...)
	case models.QueueActionShift:
		if len(run.InputJSON.State.Queue) > 0 {
			run.InputJSON.State.Queue = run.InputJSON.State.Queue[1:]
		}
	case models.QueueActionClear:
		run.InputJSON.State.Queue = nil
	case models.QueueActionSet:
		run.InputJSON.State.Queue = cmd.Items
	}
	return e.store.UpdateRun(ctx, run)
}

// applySetRunLimits extends runIterationLimit, clamped to the hard cap,
// and refuses the extension (force-finishing budget_stuck) if the run has
// shown no progress in the last three iterations.
func (e *Engine) applySetRunLimits(ctx context.Context, run *models.Run, st *iterState, cmd *models.RunCommand) error {
	if st.noProgressLastThree() {
		if err := e.appendEvent(ctx, run, "budget_decision", models.BudgetDecisionEvent{Action: "finish", Reason: "budget_stuck"}); err != nil {
			return err
		}
		_, err := e.finishRun(ctx, run, run.OutputText)
		return err
	}
	st.runLimit = e.config.clampIterationLimit(cmd.MaxIterations)
	return e.appendEvent(ctx, run, "budget_decision", models.BudgetDecisionEvent{Action: "extend", Reason: cmd.Reason, MaxIterations: st.runLimit})
}

// applySpawn creates one or more child runs, enqueues a run job for each,
// and suspends the spawning run into waiting with a watchdog wake.
func (e *Engine) applySpawn(ctx context.Context, run *models.Run, st *iterState, specs []models.SpawnSpec) (applyResult, error) {
	refs := make([]models.SpawnedSubagentRef, 0, len(specs))
	for _, spec := range specs {
		sig := spawnSignature(&spec)
		if st.spawnSignaturesSeen[sig] {
			st.blockedSpawnCount++
			if err := e.appendEvent(ctx, run, "spawn_blocked", models.SpawnBlockedEvent{Reason: "duplicate_spawn_signature"}); err != nil {
				return applyResult{}, err
			}
			continue
		}
		st.spawnSignaturesSeen[sig] = true

		childLevel := run.InputJSON.AgentLevel + 1
		if spec.AgentLevel > childLevel {
			childLevel = spec.AgentLevel
		}
		child := &models.Run{
			ID: uuid.NewString(), TenantID: run.TenantID, AgentID: run.AgentID,
			UserID: run.UserID, ChannelID: run.ChannelID, ContextID: run.ContextID,
			ParentRunID: run.ID, RootRunID: run.RootRunID,
			Kind: models.RunKindSubagent, Profile: spec.Profile,
			InputText:    spec.Task,
			AllowedTools: spec.Tools,
			Status:       models.RunStatusPending,
			CreatedAt:    time.Now(), UpdatedAt: time.Now(),
		}
		child.InputJSON = models.RunInput{
			AgentLevel:     childLevel,
			AllowSubagents: childLevel < 2,
			Context:        normalizeSpawnContext(spec, run),
			State:          models.RunState{Queue: []string{}},
		}
		if err := e.store.CreateRun(ctx, child); err != nil {
			return applyResult{}, fmt.Errorf("create child run: %w", err)
		}
		if err := e.enqueueRunJob(ctx, child); err != nil {
			return applyResult{}, err
		}
		refs = append(refs, models.SpawnedSubagentRef{RunID: child.ID, Task: child.InputText, Profile: child.Profile})
	}

	if len(refs) == 0 {
		st.allBlockedSpawnCount++
		if st.allBlockedSpawnCount < 2 {
			if err := e.systemNote(ctx, run, st, "every spawn in this batch duplicated one already attempted"); err != nil {
				return applyResult{}, err
			}
			return applyResult{}, nil
		}
		if run.IsCoordinator() {
			run.OutputText = "I can't make progress here: every subagent I tried to spawn duplicates one already attempted. Could you clarify or rephrase the request?"
			return e.finishRunWithReason(ctx, run, "spawn_all_blocked_clarification")
		}
		run.OutputText = "Abandoning this task: every subagent spawn attempt duplicated one already tried, and no new approach is available."
		return e.finishRunWithReason(ctx, run, "spawn_all_blocked_abandon")
	}

	if err := e.appendEvent(ctx, run, "spawn_subagents", models.SpawnSubagentsEvent{Subagents: refs}); err != nil {
		return applyResult{}, err
	}

	wakeAt := time.Now().Add(e.config.SubagentWatchdogDelay)
	run.Status = models.RunStatusWaiting
	run.WakeAt = &wakeAt
	run.WakeReason = "subagent_watchdog"
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return applyResult{}, fmt.Errorf("update run to waiting after spawn: %w", err)
	}
	if err := e.enqueueWakeJob(ctx, run.ID, "subagent_watchdog", e.config.SubagentWatchdogDelay); err != nil {
		return applyResult{}, err
	}
	return applyResult{terminal: true}, nil
}

// normalizeSpawnContext augments a spawn's seeded context with the
// user-request summary, location/time window, tool hints, output format,
// and success criteria when the model's context omitted them, per
// spec.md SS4.1 "Spawn and wake".
func normalizeSpawnContext(spec models.SpawnSpec, parent *models.Run) []string {
	out := make([]string, 0, len(spec.Context)+5)
	for _, c := range spec.Context {
		out = append(out, c.Role+": "+c.Content)
	}

	joined := strings.ToLower(strings.Join(out, "\n"))
	mentions := func(keywords ...string) bool {
		for _, k := range keywords {
			if strings.Contains(joined, k) {
				return true
			}
		}
		return false
	}

	if !mentions("request") {
		out = append(out, "context: user request summary: "+parent.InputText)
	}
	if !mentions("location", "time window", "today", "tomorrow", "deadline", "schedule") {
		out = append(out, "context: time window: request issued at "+time.Now().Format(time.RFC3339))
	}
	if len(spec.Tools) > 0 && !mentions("tool") {
		out = append(out, "context: tool hints: use "+strings.Join(spec.Tools, ", "))
	}
	if !mentions("output format", "format:") {
		out = append(out, "context: output format: a concise answer suitable for direct delivery to the end user")
	}
	if !mentions("success criteria", "criteria:") {
		out = append(out, "context: success criteria: directly answers the task above; state explicitly if it cannot be completed")
	}
	return out
}

// applyRequestParent appends to the parent's inbox, wakes it, and
// suspends the child into waiting_for_parent -- unless this is a repeat
// of the last request_parent message, which instead ends the run to
// prevent a parent/child deadlock.
func (e *Engine) applyRequestParent(ctx context.Context, run *models.Run, st *iterState, cmd *models.RunCommand) (applyResult, error) {
	if run.InputJSON.State.LastRequestParentMessage == cmd.Message {
		run.InputJSON.State.RequestParentRepeatCount++
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return applyResult{}, err
		}
		return e.finishRunWithReason(ctx, run, "request_parent_repeat")
	}

	parent, err := e.store.GetRun(ctx, run.ParentRunID)
	if err != nil || parent == nil {
		return applyResult{}, fmt.Errorf("load parent run %s: %w", run.ParentRunID, err)
	}
	parent.InputJSON.State.Inbox = append(parent.InputJSON.State.Inbox, models.InboxEntry{
		FromRunID: run.ID, Message: cmd.Message, At: time.Now(),
	})
	if err := e.store.UpdateRun(ctx, parent); err != nil {
		return applyResult{}, fmt.Errorf("update parent inbox: %w", err)
	}
	if err := e.wakeParentRun(ctx, parent.ID); err != nil {
		return applyResult{}, err
	}

	run.InputJSON.State.LastRequestParentMessage = cmd.Message
	run.InputJSON.State.WaitingForParent = true
	run.Status = models.RunStatusWaiting
	run.WakeReason = "waiting_for_parent"
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return applyResult{}, fmt.Errorf("update run to waiting_for_parent: %w", err)
	}
	return applyResult{terminal: true}, nil
}

func (e *Engine) finishRunWithReason(ctx context.Context, run *models.Run, reason string) (applyResult, error) {
	if err := e.appendEvent(ctx, run, reason, map[string]string{"reason": reason}); err != nil {
		return applyResult{}, err
	}
	return e.finishRun(ctx, run, run.OutputText)
}

// applyReplySubagent appends to the child's inbox and wakes it.
func (e *Engine) applyReplySubagent(ctx context.Context, run *models.Run, cmd *models.RunCommand) error {
	child, err := e.store.GetRun(ctx, cmd.RunID)
	if err != nil || child == nil {
		return fmt.Errorf("load child run %s: %w", cmd.RunID, err)
	}
	child.InputJSON.State.Inbox = append(child.InputJSON.State.Inbox, models.InboxEntry{
		FromRunID: run.ID, Message: cmd.Message, At: time.Now(),
	})
	child.InputJSON.State.WaitingForParent = false
	child.Status = models.RunStatusPending
	child.WakeAt = nil
	child.WakeReason = ""
	if err := e.store.UpdateRun(ctx, child); err != nil {
		return fmt.Errorf("update child run on reply: %w", err)
	}
	return e.enqueueRunJob(ctx, child)
}

// applyRetrySubagent re-enqueues a failed or stuck child with feedback
// appended to its inbox.
func (e *Engine) applyRetrySubagent(ctx context.Context, run *models.Run, cmd *models.RunCommand) error {
	child, err := e.store.GetRun(ctx, cmd.RunID)
	if err != nil || child == nil {
		return fmt.Errorf("load child run %s: %w", cmd.RunID, err)
	}
	if cmd.Feedback != "" {
		child.InputJSON.State.Inbox = append(child.InputJSON.State.Inbox, models.InboxEntry{
			FromRunID: run.ID, Message: cmd.Feedback, At: time.Now(),
		})
	}
	child.Status = models.RunStatusPending
	child.WakeAt = nil
	child.WakeReason = ""
	if err := e.store.UpdateRun(ctx, child); err != nil {
		return fmt.Errorf("update child run on retry: %w", err)
	}
	return e.enqueueRunJob(ctx, child)
}

// applyDeliverSubagentOutput copies a finished child's output into the
// coordinator's transcript as a subagent-result step.
func (e *Engine) applyDeliverSubagentOutput(ctx context.Context, run *models.Run, cmd *models.RunCommand) error {
	child, err := e.store.GetRun(ctx, cmd.RunID)
	if err != nil || child == nil {
		return fmt.Errorf("load child run %s: %w", cmd.RunID, err)
	}
	result, _ := json.Marshal(subagentResultView{RunID: child.ID, Task: child.InputText, Output: child.OutputText})
	return e.appendStep(ctx, run, models.StepMessage, "", nil, result, models.StepStatusCompleted, "deliver:"+child.ID)
}

// hasActiveSubagent reports whether run has at least one direct child run
// that hasn't reached a terminal status, the second half of the
// coordinator sleep precondition.
func (e *Engine) hasActiveSubagent(ctx context.Context, run *models.Run) (bool, error) {
	children, err := e.store.ListRuns(ctx, store.RunFilter{TenantID: run.TenantID, RootRunID: run.RootRunID})
	if err != nil {
		return false, fmt.Errorf("list runs for active-subagent check: %w", err)
	}
	for _, child := range children {
		if child.ParentRunID == run.ID && !child.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// applySleep validates the coordinator/subagent sleep preconditions and
// suspends the run into waiting.
func (e *Engine) applySleep(ctx context.Context, run *models.Run, st *iterState, cmd *models.RunCommand) (applyResult, error) {
	if run.Role() == models.RoleCoordinator {
		if len(run.InputJSON.State.Queue) != 0 {
			return applyResult{}, e.systemNote(ctx, run, st, "sleep is only valid for a coordinator when the queue is empty")
		}
		active, err := e.hasActiveSubagent(ctx, run)
		if err != nil {
			return applyResult{}, err
		}
		if !active {
			return applyResult{}, e.systemNote(ctx, run, st, "sleep is only valid for a coordinator when at least one subagent is still running")
		}
	} else if !run.InputJSON.State.WaitingForParent {
		return applyResult{}, e.systemNote(ctx, run, st, "sleep is only valid for a subagent while waiting_for_parent")
	}

	run.Status = models.RunStatusWaiting
	run.WakeReason = "sleep"

	switch {
	case cmd.Cron != "":
		sched, err := cronParser.Parse(cmd.Cron)
		if err != nil {
			return applyResult{}, e.systemNote(ctx, run, st, "invalid cron expression: "+err.Error())
		}
		spec, _ := json.Marshal(models.CronTriggerSpec{Expression: cmd.Cron})
		trigger := &models.Trigger{
			ID: uuid.NewString(), AgentID: run.AgentID, RunID: run.ID, Type: models.TriggerCron,
			SpecJSON: spec, NextFireAt: sched.Next(time.Now()), Enabled: true,
		}
		if err := e.store.CreateTrigger(ctx, trigger); err != nil {
			return applyResult{}, fmt.Errorf("create cron trigger: %w", err)
		}
	case cmd.WakeAt != "":
		wakeAt, err := time.Parse(time.RFC3339, cmd.WakeAt)
		if err != nil {
			return applyResult{}, fmt.Errorf("parse wake_at: %w", err)
		}
		run.WakeAt = &wakeAt
		if err := e.enqueueWakeJobAt(ctx, run.ID, "sleep", wakeAt); err != nil {
			return applyResult{}, err
		}
	default:
		wakeAt := time.Now().Add(time.Duration(cmd.DelaySeconds) * time.Second)
		run.WakeAt = &wakeAt
		if err := e.enqueueWakeJob(ctx, run.ID, "sleep", time.Duration(cmd.DelaySeconds)*time.Second); err != nil {
			return applyResult{}, err
		}
	}

	if err := e.store.UpdateRun(ctx, run); err != nil {
		return applyResult{}, fmt.Errorf("update run to waiting on sleep: %w", err)
	}
	return applyResult{terminal: true}, nil
}

// enqueueRunJob signals that runID is claimable; the actual claim picks
// whichever claimable row the tenant currently has, matching
// internal/store.Store.ClaimRun's scan-not-targeted semantics.
func (e *Engine) enqueueRunJob(ctx context.Context, run *models.Run) error {
	payload, _ := json.Marshal(queue.RunPayload{RunID: run.ID, TenantID: run.TenantID})
	return e.queueStore.Enqueue(ctx, &queue.Job{ID: uuid.NewString(), Queue: queue.Runs, Payload: payload, CreatedAt: time.Now()})
}

func (e *Engine) enqueueWakeJob(ctx context.Context, runID, reason string, delay time.Duration) error {
	return e.enqueueWakeJobAt(ctx, runID, reason, time.Now().Add(delay))
}

func (e *Engine) enqueueWakeJobAt(ctx context.Context, runID, reason string, at time.Time) error {
	payload, _ := json.Marshal(queue.WakePayload{RunID: runID, Reason: reason})
	return e.queueStore.Enqueue(ctx, &queue.Job{ID: uuid.NewString(), Queue: queue.Wake, Payload: payload, VisibleAt: at, CreatedAt: time.Now()})
}

// wakeParentRun transitions parentRunID from waiting to pending (a no-op
// if it's already non-waiting) and enqueues a run job either way.
func (e *Engine) wakeParentRun(ctx context.Context, parentRunID string) error {
	parent, err := e.store.GetRun(ctx, parentRunID)
	if err != nil || parent == nil {
		return fmt.Errorf("load parent run %s: %w", parentRunID, err)
	}
	if parent.Status == models.RunStatusWaiting {
		parent.Status = models.RunStatusPending
		parent.WakeAt = nil
		parent.WakeReason = ""
		if err := e.store.UpdateRun(ctx, parent); err != nil {
			return fmt.Errorf("wake parent run: %w", err)
		}
	}
	return e.enqueueRunJob(ctx, parent)
}
