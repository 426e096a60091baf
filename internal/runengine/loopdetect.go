package runengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/pkg/models"
)

// postIterationChecks runs after apply has committed one iteration's
// command: it records the iteration into the 3-window repetition guard
// and, if the guard fires, force-finishes the run. It also fires the
// coordinator auto-recovery spawn when the run otherwise looks stuck.
// Called only when the command itself did not already end the run
// (applied.terminal is false).
func (e *Engine) postIterationChecks(ctx context.Context, run *models.Run, st *iterState, cmd *models.RunCommand) (applyResult, error) {
	snap := iterationSnapshot{
		hadToolCall: cmd.Type == models.CmdToolCall,
		output:      run.OutputText,
		signature:   commandSignature(cmd),
	}
	st.pushSnapshot(snap)

	if st.repetitionGuardTriggered() {
		if err := e.appendEvent(ctx, run, "loop_detected", models.LoopDetectedEvent{Kind: "pointless_loop"}); err != nil {
			return applyResult{}, err
		}
		return e.forceFinish(ctx, run, st, "pointless_loop")
	}

	if run.Role() == models.RoleCoordinator && !run.InputJSON.State.AutoRecoverySpawned {
		stuck, err := e.coordinatorLooksStuck(ctx, run, st)
		if err != nil {
			return applyResult{}, err
		}
		if stuck {
			return e.spawnRecoverySubagent(ctx, run, st)
		}
	}

	return applyResult{}, nil
}

// coordinatorLooksStuck implements the auto-recovery trigger: three or
// more system notes, two or more plan rewrites, or a blocked spawn with no
// currently active children.
func (e *Engine) coordinatorLooksStuck(ctx context.Context, run *models.Run, st *iterState) (bool, error) {
	if st.systemNoteCount >= 3 || st.planRewrites >= 2 {
		return true, nil
	}
	if st.blockedSpawnCount == 0 {
		return false, nil
	}
	children, err := e.store.ListRuns(ctx, store.RunFilter{TenantID: run.TenantID, RootRunID: run.RootRunID})
	if err != nil {
		return false, fmt.Errorf("list children for stuck check: %w", err)
	}
	for _, c := range children {
		if c.ID == run.ID {
			continue
		}
		if !c.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

// spawnRecoverySubagent spawns exactly one recovery subagent and marks the
// run so this never fires twice, per spec.md's "at most once per run".
func (e *Engine) spawnRecoverySubagent(ctx context.Context, run *models.Run, st *iterState) (applyResult, error) {
	run.InputJSON.State.AutoRecoverySpawned = true
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return applyResult{}, fmt.Errorf("mark auto-recovery spawned: %w", err)
	}
	spec := models.SpawnSpec{
		Task: fmt.Sprintf("Recovery: the coordinator for %q appears stuck (repeated notes or blocked spawns). Review the transcript, unblock the work, and report back.", run.InputText),
	}
	args, _ := json.Marshal(spec)
	if err := e.appendStep(ctx, run, models.StepMessage, "", args, json.RawMessage(`{"event":"auto_recovery"}`), models.StepStatusCompleted, ""); err != nil {
		return applyResult{}, err
	}
	return e.applySpawn(ctx, run, st, []models.SpawnSpec{spec})
}

// forceFinish ends a run on the engine's own initiative (budget, loop
// detection) rather than the model's, recording a force_finish event that
// carries reason before delegating to finishRun with whatever output text
// exists so far.
func (e *Engine) forceFinish(ctx context.Context, run *models.Run, st *iterState, reason string) (applyResult, error) {
	if err := e.appendEvent(ctx, run, "force_finish", models.FinishBlockedEvent{Reason: reason}); err != nil {
		return applyResult{}, err
	}
	return e.finishRun(ctx, run, run.OutputText)
}
