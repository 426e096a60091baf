// Package runengine implements the iteration loop that drives one run
// (coordinator, subagent, or subsubagent) to completion: it claims a
// claimable run, assembles an LLM request from its transcript and state,
// parses and validates the model's one-command-per-turn reply, applies
// the command, and repeats until the run suspends or finishes.
package runengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/metrics"
	"github.com/haasonsaas/conductor/internal/policyengine"
	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/internal/trace"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Engine drives runs claimed off the runs/wake queues through the
// iteration loop described in spec.md SS4.1. One Engine is shared across
// all tenants and runs claimed by a worker process.
type Engine struct {
	store      store.Store
	queueStore queue.Store
	llm        *llm.Client
	tools      *tools.Registry
	policy     *policyengine.Engine
	config     Config
	logger     *slog.Logger

	// Metrics is optional; nil disables recording.
	Metrics *metrics.Metrics

	// Tracer is optional; nil spans go to otel's global no-op tracer.
	Tracer *trace.Tracer
}

// New builds an Engine over its collaborators. logger may be nil, in
// which case slog.Default is used.
func New(st store.Store, qs queue.Store, llmClient *llm.Client, registry *tools.Registry, policy *policyengine.Engine, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store: st, queueStore: qs, llm: llmClient, tools: registry,
		policy: policy, config: cfg, logger: logger.With("component", "runengine"),
	}
}

// RegisterHandlers wires HandleRunJob and HandleWakeJob onto w's runs and
// wake lanes. The memory-writes, messages, and delivery-acks lanes belong
// to other engines (internal/memorywriter and the delivery subsystem).
func (e *Engine) RegisterHandlers(w *queue.Worker) {
	w.Handle(queue.Runs, e.HandleRunJob)
	w.Handle(queue.Wake, e.HandleWakeJob)
}

// HandleRunJob is the queue.Handler for the runs lane: claim whatever run
// the tenant has claimable right now and iterate it to a suspend point.
func (e *Engine) HandleRunJob(ctx context.Context, job *queue.Job) error {
	var payload queue.RunPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode run payload: %w", err)
	}
	return e.claimAndIterate(ctx, payload.TenantID)
}

// HandleWakeJob is the queue.Handler for the wake lane: a trigger fired or
// a parent/child wake was requested. The payload names which run and why,
// but per ClaimRun's scan-not-targeted design the engine simply re-claims
// whatever is claimable for that run's tenant -- WakeAt/status on the
// named run is what actually makes it claimable.
func (e *Engine) HandleWakeJob(ctx context.Context, job *queue.Job) error {
	var payload queue.WakePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode wake payload: %w", err)
	}
	run, err := e.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("load woken run %s: %w", payload.RunID, err)
	}
	if run == nil {
		return nil
	}
	return e.claimAndIterate(ctx, run.TenantID)
}

// RunOnce claims and iterates every currently-claimable run for tenantID,
// exactly as HandleRunJob does, without going through the queue. Exposed
// for cmd/conductor's "once" debug command and for tests that want to
// drive the engine directly.
func (e *Engine) RunOnce(ctx context.Context, tenantID string) error {
	return e.claimAndIterate(ctx, tenantID)
}

// claimAndIterate claims one run for tenantID and drives it to a
// suspend point, looping over further claimable runs for the same tenant
// until ClaimRun reports nothing left (a single job can thus clear a
// backlog of several claimable runs in one dispatch).
func (e *Engine) claimAndIterate(ctx context.Context, tenantID string) error {
	for {
		run, err := e.store.ClaimRun(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("claim run: %w", err)
		}
		if run == nil {
			return nil
		}
		e.Metrics.RunClaimed(string(run.Role()))
		if err := e.runToSuspend(ctx, run); err != nil {
			e.logger.Error("run failed", "run_id", run.ID, "error", err)
			if failErr := e.failRun(ctx, run, err); failErr != nil {
				return fmt.Errorf("record run failure: %w", failErr)
			}
		}
	}
}

// failRun marks run failed, cascades cancellation to its descendants if
// it's a coordinator, and wakes its parent (if any) so the parent isn't
// left waiting forever on a child that will never finish.
func (e *Engine) failRun(ctx context.Context, run *models.Run, cause error) error {
	run.Status = models.RunStatusFailed
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.Metrics.RunFinished(string(run.Role()), "failed", time.Since(run.CreatedAt).Seconds())
	args, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if err := e.appendStep(ctx, run, models.StepMessage, "", nil, args, models.StepStatusFailed, ""); err != nil {
		return err
	}
	if run.IsCoordinator() {
		if _, err := e.store.CascadeCancelDescendants(ctx, run.RootRunID); err != nil {
			return err
		}
	}
	if run.ParentRunID != "" {
		parent, err := e.store.GetRun(ctx, run.ParentRunID)
		if err == nil && parent != nil {
			if err := e.appendEvent(ctx, parent, "subagent_failed", map[string]string{"run_id": run.ID, "error": cause.Error()}); err != nil {
				return err
			}
			return e.wakeParentRun(ctx, parent.ID)
		}
	}
	return nil
}

// runToSuspend drives run through the iteration loop until it suspends
// (waiting) or reaches a terminal status, per spec.md SS4.1's ten steps.
func (e *Engine) runToSuspend(ctx context.Context, run *models.Run) error {
	runLimit := e.config.clampIterationLimit(e.config.RunMaxIterations)
	st := newIterState(run, runLimit)

	for {
		// Step 1: re-read status. A run can be cancelled out from under
		// a claim (e.g. a coordinator finishing and cascade-cancelling
		// its descendants) between claims within this same loop.
		fresh, err := e.store.GetRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("reload run: %w", err)
		}
		if fresh == nil || fresh.Status.IsTerminal() {
			return nil
		}
		run = fresh

		// Step 2: runtime ceiling. First breach gets a single warning
		// system-note; only a second breach force-finishes.
		if e.config.RunMaxRuntimeMs > 0 {
			elapsed := time.Since(run.CreatedAt)
			if elapsed.Milliseconds() > e.config.RunMaxRuntimeMs {
				if !st.runtimeWarned {
					st.runtimeWarned = true
					if err := e.systemNote(ctx, run, st, "runtime ceiling exceeded; finish soon or this run will be force-finished"); err != nil {
						return err
					}
				} else {
					if _, err := e.forceFinish(ctx, run, st, "runtime_exceeded"); err != nil {
						return err
					}
					return nil
				}
			}
		}

		st.iteration++

		// Hard ceiling: never make another LLM-calling iteration once the
		// absolute cap is reached, regardless of runLimit or budgetStrikes
		// -- set_run_limits can move runLimit but never past this cap, and
		// strikes against an already-capped runLimit must not buy extra
		// iterations past it.
		if st.iteration > e.config.RunMaxIterationsHardCap {
			if _, err := e.forceFinish(ctx, run, st, "max_iterations"); err != nil {
				return err
			}
			return nil
		}

		e.Metrics.RunIterated(string(run.Role()))
		iterCtx, iterSpan := e.Tracer.RunIteration(ctx, run.ID, string(run.Role()), st.iteration)

		// Step 3: budget state.
		budgetExceeded := st.actionCount > 0 && st.iteration >= st.runLimit

		// Step 4-6: assemble request, call the LLM, parse into a command.
		cmd, err := e.nextCommand(iterCtx, run, st, budgetExceeded)
		if err != nil {
			e.Tracer.RecordError(iterSpan, err)
			iterSpan.End()
			return fmt.Errorf("get next command: %w", err)
		}
		iterSpan.End()

		// Step 7: validate against role/rationale/budget/limitation state.
		outcome := e.validateCommand(run, st, cmd, budgetExceeded)
		if !outcome.allowed {
			if outcome.autoSpawn {
				cmd = autoSpawnCommandFor(cmd)
			} else {
				if budgetExceeded && outcome.reason == "budget_exceeded" {
					st.budgetStrikes++
					if st.budgetStrikes >= 4 {
						if _, err := e.forceFinish(ctx, run, st, "max_iterations"); err != nil {
							return err
						}
						return nil
					}
				}
				if err := e.recordBlocked(ctx, run, st, outcome); err != nil {
					return err
				}
				continue
			}
		}

		// Step 8: apply the command.
		result, err := e.apply(ctx, run, st, cmd)
		if err != nil {
			return fmt.Errorf("apply command %s: %w", cmd.Type, err)
		}
		if result.terminal {
			return nil
		}

		// Step 9: anti-loop detectors.
		loopResult, err := e.postIterationChecks(ctx, run, st, cmd)
		if err != nil {
			return err
		}
		if loopResult.terminal {
			return nil
		}

		// Step 10: loop back for the next iteration unless the apply
		// step itself suspended the run (spawn/sleep/request_parent all
		// return terminal=true above without this path running).
	}
}

// nextCommand assembles the LLM request and retries until ParseCommand
// succeeds or the JSON-retry budget is exhausted, per runMaxJsonRetries.
func (e *Engine) nextCommand(ctx context.Context, run *models.Run, st *iterState, budgetExceeded bool) (*models.RunCommand, error) {
	req, err := e.buildRequest(ctx, run, st, budgetExceeded)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if e.config.RunDebugPrompts {
		e.logger.Debug("assembled run request", "run_id", run.ID, "system", req.System, "payload", req.Messages[0].Content)
	}

	value, _, err := e.llm.CompleteJSON(ctx, req, func(text string) (any, error) {
		return models.ParseCommand(text)
	}, e.config.RunMaxJsonRetries)
	if err != nil {
		return nil, fmt.Errorf("llm did not produce a parseable command: %w", err)
	}
	cmd, ok := value.(*models.RunCommand)
	if !ok || cmd == nil {
		return nil, fmt.Errorf("parsed command had unexpected type %T", value)
	}

	st.validationFeedback = ""
	st.lastBlockReason = ""
	st.lastBlockDetail = ""
	return cmd, nil
}

// autoSpawnCommandFor converts a coordinator's tool_call into a one-shot
// subagent spawn whose task is the tool invocation itself, per spec.md's
// "coordinator tool_call auto-converts to spawn_subagent" rule.
func autoSpawnCommandFor(original *models.RunCommand) *models.RunCommand {
	return &models.RunCommand{
		Type: models.CmdSpawnSubagent,
		Subagent: &models.SpawnSpec{
			Task:  fmt.Sprintf("Call tool %q with args %s and report the result back.", original.ToolName, string(original.ToolArgs)),
			Tools: []string{original.ToolName},
		},
	}
}
