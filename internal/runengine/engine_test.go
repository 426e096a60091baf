package runengine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/policyengine"
	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/pkg/models"
)

// scriptedProvider replays a fixed sequence of completion texts, cycling
// the last one forever once exhausted so a misbehaving test doesn't panic
// on an out-of-range index.
type scriptedProvider struct {
	replies []string
	calls   int
}

func (p *scriptedProvider) Name() string          { return "scripted" }
func (p *scriptedProvider) Models() []llm.Model   { return nil }
func (p *scriptedProvider) SupportsTools() bool    { return false }

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	idx := p.calls
	if idx >= len(p.replies) {
		idx = len(p.replies) - 1
	}
	p.calls++
	return &llm.CompletionResponse{Text: p.replies[idx]}, nil
}

func noteCmd(category, content string) string {
	b, _ := json.Marshal(map[string]string{"type": "note", "category": category, "content": content})
	return string(b)
}

const requirementsNote = `{"type":"note","category":"requirements","content":"output must be a short summary meeting the success criteria"}`
const planNote = `{"type":"note","category":"plan","content":"1. gather input\n2. produce the summary"}`
const artifactNote = `{"type":"note","category":"artifact","content":"This run will finish with a one-line answer for the requester."}`

func testEngine(t *testing.T, replies []string) (*Engine, *store.MemoryStore, *scriptedProvider) {
	t.Helper()
	st := store.NewMemoryStore()
	qs := queue.NewMemoryStore()
	provider := &scriptedProvider{replies: replies}
	client := llm.NewClient(provider)
	registry := tools.NewRegistry()
	policy := policyengine.New(nil, nil)
	cfg := DefaultConfig()
	cfg.RunMaxIterations = 4
	cfg.RunMinIterations = 1
	cfg.RunMaxIterationsHardCap = 40
	e := New(st, qs, client, registry, policy, cfg, nil)
	return e, st, provider
}

func newCoordinatorRun(id string) *models.Run {
	now := time.Now()
	return &models.Run{
		ID: id, TenantID: "t1", AgentID: "agent1", UserID: "u1",
		ChannelID: "c1", RootRunID: id, Kind: models.RunKindCoordinator,
		InputText: "summarize the quarterly report",
		Status:    models.RunStatusPending,
		InputJSON: models.RunInput{State: models.RunState{Queue: []string{}}},
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestRunToSuspend_FinishAfterRationalePrelude(t *testing.T) {
	e, st, _ := testEngine(t, []string{
		requirementsNote, planNote, artifactNote,
		`{"type":"finish","output":"Revenue is up 12% quarter over quarter."}`,
	})
	run := newCoordinatorRun("run-1")
	require.NoError(t, st.CreateRun(context.Background(), run))

	require.NoError(t, e.runToSuspend(context.Background(), run))

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, "Revenue is up 12% quarter over quarter.", got.OutputText)
}

func TestValidateCommand_BlocksActionBeforeRationalePrelude(t *testing.T) {
	e, _, _ := testEngine(t, nil)
	run := newCoordinatorRun("run-2")
	st := newIterState(run, 4)

	cmd := &models.RunCommand{Type: models.CmdFinish, Output: "done"}
	outcome := e.validateCommand(run, st, cmd, false)
	assert.False(t, outcome.allowed)
	assert.Equal(t, "rationale_required", outcome.reason)
}

func TestValidateCommand_CoordinatorToolCallAutoSpawns(t *testing.T) {
	e, _, _ := testEngine(t, nil)
	run := newCoordinatorRun("run-3")
	st := newIterState(run, 4)
	st.rationaleReady = true

	args, _ := json.Marshal(map[string]string{"query": "hello"})
	cmd := &models.RunCommand{Type: models.CmdToolCall, ToolName: "websearch.run", ToolArgs: args}
	outcome := e.validateCommand(run, st, cmd, false)
	assert.False(t, outcome.allowed)
	assert.True(t, outcome.autoSpawn)
}

func TestValidateCommand_SubagentCannotSendMessage(t *testing.T) {
	e, _, _ := testEngine(t, nil)
	run := newCoordinatorRun("run-4")
	run.Kind = models.RunKindSubagent
	run.InputJSON.AgentLevel = 1
	st := newIterState(run, 4)
	st.rationaleReady = true

	cmd := &models.RunCommand{Type: models.CmdSendMessage, Message: "hi"}
	outcome := e.validateCommand(run, st, cmd, false)
	assert.False(t, outcome.allowed)
	assert.Equal(t, "role_violation", outcome.reason)
}

func TestRunToSuspend_BudgetExceededForcesFinishAfterFourStrikes(t *testing.T) {
	// runMaxIterations is clamped to 4 by testEngine's cfg. After the
	// rationale prelude, every further note is an action-less command
	// that nonetheless keeps getting submitted once the budget is
	// exhausted; set_run_limits/finish are the only accepted commands,
	// so four refused notes in a row should force a max_iterations finish.
	e, st, _ := testEngine(t, []string{
		requirementsNote, planNote, artifactNote,
		noteCmd("requirements", "still thinking about the output format"),
		noteCmd("requirements", "still thinking about the output format"),
		noteCmd("requirements", "still thinking about the output format"),
		noteCmd("requirements", "still thinking about the output format"),
		noteCmd("requirements", "still thinking about the output format"),
		noteCmd("requirements", "still thinking about the output format"),
	})
	run := newCoordinatorRun("run-5")
	require.NoError(t, st.CreateRun(context.Background(), run))

	require.NoError(t, e.runToSuspend(context.Background(), run))

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)

	steps, err := st.ListSteps(context.Background(), run.ID, 0)
	require.NoError(t, err)
	foundForceFinish := false
	for _, s := range steps {
		if s.Type == models.StepMessage {
			var args map[string]string
			_ = json.Unmarshal(s.ArgsJSON, &args)
			if args["event"] == "force_finish" {
				foundForceFinish = true
			}
		}
	}
	assert.True(t, foundForceFinish, "expected a force_finish event once the budget's refusal strikes were exhausted")
}

func TestApplySpawn_SuspendsCoordinatorAndCreatesChild(t *testing.T) {
	e, st, _ := testEngine(t, nil)
	run := newCoordinatorRun("run-6")
	require.NoError(t, st.CreateRun(context.Background(), run))
	iter := newIterState(run, 4)

	cmd := &models.RunCommand{Type: models.CmdSpawnSubagent, Subagent: &models.SpawnSpec{Task: "look up the Q3 numbers", Tools: []string{"websearch"}}}
	result, err := e.apply(context.Background(), run, iter, cmd)
	require.NoError(t, err)
	assert.True(t, result.terminal)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaiting, got.Status)
	assert.Equal(t, "subagent_watchdog", got.WakeReason)

	children, err := st.ListRuns(context.Background(), store.RunFilter{TenantID: run.TenantID, RootRunID: run.RootRunID})
	require.NoError(t, err)
	var childCount int
	for _, c := range children {
		if c.ID != run.ID {
			childCount++
			assert.Equal(t, models.RunStatusPending, c.Status)
			assert.Equal(t, run.ID, c.ParentRunID)
		}
	}
	assert.Equal(t, 1, childCount)
}

func TestFinishRun_CascadeCancelsDescendantsForCoordinator(t *testing.T) {
	e, st, _ := testEngine(t, nil)
	root := newCoordinatorRun("root-1")
	require.NoError(t, st.CreateRun(context.Background(), root))

	child := newCoordinatorRun("child-1")
	child.Kind = models.RunKindSubagent
	child.ParentRunID = root.ID
	child.RootRunID = root.ID
	child.InputJSON.AgentLevel = 1
	child.Status = models.RunStatusRunning
	require.NoError(t, st.CreateRun(context.Background(), child))

	_, err := e.finishRun(context.Background(), root, "final answer")
	require.NoError(t, err)

	gotChild, err := st.GetRun(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, gotChild.Status)
}

func TestApplyNote_ArtifactMustBeDistinctFromRequirementsAndPlan(t *testing.T) {
	e, st, _ := testEngine(t, nil)
	run := newCoordinatorRun("run-7")
	require.NoError(t, st.CreateRun(context.Background(), run))
	iter := newIterState(run, 4)

	require.NoError(t, e.applyNote(context.Background(), run, iter, &models.RunCommand{Type: models.CmdNote, Category: models.NoteRequirements, Content: "output must be a short summary meeting the success criteria"}))
	require.NoError(t, e.applyNote(context.Background(), run, iter, &models.RunCommand{Type: models.CmdNote, Category: models.NotePlan, Content: "1. gather input\n2. produce the summary"}))

	// Near-duplicate of the requirements note -- should be rejected and
	// NOT flip rationaleReady.
	require.NoError(t, e.applyNote(context.Background(), run, iter, &models.RunCommand{Type: models.CmdNote, Category: models.NoteArtifact, Content: "output must be a short summary meeting the success criteria"}))
	assert.False(t, iter.rationaleReady)

	require.NoError(t, e.applyNote(context.Background(), run, iter, &models.RunCommand{Type: models.CmdNote, Category: models.NoteArtifact, Content: "This run will finish with a one-line answer for the requester."}))
	assert.True(t, iter.rationaleReady)
}

func TestApplyToolCall_DuplicateSignatureTriggersLoopDetection(t *testing.T) {
	e, st, _ := testEngine(t, nil)
	run := newCoordinatorRun("run-8")
	run.Kind = models.RunKindSubagent
	run.InputJSON.AgentLevel = 1
	require.NoError(t, st.CreateRun(context.Background(), run))
	iter := newIterState(run, 4)
	iter.rationaleReady = true

	args, _ := json.Marshal(map[string]string{"q": "same query"})
	cmd := &models.RunCommand{Type: models.CmdToolCall, ToolName: "nosuchtool.run", ToolArgs: args}

	// The signature counter tracks repeated (name, args) pairs before the
	// policy/registry lookup even runs, so the first two calls (each
	// denied for lacking an allow rule) still count toward the limit.
	for i := 0; i < 2; i++ {
		_, err := e.apply(context.Background(), run, iter, cmd)
		require.NoError(t, err)
	}
	result, err := e.apply(context.Background(), run, iter, cmd)
	require.NoError(t, err)
	assert.True(t, result.terminal)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
}

func TestClampIterationLimit(t *testing.T) {
	cfg := Config{RunMinIterations: 4, RunMaxIterationsHardCap: 40}
	assert.Equal(t, 4, cfg.clampIterationLimit(1))
	assert.Equal(t, 40, cfg.clampIterationLimit(1000))
	assert.Equal(t, 10, cfg.clampIterationLimit(10))
}

func TestJaccardSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, jaccardSimilarity("the quick fox", "the quick fox"), 0.001)
	assert.Less(t, jaccardSimilarity("the quick fox", "totally unrelated text"), 0.3)
}

func TestApplySleep_CoordinatorRequiresEmptyQueueAndActiveSubagent(t *testing.T) {
	e, st, _ := testEngine(t, nil)
	run := newCoordinatorRun("run-9")
	require.NoError(t, st.CreateRun(context.Background(), run))
	iter := newIterState(run, 4)

	// Empty queue but no children at all: must be refused.
	result, err := e.applySleep(context.Background(), run, iter, &models.RunCommand{Type: models.CmdSleep, DelaySeconds: 30})
	require.NoError(t, err)
	assert.False(t, result.terminal)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status, "sleep must be refused with no active subagent")

	// Spawn a still-running child, then sleep should be accepted.
	child := newCoordinatorRun("run-9-child")
	child.Kind = models.RunKindSubagent
	child.ParentRunID = run.ID
	child.RootRunID = run.RootRunID
	child.InputJSON.AgentLevel = 1
	child.Status = models.RunStatusRunning
	require.NoError(t, st.CreateRun(context.Background(), child))

	result, err = e.applySleep(context.Background(), run, iter, &models.RunCommand{Type: models.CmdSleep, DelaySeconds: 30})
	require.NoError(t, err)
	assert.True(t, result.terminal)

	got, err = st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaiting, got.Status)
}

func TestApplySpawn_AllBlockedSecondAttemptFinishesCoordinatorWithClarification(t *testing.T) {
	e, st, _ := testEngine(t, nil)
	run := newCoordinatorRun("run-10")
	require.NoError(t, st.CreateRun(context.Background(), run))
	iter := newIterState(run, 4)

	spec := models.SpawnSpec{Task: "look up the Q3 numbers", Tools: []string{"weather"}}
	cmd := &models.RunCommand{Type: models.CmdSpawnSubagent, Subagent: &spec}

	// First attempt creates the child and records its signature.
	result, err := e.apply(context.Background(), run, iter, cmd)
	require.NoError(t, err)
	assert.True(t, result.terminal)

	// Reset the run back to pending/running so it can be iterated again,
	// as a watchdog wake would do.
	run.Status = models.RunStatusPending
	require.NoError(t, st.UpdateRun(context.Background(), run))

	// Second attempt with the identical spec: blocked as a duplicate, and
	// since refs is empty this is the first all-blocked attempt -- not
	// yet terminal.
	result, err = e.apply(context.Background(), run, iter, cmd)
	require.NoError(t, err)
	assert.False(t, result.terminal)
	assert.Equal(t, 1, iter.allBlockedSpawnCount)

	run.Status = models.RunStatusPending
	require.NoError(t, st.UpdateRun(context.Background(), run))

	// Third attempt, second all-blocked: the coordinator must finish with
	// a clarification request rather than wait forever.
	result, err = e.apply(context.Background(), run, iter, cmd)
	require.NoError(t, err)
	assert.True(t, result.terminal)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Contains(t, got.OutputText, "clarify")
}

func TestNormalizeSpawnContext_AugmentsMissingFields(t *testing.T) {
	parent := newCoordinatorRun("run-11")
	parent.InputText = "what's the weather in Bremen tomorrow?"

	out := normalizeSpawnContext(models.SpawnSpec{Task: "check the weather", Tools: []string{"weather"}}, parent)

	joined := strings.Join(out, "\n")
	assert.Contains(t, joined, "user request summary")
	assert.Contains(t, joined, "time window")
	assert.Contains(t, joined, "tool hints")
	assert.Contains(t, joined, "output format")
	assert.Contains(t, joined, "success criteria")
}

func TestNormalizeSpawnContext_DoesNotDuplicateSeededFields(t *testing.T) {
	parent := newCoordinatorRun("run-12")
	seeded := []models.SpawnContext{
		{Role: "system", Content: "user request summary: already provided"},
		{Role: "system", Content: "success criteria: already provided"},
	}
	out := normalizeSpawnContext(models.SpawnSpec{Task: "check the weather", Context: seeded}, parent)

	requestCount, criteriaCount := 0, 0
	for _, line := range out {
		if strings.Contains(strings.ToLower(line), "user request summary") {
			requestCount++
		}
		if strings.Contains(strings.ToLower(line), "success criteria") {
			criteriaCount++
		}
	}
	assert.Equal(t, 1, requestCount)
	assert.Equal(t, 1, criteriaCount)
}

func TestRunToSuspend_NeverExceedsHardIterationCap(t *testing.T) {
	replies := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		replies = append(replies, noteCmd("requirements", "still thinking about the output format"))
	}
	e, st, provider := testEngine(t, replies)
	e.config.RunMaxIterationsHardCap = 6
	run := newCoordinatorRun("run-13")
	require.NoError(t, st.CreateRun(context.Background(), run))

	require.NoError(t, e.runToSuspend(context.Background(), run))

	assert.LessOrEqual(t, provider.calls, e.config.RunMaxIterationsHardCap,
		"the engine must never make more LLM-calling iterations than runMaxIterationsHardCap")
}

func TestRunToSuspend_RuntimeCeilingWarnsOnceThenForceFinishes(t *testing.T) {
	e, st, _ := testEngine(t, []string{
		requirementsNote, planNote, artifactNote,
		noteCmd("requirements", "still working on this"),
		noteCmd("requirements", "still working on this"),
	})
	e.config.RunMaxRuntimeMs = 1
	run := newCoordinatorRun("run-14")
	run.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, st.CreateRun(context.Background(), run))

	require.NoError(t, e.runToSuspend(context.Background(), run))

	steps, err := st.ListSteps(context.Background(), run.ID, 0)
	require.NoError(t, err)
	sawWarning, sawForceFinish := false, false
	for _, s := range steps {
		if s.Type != models.StepMessage {
			continue
		}
		var args map[string]string
		_ = json.Unmarshal(s.ArgsJSON, &args)
		switch args["event"] {
		case "system_note":
			sawWarning = true
		case "force_finish":
			sawForceFinish = true
		}
	}
	assert.True(t, sawWarning, "expected a warning system-note on the first runtime-ceiling breach")
	assert.True(t, sawForceFinish, "expected a force-finish on the second runtime-ceiling breach")
}
