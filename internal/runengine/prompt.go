package runengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/pkg/models"
)

// requestPayload is the JSON user payload assembled at iteration step 4,
// per spec.md SS4.1's field list.
type requestPayload struct {
	Task                string               `json:"task"`
	OutputText          string               `json:"output_text"`
	Conversation        []conversationTurn   `json:"conversation"`
	Transcript          []transcriptEntry    `json:"transcript"`
	SubagentResults     []subagentResultView `json:"subagent_results,omitempty"`
	RunKind             models.RunKind       `json:"run_kind"`
	Profile             string               `json:"profile,omitempty"`
	Input               []string             `json:"input,omitempty"`
	Memories            []memoryView         `json:"memories,omitempty"`
	AgentLevel          int                  `json:"agent_level"`
	State               models.RunState      `json:"state"`
	ActiveSubagentCount int                  `json:"active_subagent_count"`
	ValidationFeedback  string               `json:"validation_feedback,omitempty"`
	LastBlock           *lastBlockView       `json:"last_block,omitempty"`
}

type conversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type transcriptEntry struct {
	Type   models.RunStepType `json:"type"`
	Tool   string              `json:"tool,omitempty"`
	Args   json.RawMessage     `json:"args,omitempty"`
	Result json.RawMessage     `json:"result,omitempty"`
	Status models.RunStepStatus `json:"status,omitempty"`
}

type subagentResultView struct {
	RunID  string `json:"run_id"`
	Task   string `json:"task,omitempty"`
	Output string `json:"output,omitempty"`
}

type memoryView struct {
	Level int                 `json:"level"`
	Module models.MemoryModule `json:"module"`
	Key    string              `json:"key"`
	Value  string              `json:"value"`
}

type lastBlockView struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// buildRequest assembles the full LLM completion request for one
// iteration: a role-specialised system prompt plus the JSON user payload.
func (e *Engine) buildRequest(ctx context.Context, run *models.Run, st *iterState, budgetExceeded bool) (*llm.CompletionRequest, error) {
	steps, err := e.store.ListSteps(ctx, run.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}

	convWindow := e.config.CoordinatorConversationWindow
	if run.Role() != models.RoleCoordinator {
		convWindow = e.config.SubagentConversationWindow
	}
	var conversation []conversationTurn
	if run.ChannelID != "" || run.ContextID != "" {
		msgs, err := e.store.LoadConversation(ctx, run.ChannelID, run.ContextID, convWindow)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		conversation = make([]conversationTurn, 0, len(msgs))
		for _, m := range msgs {
			role := "user"
			if m.Direction == models.DirectionOutbound {
				role = "assistant"
			}
			conversation = append(conversation, conversationTurn{Role: role, Content: m.Content})
		}
	}

	transcript := trimTranscript(steps, e.config.RunTranscriptLimit, e.config.RunTranscriptTokenLimit)

	var memories []memoryView
	if run.UserID != "" {
		items, err := e.store.LoadCoreMemories(ctx, run.UserID, 5)
		if err != nil {
			return nil, fmt.Errorf("load memories: %w", err)
		}
		memories = buildMemoryView(items, e.config.MemoriesPerLevel)
	}

	payload := requestPayload{
		Task:                run.InputText,
		OutputText:          run.OutputText,
		Conversation:        conversation,
		Transcript:          transcript,
		RunKind:             run.Kind,
		Profile:             run.Profile,
		Input:               run.InputJSON.Context,
		Memories:            memories,
		AgentLevel:          run.InputJSON.AgentLevel,
		State:               run.InputJSON.State,
		ActiveSubagentCount: activeSubagentPlaceholder(run),
		ValidationFeedback:  st.validationFeedback,
	}
	if st.lastBlockReason != "" {
		payload.LastBlock = &lastBlockView{Reason: st.lastBlockReason, Detail: st.lastBlockDetail}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}

	sys := systemPromptFor(run, st, budgetExceeded)

	req := &llm.CompletionRequest{
		System:         sys,
		Messages:       []llm.CompletionMessage{{Role: "user", Content: string(body)}},
		TimeoutSeconds: int(e.config.LLMCallTimeout.Seconds()),
	}
	return req, nil
}

// activeSubagentCount in the assembled LLM payload is advisory context for
// the model, not a gating value -- the coordinator-sleep precondition
// itself is checked against a fresh store.ListRuns call in
// Engine.hasActiveSubagent, not this cached field. A full ListRuns round
// trip per prompt assembly isn't worth the extra store hit just to keep
// this display count exact, so it stays a placeholder here.
func activeSubagentPlaceholder(run *models.Run) int {
	return 0
}

func buildMemoryView(items []*models.MemoryItem, perLevel int) []memoryView {
	counts := make(map[int]int)
	out := make([]memoryView, 0, len(items))
	for _, item := range items {
		if counts[item.Level] >= perLevel {
			continue
		}
		counts[item.Level]++
		out = append(out, memoryView{Level: item.Level, Module: item.Module, Key: item.Key, Value: item.Value})
	}
	return out
}

// trimTranscript keeps the last limit entries, then drops the oldest
// entries beyond a crude token-estimate budget (~4 chars/token).
func trimTranscript(steps []*models.RunStep, limit, tokenLimit int) []transcriptEntry {
	if limit > 0 && len(steps) > limit {
		steps = steps[len(steps)-limit:]
	}
	entries := make([]transcriptEntry, 0, len(steps))
	for _, s := range steps {
		entries = append(entries, transcriptEntry{
			Type: s.Type, Tool: s.ToolName, Args: s.ArgsJSON, Result: s.ResultJSON, Status: s.Status,
		})
	}
	if tokenLimit <= 0 {
		return entries
	}
	estimate := func(e transcriptEntry) int {
		return (len(e.Tool) + len(e.Args) + len(e.Result) + 16) / 4
	}
	total := 0
	for _, e := range entries {
		total += estimate(e)
	}
	for total > tokenLimit && len(entries) > 0 {
		total -= estimate(entries[0])
		entries = entries[1:]
	}
	return entries
}

// systemPromptFor builds the role-specialised system prompt: the JSON
// command contract plus protocol reminders (note/rationale, budget state,
// role constraints).
func systemPromptFor(run *models.Run, st *iterState, budgetExceeded bool) string {
	var b strings.Builder
	role := run.Role()

	fmt.Fprintf(&b, "You are the %s for agent %s. Respond with exactly one JSON object (no prose) describing your next command.\n\n", role, run.AgentID)

	switch role {
	case models.RoleCoordinator:
		b.WriteString("You coordinate work for the end user. You may spawn_subagent(s), queue_op, send_message, deliver_subagent_output, decision, note, set_run_limits, sleep, or finish. You must never tool_call directly -- delegate tool use to a subagent.\n")
	case models.RoleSubagent:
		b.WriteString("You are a subagent working on a task assigned by your parent. You may tool_call, spawn_subagent(s) (if allowed), request_parent, note, decision, sleep, or finish (which reports your result to your parent). You must never send_message directly to the end user.\n")
	case models.RoleSubsubagent:
		b.WriteString("You are a subsubagent; you may not spawn further children. You may tool_call, request_parent, note, decision, or finish.\n")
	}

	b.WriteString("\nBefore any action command you must emit, in order, a note(requirements), a note(plan), and a note(artifact); the artifact note must be exactly one sentence distinct from the prior two notes.\n")

	if st.rationaleReady {
		b.WriteString("Your rationale prelude is complete. Your next command must be an action, not another note.\n")
	}
	if st.forceActionNext {
		b.WriteString("You have issued notes repeatedly without acting. Issue an action command now.\n")
	}

	if budgetExceeded {
		b.WriteString("You have exceeded your iteration budget. Only set_run_limits (to request more) or finish is accepted now.\n")
	}
	if st.limitationRequired {
		b.WriteString("A tool has failed past its retry limit. You must finish with a limitation statement; no other command is accepted.\n")
	}
	if st.validationFeedback != "" {
		fmt.Fprintf(&b, "Your last output was sent back for revision: %s\n", st.validationFeedback)
	}
	if st.lastBlockReason != "" {
		fmt.Fprintf(&b, "Your previous command was blocked (%s): %s\n", st.lastBlockReason, st.lastBlockDetail)
	}

	return b.String()
}
