package memorywriter

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/pkg/models"
)

const systemPrompt = `You maintain a durable memory store about one user. You will be shown a
segment of recent conversation and the user's current active memories,
grouped by level and module. Reply with ONLY a JSON array of operations,
nothing else -- no prose before or after it.

Each operation is one JSON object with these fields:
  "op": one of "add", "update", "delete", "touch"
  "level": integer 0-5 (0 = most durable/foundational, 5 = least)
  "module": one of identity, preferences, constraints, projects, relationships, environment, recent_context
  "key": a short snake_case identifier, unique within (module)
  "value": the fact itself, as a short, self-contained statement
  "confidence": 0.0-1.0, how certain you are this is durable and correct

Only propose "add" for genuinely new, durable facts about the user --
preferences, constraints, relationships, project context, identity
details. Do not add transient chit-chat, questions, or assistant-authored
summaries. Use "update" when an existing key's value has changed,
"touch" when an existing fact was merely reaffirmed (no content change),
and "delete" when the user explicitly retracted or contradicted a fact.

Never propose a value containing a password, API key, access token,
private key, or other credential, even if the user volunteered it in the
conversation -- omit that fact entirely rather than reproduce the secret.

If nothing in the segment warrants a memory change, reply with the empty
array: []`

// buildRequest assembles the extraction prompt: current active memories
// (per-level, length-capped) followed by the conversation segment, per
// spec.md SS4.4.
func buildRequest(segment []*models.Message, current []*models.MemoryItem, cfg Config, timeoutSeconds int) *llm.CompletionRequest {
	var b strings.Builder

	b.WriteString("<current-memories>\n")
	if len(current) == 0 {
		b.WriteString("(none yet)\n")
	} else {
		perLevel := make(map[int]int)
		for _, item := range current {
			if item.Archived {
				continue
			}
			if perLevel[item.Level] >= cfg.MemoriesPerLevelInPrompt {
				continue
			}
			perLevel[item.Level]++
			fmt.Fprintf(&b, "L%d [%s] %s = %q (confidence %s%s)\n",
				item.Level, item.Module, item.Key, item.Value,
				formatConfidence(item.Confidence),
				pinnedSuffix(item.Pinned))
		}
	}
	b.WriteString("</current-memories>\n\n")

	b.WriteString("<conversation-segment>\n")
	for _, msg := range segment {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := "user"
		if msg.Direction == models.DirectionOutbound {
			role = "assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, msg.Content)
	}
	b.WriteString("</conversation-segment>\n")

	return &llm.CompletionRequest{
		System:         systemPrompt,
		Messages:       []llm.CompletionMessage{{Role: "user", Content: b.String()}},
		Temperature:    0,
		TimeoutSeconds: timeoutSeconds,
	}
}

func pinnedSuffix(pinned bool) string {
	if pinned {
		return ", pinned"
	}
	return ""
}
