package runengine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// iterationSnapshot is the {hadToolCall, outputSnapshot, commandSignature}
// triple the repetition guard keeps the last three of, per spec.md SS4.1
// "Loop detection".
type iterationSnapshot struct {
	hadToolCall bool
	output      string
	signature   string
}

// iterState is the in-memory working state for one continuous claim of a
// run: it does not survive the run suspending (waiting) and being
// reclaimed later, only the RunState blob on the row does. This mirrors
// the teacher's TaskExecution, which is also scoped to one executeTask
// call rather than persisted across retries.
type iterState struct {
	startedAt time.Time

	iteration     int
	runLimit      int
	actionCount   int
	budgetStrikes int

	rationaleReady   bool
	forceActionNext  bool
	consecutiveNotes int
	lastNoteCategory models.NoteCategory
	notesSeen        map[models.NoteCategory]string // category -> content, for Jaccard distinctness checks

	planRewrites        int
	systemNoteCount     int
	blockedSpawnCount   int
	allBlockedSpawnCount int

	limitationRequired bool
	toolFailureCounts  map[string]int // tool name -> consecutive success=false count

	validationAttempts       int
	validationRetryRequested bool
	lastValidatedOutput      string
	lastOutputSent           string

	recent []iterationSnapshot

	toolCallSigCounts  map[string]int
	lastToolResultSig  string
	spawnSignaturesSeen map[string]bool

	runtimeWarned bool

	lastBlockReason string
	lastBlockDetail string

	validationFeedback string
}

func newIterState(run *models.Run, runLimit int) *iterState {
	return &iterState{
		startedAt:           time.Now(),
		runLimit:            runLimit,
		notesSeen:           make(map[models.NoteCategory]string),
		toolFailureCounts:   make(map[string]int),
		toolCallSigCounts:   make(map[string]int),
		spawnSignaturesSeen: make(map[string]bool),
	}
}

// pushSnapshot records one more iteration into the 3-window repetition
// guard, keeping only the most recent three.
func (s *iterState) pushSnapshot(snap iterationSnapshot) {
	s.recent = append(s.recent, snap)
	if len(s.recent) > 3 {
		s.recent = s.recent[len(s.recent)-3:]
	}
}

// repetitionGuardTriggered reports whether the last three iterations
// lacked tool calls, shared identical output, and shared one command
// signature -- the "pointless_loop" condition.
func (s *iterState) repetitionGuardTriggered() bool {
	if len(s.recent) < 3 {
		return false
	}
	first := s.recent[len(s.recent)-3]
	if first.hadToolCall {
		return false
	}
	for _, snap := range s.recent[len(s.recent)-3:] {
		if snap.hadToolCall || snap.output != first.output || snap.signature != first.signature {
			return false
		}
	}
	return true
}

// noProgressLastThree reports whether the last three iterations were all
// tool-call-free with identical output text, the "no progress" predicate
// the budget-extension refusal checks.
func (s *iterState) noProgressLastThree() bool {
	if len(s.recent) < 3 {
		return false
	}
	window := s.recent[len(s.recent)-3:]
	first := window[0].output
	for _, snap := range window {
		if snap.hadToolCall || snap.output != first {
			return false
		}
	}
	return true
}

// commandSignature returns a stable signature for a RunCommand, used both
// for the repetition guard and for logging; it is the command type plus a
// hash of its JSON-marshaled content.
func commandSignature(cmd *models.RunCommand) string {
	b, _ := json.Marshal(cmd)
	sum := sha256.Sum256(b)
	return string(cmd.Type) + ":" + hex.EncodeToString(sum[:8])
}

// toolCallSignature returns a stable (name, args) signature, the
// duplicate-tool-call detector's key.
func toolCallSignature(name string, args json.RawMessage) string {
	sum := sha256.Sum256(append([]byte(name+"|"), args...))
	return hex.EncodeToString(sum[:])
}

// toolResultSignature extends toolCallSignature with the result JSON, for
// the identical-(name,args,result)-twice limitation detector.
func toolResultSignature(name string, args, result json.RawMessage) string {
	sum := sha256.Sum256(append([]byte(name+"|"+string(args)+"|"), result...))
	return hex.EncodeToString(sum[:])
}

// spawnSignature returns a stable signature over {profile, task, tools,
// context, agentLevel} for the duplicate-spawn detector.
func spawnSignature(spec *models.SpawnSpec) string {
	tools := append([]string(nil), spec.Tools...)
	sort.Strings(tools)
	ctx := make([]string, 0, len(spec.Context))
	for _, c := range spec.Context {
		ctx = append(ctx, c.Role+":"+c.Content)
	}
	parts := []string{
		spec.Profile,
		strings.TrimSpace(spec.Task),
		strings.Join(tools, ","),
		strings.Join(ctx, "|"),
		strconv.Itoa(spec.AgentLevel),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]{3,}`)

// tokenize lower-cases s and returns its alphanumeric tokens of length > 2,
// the basis for the note-distinctness Jaccard check.
func tokenize(s string) map[string]struct{} {
	tokens := tokenPattern.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// jaccardSimilarity computes |A ∩ B| / |A ∪ B| over each string's token set.
func jaccardSimilarity(a, b string) float64 {
	setA := tokenize(a)
	setB := tokenize(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

var (
	requirementsKeywordPattern = regexp.MustCompile(`(?i)\b(output|criteria|success|format|deliver|expect)\w*\b`)
	planStepPattern            = regexp.MustCompile(`(?m)^\s*\d+[.)]`)
	toolMentionPattern         = regexp.MustCompile(`(?i)\b(tool|search|fetch|read|write|exec|call|query|browse|look\s*up)\w*\b`)
	planOpMentionPattern       = regexp.MustCompile(`(?i)queue_op|spawn_subagent|deliver_subagent_output`)
	planFormatMentionPattern   = regexp.MustCompile(`(?i)output format|success criteria|subagent[- ]context`)
)

// looksLikeRequirementsNote reports whether content plausibly states an
// output specification and decision criteria rather than just restating
// the task.
func looksLikeRequirementsNote(content string) bool {
	return requirementsKeywordPattern.MatchString(content)
}

// planStepCount counts numbered-list lines in a plan note.
func planStepCount(content string) int {
	return len(planStepPattern.FindAllString(content, -1))
}

// coordinatorPlanIsRich reports whether a >=5-step coordinator plan
// mentions the queue/spawn/delivery vocabulary and the output-format /
// success-criteria / subagent-context vocabulary spec.md requires.
func coordinatorPlanIsRich(content string) bool {
	return planOpMentionPattern.MatchString(content) && planFormatMentionPattern.MatchString(content)
}

// subagentPlanMentionsTool reports whether a subagent's plan mentions a
// tool when the task hints one is needed.
func subagentPlanMentionsTool(content string) bool {
	return toolMentionPattern.MatchString(content)
}

// taskHintsTools is a light heuristic: does the task text suggest tool use
// is likely required at all (so the plan's lack of a tool mention is
// actually a defect, not just a tool-free task).
func taskHintsTools(task string) bool {
	return toolMentionPattern.MatchString(task)
}
