package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// MemoryStore is an in-process Store used by tests and by cmd/conductor
// whenever no database_url is configured, where a Postgres instance
// isn't worth standing up. It preserves the same claim and idempotency semantics as
// PostgresStore under a single mutex instead of row locks.
type MemoryStore struct {
	mu sync.Mutex

	runs     map[string]*models.Run
	runSeq   []string
	steps    map[string][]*models.RunStep
	stepKeys map[string]map[string]bool

	messages []*models.Message
	memories map[string]*models.MemoryItem
	triggers map[string]*models.Trigger
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*models.Run),
		steps:    make(map[string][]*models.RunStep),
		stepKeys: make(map[string]map[string]bool),
		memories: make(map[string]*models.MemoryItem),
		triggers: make(map[string]*models.Trigger),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	s.runSeq = append(s.runSeq, run.ID)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run not found: %s", run.ID)
	}
	run.UpdatedAt = time.Now()
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Run
	for _, id := range s.runSeq {
		run := s.runs[id]
		if run == nil || run.TenantID != filter.TenantID {
			continue
		}
		if filter.AgentID != "" && run.AgentID != filter.AgentID {
			continue
		}
		if filter.RootRunID != "" && run.RootRunID != filter.RootRunID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimRun(ctx context.Context, tenantID string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, id := range s.runSeq {
		run := s.runs[id]
		if run == nil || run.TenantID != tenantID {
			continue
		}
		claimable := run.Status == models.RunStatusPending ||
			(run.Status == models.RunStatusWaiting && run.WakeAt != nil && !run.WakeAt.After(now))
		if !claimable {
			continue
		}
		run.Status = models.RunStatusRunning
		run.WakeAt = nil
		run.UpdatedAt = now
		return cloneRun(run), nil
	}
	return nil, nil
}

func (s *MemoryStore) AppendStep(ctx context.Context, step *models.RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if step.ID == "" {
		return fmt.Errorf("step ID is required")
	}
	if s.stepKeys[step.RunID] == nil {
		s.stepKeys[step.RunID] = make(map[string]bool)
	}
	if s.stepKeys[step.RunID][step.IdempotencyKey] {
		return nil
	}

	step.Seq = int64(len(s.steps[step.RunID])) + 1
	clone := *step
	s.steps[step.RunID] = append(s.steps[step.RunID], &clone)
	s.stepKeys[step.RunID][step.IdempotencyKey] = true
	return nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, runID string, since int64) ([]*models.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.RunStep
	for _, step := range s.steps[runID] {
		if step.Seq > since {
			clone := *step
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryStore) CascadeCancelDescendants(ctx context.Context, rootRunID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := time.Now()
	for id, run := range s.runs {
		if id == rootRunID || run.RootRunID != rootRunID {
			continue
		}
		if run.Status.IsTerminal() {
			continue
		}
		run.Status = models.RunStatusCancelled
		run.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	clone := *msg
	s.messages = append(s.messages, &clone)
	return nil
}

func (s *MemoryStore) UpdateMessageDelivery(ctx context.Context, id string, status models.DeliveryStatus, deliveredAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ID == id {
			msg.DeliveryStatus = status
			msg.DeliveredAt = deliveredAt
			return nil
		}
	}
	return fmt.Errorf("message not found: %s", id)
}

func (s *MemoryStore) LoadConversation(ctx context.Context, channelID, contextID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Message
	for _, msg := range s.messages {
		if msg.ChannelID != channelID {
			continue
		}
		if contextID != "" && msg.ContextID != contextID {
			continue
		}
		clone := *msg
		matched = append(matched, &clone)
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func memoryKey(userID string, module models.MemoryModule, key string) string {
	return userID + "\x00" + string(module) + "\x00" + key
}

func (s *MemoryStore) UpsertMemory(ctx context.Context, item *models.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		return fmt.Errorf("memory item ID is required")
	}
	key := memoryKey(item.UserID, item.Module, item.Key)
	if existing, ok := s.memories[key]; ok && !existing.Archived {
		existing.Value = item.Value
		existing.Confidence = item.Confidence
		existing.Level = item.Level
		existing.LastSeenAt = item.LastSeenAt
		return nil
	}
	clone := *item
	s.memories[key] = &clone
	return nil
}

func (s *MemoryStore) GetMemory(ctx context.Context, userID string, module models.MemoryModule, key string) (*models.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.memories[memoryKey(userID, module, key)]
	if !ok {
		return nil, nil
	}
	clone := *item
	return &clone, nil
}

func (s *MemoryStore) ListMemories(ctx context.Context, userID string, includeArchived bool) ([]*models.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.MemoryItem
	for _, item := range s.memories {
		if item.UserID != userID {
			continue
		}
		if item.Archived && !includeArchived {
			continue
		}
		clone := *item
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out, nil
}

func (s *MemoryStore) ArchiveMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.memories {
		if item.ID == id {
			item.Archived = true
			return nil
		}
	}
	return fmt.Errorf("memory item not found: %s", id)
}

func (s *MemoryStore) DeleteMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, item := range s.memories {
		if item.ID == id {
			delete(s.memories, key)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) LoadCoreMemories(ctx context.Context, userID string, maxLevel int) ([]*models.MemoryItem, error) {
	items, err := s.ListMemories(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	var out []*models.MemoryItem
	for _, item := range items {
		if item.Level <= maxLevel {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trigger.ID == "" {
		return fmt.Errorf("trigger ID is required")
	}
	clone := *trigger
	s.triggers[trigger.ID] = &clone
	return nil
}

func (s *MemoryStore) GetTrigger(ctx context.Context, id string) (*models.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trigger, ok := s.triggers[id]
	if !ok {
		return nil, fmt.Errorf("trigger not found: %s", id)
	}
	clone := *trigger
	return &clone, nil
}

func (s *MemoryStore) UpdateTrigger(ctx context.Context, trigger *models.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[trigger.ID]; !ok {
		return fmt.Errorf("trigger not found: %s", trigger.ID)
	}
	clone := *trigger
	s.triggers[trigger.ID] = &clone
	return nil
}

func (s *MemoryStore) DeleteTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, id)
	return nil
}

func (s *MemoryStore) DueTriggers(ctx context.Context, asOf time.Time, limit int) ([]*models.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Trigger
	for _, trigger := range s.triggers {
		if !trigger.Enabled || trigger.NextFireAt.After(asOf) {
			continue
		}
		clone := *trigger
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFireAt.Before(out[j].NextFireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRun(run *models.Run) *models.Run {
	clone := *run
	if run.AllowedTools != nil {
		clone.AllowedTools = append([]string(nil), run.AllowedTools...)
	}
	if run.WakeAt != nil {
		t := *run.WakeAt
		clone.WakeAt = &t
	}
	return &clone
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
