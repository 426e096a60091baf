package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/conductor/pkg/models"
)

func newTestRun(id, tenant string, status models.RunStatus) *models.Run {
	return &models.Run{
		ID:        id,
		TenantID:  tenant,
		AgentID:   "agent-1",
		UserID:    "user-1",
		ChannelID: "web",
		RootRunID: id,
		Kind:      models.RunKindCoordinator,
		Status:    status,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestMemoryStoreClaimRunPicksPendingInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRun(ctx, newTestRun("run-1", "tenant-a", models.RunStatusPending)))
	require.NoError(t, s.CreateRun(ctx, newTestRun("run-2", "tenant-a", models.RunStatusPending)))

	claimed, err := s.ClaimRun(ctx, "tenant-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "run-1", claimed.ID)
	assert.Equal(t, models.RunStatusRunning, claimed.Status)

	stored, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, stored.Status)
}

func TestMemoryStoreClaimRunHonorsWakeAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	future := time.Now().Add(time.Hour)
	waiting := newTestRun("run-future", "tenant-a", models.RunStatusWaiting)
	waiting.WakeAt = &future
	require.NoError(t, s.CreateRun(ctx, waiting))

	claimed, err := s.ClaimRun(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	past := time.Now().Add(-time.Minute)
	ready := newTestRun("run-ready", "tenant-a", models.RunStatusWaiting)
	ready.WakeAt = &past
	require.NoError(t, s.CreateRun(ctx, ready))

	claimed, err = s.ClaimRun(ctx, "tenant-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "run-ready", claimed.ID)
	assert.Nil(t, claimed.WakeAt)
}

func TestMemoryStoreClaimRunIsolatesTenants(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRun(ctx, newTestRun("run-1", "tenant-a", models.RunStatusPending)))

	claimed, err := s.ClaimRun(ctx, "tenant-b")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestMemoryStoreAppendStepAssignsSeqAndDedupes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	step1 := &models.RunStep{ID: "step-1", RunID: "run-1", Type: models.StepMessage, Status: models.StepStatusCompleted, IdempotencyKey: "key-1"}
	require.NoError(t, s.AppendStep(ctx, step1))
	assert.Equal(t, int64(1), step1.Seq)

	step2 := &models.RunStep{ID: "step-2", RunID: "run-1", Type: models.StepMessage, Status: models.StepStatusCompleted, IdempotencyKey: "key-2"}
	require.NoError(t, s.AppendStep(ctx, step2))
	assert.Equal(t, int64(2), step2.Seq)

	retry := &models.RunStep{ID: "step-1-retry", RunID: "run-1", Type: models.StepMessage, Status: models.StepStatusCompleted, IdempotencyKey: "key-1"}
	require.NoError(t, s.AppendStep(ctx, retry))

	steps, err := s.ListSteps(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Len(t, steps, 2, "retried idempotency key must not double-append")
}

func TestMemoryStoreCascadeCancelDescendants(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	root := newTestRun("root", "tenant-a", models.RunStatusRunning)
	require.NoError(t, s.CreateRun(ctx, root))

	child := newTestRun("child-1", "tenant-a", models.RunStatusRunning)
	child.RootRunID = "root"
	child.Kind = models.RunKindSubagent
	require.NoError(t, s.CreateRun(ctx, child))

	finishedChild := newTestRun("child-2", "tenant-a", models.RunStatusCompleted)
	finishedChild.RootRunID = "root"
	finishedChild.Kind = models.RunKindSubagent
	require.NoError(t, s.CreateRun(ctx, finishedChild))

	n, err := s.CascadeCancelDescendants(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rootAfter, _ := s.GetRun(ctx, "root")
	assert.Equal(t, models.RunStatusRunning, rootAfter.Status, "root itself is excluded")

	childAfter, _ := s.GetRun(ctx, "child-1")
	assert.Equal(t, models.RunStatusCancelled, childAfter.Status)

	finishedAfter, _ := s.GetRun(ctx, "child-2")
	assert.Equal(t, models.RunStatusCompleted, finishedAfter.Status, "terminal statuses are absorbing")
}

func TestMemoryStoreUpsertMemoryMergesByUserModuleKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	item := &models.MemoryItem{ID: "mem-1", UserID: "user-1", Level: 1, Module: models.ModulePreferences, Key: "timezone", Value: "PST", LastSeenAt: time.Now()}
	require.NoError(t, s.UpsertMemory(ctx, item))

	updated := &models.MemoryItem{ID: "mem-2", UserID: "user-1", Level: 1, Module: models.ModulePreferences, Key: "timezone", Value: "EST", LastSeenAt: time.Now()}
	require.NoError(t, s.UpsertMemory(ctx, updated))

	items, err := s.ListMemories(ctx, "user-1", false)
	require.NoError(t, err)
	require.Len(t, items, 1, "same (user, module, key) must merge into one item")
	assert.Equal(t, "EST", items[0].Value)
	assert.Equal(t, "mem-1", items[0].ID, "merge keeps the original item's identity")
}

func TestMemoryStoreLoadCoreMemoriesFiltersByLevel(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertMemory(ctx, &models.MemoryItem{ID: "a", UserID: "u1", Level: 0, Module: models.ModuleIdentity, Key: "name", Value: "Ada", LastSeenAt: time.Now()}))
	require.NoError(t, s.UpsertMemory(ctx, &models.MemoryItem{ID: "b", UserID: "u1", Level: 3, Module: models.ModuleProjects, Key: "proj", Value: "conductor", LastSeenAt: time.Now()}))

	core, err := s.LoadCoreMemories(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, core, 1)
	assert.Equal(t, "a", core[0].ID)
}

func TestMemoryStoreDueTriggers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	require.NoError(t, s.CreateTrigger(ctx, &models.Trigger{ID: "t1", AgentID: "agent-1", Type: models.TriggerCron, NextFireAt: now.Add(-time.Minute), Enabled: true}))
	require.NoError(t, s.CreateTrigger(ctx, &models.Trigger{ID: "t2", AgentID: "agent-1", Type: models.TriggerCron, NextFireAt: now.Add(time.Hour), Enabled: true}))
	require.NoError(t, s.CreateTrigger(ctx, &models.Trigger{ID: "t3", AgentID: "agent-1", Type: models.TriggerCron, NextFireAt: now.Add(-time.Hour), Enabled: false}))

	due, err := s.DueTriggers(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t1", due[0].ID)
}

func TestMemoryStoreLoadConversationFiltersByChannelAndContext(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateMessage(ctx, &models.Message{ID: "m1", ChannelID: "web", ContextID: "ctx-1", Content: "hi", CreatedAt: time.Now()}))
	require.NoError(t, s.CreateMessage(ctx, &models.Message{ID: "m2", ChannelID: "web", ContextID: "ctx-2", Content: "other ctx", CreatedAt: time.Now()}))
	require.NoError(t, s.CreateMessage(ctx, &models.Message{ID: "m3", ChannelID: "discord", ContextID: "ctx-1", Content: "other channel", CreatedAt: time.Now()}))

	msgs, err := s.LoadConversation(ctx, "web", "ctx-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}
