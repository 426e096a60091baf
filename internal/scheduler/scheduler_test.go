package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/pkg/models"
)

func TestPollOnce_FiresCronTriggerAndReArms(t *testing.T) {
	st := store.NewMemoryStore()
	qs := queue.NewMemoryStore()

	spec, err := json.Marshal(models.CronTriggerSpec{Expression: "@every 1m"})
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.CreateTrigger(context.Background(), &models.Trigger{
		ID: "t1", AgentID: "agent-1", RunID: "run-1", Type: models.TriggerCron,
		SpecJSON: spec, NextFireAt: past, Enabled: true,
	}))

	d := New(st, qs, DefaultConfig())
	fired, err := d.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	job, err := qs.Claim(context.Background(), queue.Wake)
	require.NoError(t, err)
	require.NotNil(t, job)
	var payload queue.WakePayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "run-1", payload.RunID)
	assert.Equal(t, "cron", payload.Reason)

	updated, err := st.GetTrigger(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, updated.Enabled)
	assert.True(t, updated.NextFireAt.After(past))
}

func TestPollOnce_DisablesTriggerWithBadCronExpression(t *testing.T) {
	st := store.NewMemoryStore()
	qs := queue.NewMemoryStore()

	spec, err := json.Marshal(models.CronTriggerSpec{Expression: "not a cron expression"})
	require.NoError(t, err)
	require.NoError(t, st.CreateTrigger(context.Background(), &models.Trigger{
		ID: "t2", AgentID: "agent-1", RunID: "run-2", Type: models.TriggerCron,
		SpecJSON: spec, NextFireAt: time.Now().Add(-time.Second), Enabled: true,
	}))

	d := New(st, qs, DefaultConfig())
	fired, err := d.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	updated, err := st.GetTrigger(context.Background(), "t2")
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
}

func TestPollOnce_RunWakeTriggerFiresOnceThenDeletes(t *testing.T) {
	st := store.NewMemoryStore()
	qs := queue.NewMemoryStore()

	spec, err := json.Marshal(models.RunWakeTriggerSpec{RunID: "run-3", Reason: "subagent_watchdog"})
	require.NoError(t, err)
	require.NoError(t, st.CreateTrigger(context.Background(), &models.Trigger{
		ID: "t3", AgentID: "agent-1", Type: models.TriggerRunWake,
		SpecJSON: spec, NextFireAt: time.Now().Add(-time.Second), Enabled: true,
	}))

	d := New(st, qs, DefaultConfig())
	fired, err := d.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	job, err := qs.Claim(context.Background(), queue.Wake)
	require.NoError(t, err)
	require.NotNil(t, job)
	var payload queue.WakePayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "run-3", payload.RunID)
	assert.Equal(t, "subagent_watchdog", payload.Reason)

	_, err = st.GetTrigger(context.Background(), "t3")
	assert.Error(t, err)
}

func TestPollOnce_IgnoresNotYetDueTriggers(t *testing.T) {
	st := store.NewMemoryStore()
	qs := queue.NewMemoryStore()

	spec, _ := json.Marshal(models.CronTriggerSpec{Expression: "@every 1h"})
	require.NoError(t, st.CreateTrigger(context.Background(), &models.Trigger{
		ID: "future", AgentID: "agent-1", RunID: "run-4", Type: models.TriggerCron,
		SpecJSON: spec, NextFireAt: time.Now().Add(time.Hour), Enabled: true,
	}))

	d := New(st, qs, DefaultConfig())
	fired, err := d.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestCalculateNextFire_RespectsTimezone(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := calculateNextFire("0 9 * * *", "America/New_York", after, nil)
	require.NoError(t, err)
	assert.True(t, next.After(after))
}
