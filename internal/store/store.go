// Package store is the durable home for runs, their step logs,
// conversation messages, memory items, and triggers. It is the one place
// in the module that talks SQL; every other package goes through the
// Store interface.
package store

import (
	"context"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	TenantID  string
	AgentID   string
	RootRunID string
	Status    models.RunStatus
	Limit     int
}

// Store is the persistence boundary for the run engine, queue workers,
// memory writer, and trigger dispatcher. Implementations must make
// ClaimRun and AppendStep safe for concurrent callers racing on the same
// row: ClaimRun via SELECT ... FOR UPDATE SKIP LOCKED, AppendStep via a
// unique constraint on (RunID, IdempotencyKey).
type Store interface {
	// Run CRUD.
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)

	// ClaimRun atomically picks one run that is pending, or waiting with
	// WakeAt due, and marks it running. Returns (nil, nil) if nothing is
	// claimable right now.
	ClaimRun(ctx context.Context, tenantID string) (*models.Run, error)

	// AppendStep inserts one append-only step, assigning the next Seq for
	// RunID. A retried insert carrying an IdempotencyKey already present
	// for that run is a no-op, not an error.
	AppendStep(ctx context.Context, step *models.RunStep) error
	ListSteps(ctx context.Context, runID string, since int64) ([]*models.RunStep, error)

	// CascadeCancelDescendants marks every non-terminal run whose
	// RootRunID matches rootRunID (excluding rootRunID itself) as
	// cancelled, and returns how many rows changed. Used when a
	// coordinator run finishes or is cancelled while subagents are still
	// in flight.
	CascadeCancelDescendants(ctx context.Context, rootRunID string) (int64, error)

	// Message CRUD and conversation loading.
	CreateMessage(ctx context.Context, msg *models.Message) error
	UpdateMessageDelivery(ctx context.Context, id string, status models.DeliveryStatus, deliveredAt *time.Time) error
	LoadConversation(ctx context.Context, channelID, contextID string, limit int) ([]*models.Message, error)

	// Memory CRUD. GetMemory returns the item regardless of its Archived
	// flag (nil only if no row exists for the key at all), so a "touch"
	// op can unarchive and refresh a previously-evicted memory.
	UpsertMemory(ctx context.Context, item *models.MemoryItem) error
	GetMemory(ctx context.Context, userID string, module models.MemoryModule, key string) (*models.MemoryItem, error)
	ListMemories(ctx context.Context, userID string, includeArchived bool) ([]*models.MemoryItem, error)
	ArchiveMemory(ctx context.Context, id string) error
	DeleteMemory(ctx context.Context, id string) error

	// LoadCoreMemories returns every non-archived memory item for userID
	// at or below maxLevel, ordered by level then last-seen, for
	// assembly into a run's LLM request payload.
	LoadCoreMemories(ctx context.Context, userID string, maxLevel int) ([]*models.MemoryItem, error)

	// Trigger CRUD and dispatch scan.
	CreateTrigger(ctx context.Context, trigger *models.Trigger) error
	GetTrigger(ctx context.Context, id string) (*models.Trigger, error)
	UpdateTrigger(ctx context.Context, trigger *models.Trigger) error
	DeleteTrigger(ctx context.Context, id string) error

	// DueTriggers returns enabled triggers with NextFireAt <= asOf, for
	// the scheduler's dispatch loop.
	DueTriggers(ctx context.Context, asOf time.Time, limit int) ([]*models.Trigger, error)
}
