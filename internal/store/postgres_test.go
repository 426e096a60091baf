package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/conductor/pkg/models"
)

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return mock, NewPostgresStore(db)
}

func runColumns() []string {
	return []string{
		"id", "tenant_id", "agent_id", "user_id", "channel_id", "context_id", "parent_run_id",
		"root_run_id", "kind", "profile", "input_text", "input_json", "allowed_tools",
		"output_text", "status", "wake_at", "wake_reason", "created_at", "updated_at",
	}
}

func addRunRow(rows *sqlmock.Rows, id string, status models.RunStatus) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id, "tenant-a", "agent-1", "user-1", "web", nil, nil,
		id, string(models.RunKindCoordinator), nil, "hello", []byte(`{"agent_level":0}`), []byte(`[]`),
		"", string(status), nil, nil, now, now,
	)
}

func TestPostgresStoreClaimRunCommitsOnSuccess(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	rows := addRunRow(sqlmock.NewRows(runColumns()), "run-1", models.RunStatusPending)
	mock.ExpectQuery("SELECT (.+) FROM runs").WithArgs("tenant-a", string(models.RunStatusPending), string(models.RunStatusWaiting), sqlmock.AnyArg()).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE runs SET status").
		WithArgs(string(models.RunStatusRunning), sqlmock.AnyArg(), "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run, err := s.ClaimRun(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreClaimRunReturnsNilWhenEmpty(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM runs").
		WillReturnRows(sqlmock.NewRows(runColumns()))
	mock.ExpectRollback()

	run, err := s.ClaimRun(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreClaimRunRollsBackOnUpdateError(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	rows := addRunRow(sqlmock.NewRows(runColumns()), "run-1", models.RunStatusPending)
	mock.ExpectQuery("SELECT (.+) FROM runs").WillReturnRows(rows)
	mock.ExpectExec("UPDATE runs SET status").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	run, err := s.ClaimRun(context.Background(), "tenant-a")
	assert.Error(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAppendStepSkipsDuplicateIdempotencyKey(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WithArgs("run-1", "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	step := &models.RunStep{ID: "step-1", RunID: "run-1", Type: models.StepMessage, Status: models.StepStatusCompleted, IdempotencyKey: "key-1"}
	err := s.AppendStep(context.Background(), step)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAppendStepAssignsNextSeq(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT COALESCE").WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(int64(5)))
	mock.ExpectExec("INSERT INTO run_steps").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	step := &models.RunStep{ID: "step-9", RunID: "run-1", Type: models.StepNote, Status: models.StepStatusCompleted, IdempotencyKey: "key-9", CreatedAt: time.Now()}
	err := s.AppendStep(context.Background(), step)
	require.NoError(t, err)
	assert.Equal(t, int64(5), step.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetRunNotFound(t *testing.T) {
	mock, s := setupMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM runs WHERE id").WillReturnError(sql.ErrNoRows)

	_, err := s.GetRun(context.Background(), "missing")
	assert.Error(t, err)
}

func TestPostgresStoreCascadeCancelDescendantsReturnsCount(t *testing.T) {
	mock, s := setupMockStore(t)
	mock.ExpectExec("UPDATE runs SET status").
		WithArgs(string(models.RunStatusCancelled), sqlmock.AnyArg(), "root",
			string(models.RunStatusCompleted), string(models.RunStatusFailed), string(models.RunStatusCancelled)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.CascadeCancelDescendants(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
