package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds connection pool tuning for the queue's Postgres
// backend.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sensible connection pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store against a queue_jobs table, using
// SELECT ... FOR UPDATE SKIP LOCKED to give each claim exclusive
// ownership of one row without blocking other workers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreFromDSN opens and pings a Postgres-backed job store.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an already-open *sql.DB, for a process sharing
// one connection pool across the queue and internal/store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue, payload, status, visible_at, created_at, started_at, finished_at, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		job.ID,
		string(job.Queue),
		[]byte(job.Payload),
		string(job.Status),
		nullTime(job.VisibleAt),
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		nullableString(job.Error),
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Claim selects the oldest queued, currently-visible job on the named
// queue and marks it running, all within one transaction so that two
// workers racing on the same row never both win the claim.
func (s *PostgresStore) Claim(ctx context.Context, queue Name) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	row := tx.QueryRowContext(ctx, `
		SELECT id, queue, payload, status, visible_at, created_at, started_at, finished_at, error_message
		FROM queue_jobs
		WHERE queue = $1
		  AND status = $2
		  AND (visible_at IS NULL OR visible_at <= $3)
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(queue), string(StatusQueued), now)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: select candidate: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queue_jobs SET status = $1, started_at = $2 WHERE id = $3
	`, string(StatusRunning), now, job.ID)
	if err != nil {
		return nil, fmt.Errorf("claim: mark running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim: commit: %w", err)
	}

	job.Status = StatusRunning
	job.StartedAt = now
	return job, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = $1, finished_at = $2 WHERE id = $3
	`, string(StatusSucceeded), time.Now(), id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string, cause error) error {
	var errMsg string
	if cause != nil {
		errMsg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = $1, finished_at = $2, error_message = $3 WHERE id = $4
	`, string(StatusFailed), time.Now(), nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, queue, payload, status, visible_at, created_at, started_at, finished_at, error_message
		FROM queue_jobs WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_jobs
		WHERE status IN ($1, $2) AND created_at < $3
	`, string(StatusSucceeded), string(StatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune jobs: rows affected: %w", err)
	}
	return n, nil
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobScanner) (*Job, error) {
	var (
		job        Job
		queueName  string
		status     string
		payload    []byte
		visibleAt  sql.NullTime
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		errMessage sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&queueName,
		&payload,
		&status,
		&visibleAt,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&errMessage,
	); err != nil {
		return nil, err
	}
	job.Queue = Name(queueName)
	job.Status = Status(status)
	job.Payload = payload
	if visibleAt.Valid {
		job.VisibleAt = visibleAt.Time
	}
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	if errMessage.Valid {
		job.Error = errMessage.String
	}
	return &job, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}
