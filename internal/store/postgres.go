package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/conductor/pkg/models"
)

// PostgresConfig holds connection pool tuning for the store's Postgres
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
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store against runs/run_steps/messages/
// memory_items/triggers tables.
type PostgresStore struct {
	db *sql.DB
}

// DB exposes the underlying connection so callers sharing a database
// (e.g. the queue package) can reuse the same pool.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// NewPostgresStoreFromDSN opens and pings a Postgres-backed store.
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

// NewPostgresStore wraps an already-open *sql.DB, for callers (e.g.
// tests, or a process sharing one pool across store and queue) that
// manage the connection themselves.
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

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	inputJSON, err := json.Marshal(run.InputJSON)
	if err != nil {
		return fmt.Errorf("marshal run input: %w", err)
	}
	allowedTools, err := json.Marshal(run.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, tenant_id, agent_id, user_id, channel_id, context_id, parent_run_id,
			root_run_id, kind, profile, input_text, input_json, allowed_tools,
			output_text, status, wake_at, wake_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		run.ID, run.TenantID, run.AgentID, run.UserID, run.ChannelID,
		nullableString(run.ContextID), nullableString(run.ParentRunID), run.RootRunID,
		string(run.Kind), nullableString(run.Profile), run.InputText, inputJSON,
		allowedTools, run.OutputText, string(run.Status), nullTime(run.WakeAt),
		nullableString(run.WakeReason), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, agent_id, user_id, channel_id, context_id, parent_run_id,
			root_run_id, kind, profile, input_text, input_json, allowed_tools,
			output_text, status, wake_at, wake_reason, created_at, updated_at
		FROM runs WHERE id = $1
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.Run) error {
	inputJSON, err := json.Marshal(run.InputJSON)
	if err != nil {
		return fmt.Errorf("marshal run input: %w", err)
	}
	allowedTools, err := json.Marshal(run.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed tools: %w", err)
	}
	run.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			input_json = $1, allowed_tools = $2, output_text = $3, status = $4,
			wake_at = $5, wake_reason = $6, updated_at = $7
		WHERE id = $8
	`, inputJSON, allowedTools, run.OutputText, string(run.Status),
		nullTime(run.WakeAt), nullableString(run.WakeReason), run.UpdatedAt, run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	query := `
		SELECT id, tenant_id, agent_id, user_id, channel_id, context_id, parent_run_id,
			root_run_id, kind, profile, input_text, input_json, allowed_tools,
			output_text, status, wake_at, wake_reason, created_at, updated_at
		FROM runs WHERE tenant_id = $1
	`
	args := []interface{}{filter.TenantID}
	argPos := 2

	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argPos)
		args = append(args, filter.AgentID)
		argPos++
	}
	if filter.RootRunID != "" {
		query += fmt.Sprintf(" AND root_run_id = $%d", argPos)
		args = append(args, filter.RootRunID)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(filter.Status))
		argPos++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: scan: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ClaimRun picks the oldest run that is pending, or waiting with
// WakeAt due, and marks it running -- all inside one transaction so two
// workers racing on the same tenant's queue never both claim a run.
func (s *PostgresStore) ClaimRun(ctx context.Context, tenantID string) (*models.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	row := tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, agent_id, user_id, channel_id, context_id, parent_run_id,
			root_run_id, kind, profile, input_text, input_json, allowed_tools,
			output_text, status, wake_at, wake_reason, created_at, updated_at
		FROM runs
		WHERE tenant_id = $1
		  AND (status = $2 OR (status = $3 AND wake_at IS NOT NULL AND wake_at <= $4))
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, tenantID, string(models.RunStatusPending), string(models.RunStatusWaiting), now)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: select candidate: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET status = $1, wake_at = NULL, updated_at = $2 WHERE id = $3
	`, string(models.RunStatusRunning), now, run.ID)
	if err != nil {
		return nil, fmt.Errorf("claim run: mark running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim run: commit: %w", err)
	}

	run.Status = models.RunStatusRunning
	run.WakeAt = nil
	run.UpdatedAt = now
	return run, nil
}

// AppendStep inserts a step, assigning the next Seq for RunID within the
// same transaction, and is a no-op (not an error) if IdempotencyKey is
// already present for this run -- a retried apply after a crash must not
// double-append.
func (s *PostgresStore) AppendStep(ctx context.Context, step *models.RunStep) error {
	if step.ID == "" {
		return fmt.Errorf("step ID is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append step tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM run_steps WHERE run_id = $1 AND idempotency_key = $2)
	`, step.RunID, step.IdempotencyKey).Scan(&exists); err != nil {
		return fmt.Errorf("append step: check idempotency: %w", err)
	}
	if exists {
		return tx.Commit()
	}

	var nextSeq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM run_steps WHERE run_id = $1
	`, step.RunID).Scan(&nextSeq); err != nil {
		return fmt.Errorf("append step: next seq: %w", err)
	}
	step.Seq = nextSeq

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_steps (id, run_id, seq, type, tool_name, args_json, result_json, status, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		step.ID, step.RunID, step.Seq, string(step.Type), nullableString(step.ToolName),
		[]byte(step.ArgsJSON), []byte(step.ResultJSON), string(step.Status),
		step.IdempotencyKey, step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append step: insert: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) ListSteps(ctx context.Context, runID string, since int64) ([]*models.RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, type, tool_name, args_json, result_json, status, idempotency_key, created_at
		FROM run_steps WHERE run_id = $1 AND seq > $2 ORDER BY seq ASC
	`, runID, since)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*models.RunStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("list steps: scan: %w", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// CascadeCancelDescendants marks every non-terminal run under rootRunID
// (excluding the root itself) as cancelled.
func (s *PostgresStore) CascadeCancelDescendants(ctx context.Context, rootRunID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, updated_at = $2
		WHERE root_run_id = $3 AND id != $3 AND status NOT IN ($4, $5, $6)
	`,
		string(models.RunStatusCancelled), time.Now(), rootRunID,
		string(models.RunStatusCompleted), string(models.RunStatusFailed), string(models.RunStatusCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("cascade cancel descendants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cascade cancel descendants: rows affected: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, user_id, channel_id, context_id, content, direction, delivery_status, delivered_at, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		msg.ID, msg.UserID, msg.ChannelID, nullableString(msg.ContextID), msg.Content,
		string(msg.Direction), string(msg.DeliveryStatus), nullTime(msg.DeliveredAt),
		metadata, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMessageDelivery(ctx context.Context, id string, status models.DeliveryStatus, deliveredAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivery_status = $1, delivered_at = $2 WHERE id = $3
	`, string(status), nullTime(deliveredAt), id)
	if err != nil {
		return fmt.Errorf("update message delivery: %w", err)
	}
	return nil
}

// LoadConversation returns the most recent limit messages for
// (channelID, contextID) in chronological order, for assembly into a
// run's transcript.
func (s *PostgresStore) LoadConversation(ctx context.Context, channelID, contextID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, channel_id, context_id, content, direction, delivery_status, delivered_at, metadata, created_at
		FROM messages
		WHERE channel_id = $1 AND ($2 = '' OR context_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, channelID, contextID, limit)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("load conversation: scan: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) UpsertMemory(ctx context.Context, item *models.MemoryItem) error {
	if item.ID == "" {
		return fmt.Errorf("memory item ID is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_items (id, user_id, level, module, key, value, confidence, pinned, archived, context_id, created_at, last_seen_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (user_id, module, key) WHERE NOT archived DO UPDATE SET
			value = EXCLUDED.value,
			confidence = EXCLUDED.confidence,
			level = EXCLUDED.level,
			last_seen_at = EXCLUDED.last_seen_at
	`,
		item.ID, item.UserID, item.Level, string(item.Module), item.Key, item.Value,
		item.Confidence, item.Pinned, item.Archived, nullableString(item.ContextID),
		item.CreatedAt, item.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMemory(ctx context.Context, userID string, module models.MemoryModule, key string) (*models.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, level, module, key, value, confidence, pinned, archived, context_id, created_at, last_seen_at
		FROM memory_items WHERE user_id = $1 AND module = $2 AND key = $3
	`, userID, string(module), key)
	item, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListMemories(ctx context.Context, userID string, includeArchived bool) ([]*models.MemoryItem, error) {
	query := `
		SELECT id, user_id, level, module, key, value, confidence, pinned, archived, context_id, created_at, last_seen_at
		FROM memory_items WHERE user_id = $1
	`
	if !includeArchived {
		query += " AND NOT archived"
	}
	query += " ORDER BY level ASC, last_seen_at DESC"

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryItem
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("list memories: scan: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ArchiveMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memory_items SET archived = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("archive memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadCoreMemories(ctx context.Context, userID string, maxLevel int) ([]*models.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, level, module, key, value, confidence, pinned, archived, context_id, created_at, last_seen_at
		FROM memory_items
		WHERE user_id = $1 AND NOT archived AND level <= $2
		ORDER BY level ASC, last_seen_at DESC
	`, userID, maxLevel)
	if err != nil {
		return nil, fmt.Errorf("load core memories: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryItem
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("load core memories: scan: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	if trigger.ID == "" {
		return fmt.Errorf("trigger ID is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers (id, agent_id, run_id, type, spec_json, next_fire_at, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, trigger.ID, trigger.AgentID, nullableString(trigger.RunID), string(trigger.Type), []byte(trigger.SpecJSON), trigger.NextFireAt, trigger.Enabled)
	if err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTrigger(ctx context.Context, id string) (*models.Trigger, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, run_id, type, spec_json, next_fire_at, enabled FROM triggers WHERE id = $1
	`, id)
	trigger, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trigger not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return trigger, nil
}

func (s *PostgresStore) UpdateTrigger(ctx context.Context, trigger *models.Trigger) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE triggers SET spec_json = $1, next_fire_at = $2, enabled = $3 WHERE id = $4
	`, []byte(trigger.SpecJSON), trigger.NextFireAt, trigger.Enabled, trigger.ID)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trigger: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("trigger not found: %s", trigger.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteTrigger(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	return nil
}

func (s *PostgresStore) DueTriggers(ctx context.Context, asOf time.Time, limit int) ([]*models.Trigger, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, run_id, type, spec_json, next_fire_at, enabled
		FROM triggers WHERE enabled = true AND next_fire_at <= $1
		ORDER BY next_fire_at ASC
		LIMIT $2
	`, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("due triggers: %w", err)
	}
	defer rows.Close()

	var out []*models.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("due triggers: scan: %w", err)
		}
		out = append(out, trigger)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*models.Run, error) {
	var (
		run          models.Run
		kind         string
		status       string
		contextID    sql.NullString
		parentRunID  sql.NullString
		profile      sql.NullString
		inputJSON    []byte
		allowedTools []byte
		wakeAt       sql.NullTime
		wakeReason   sql.NullString
	)
	if err := s.Scan(
		&run.ID, &run.TenantID, &run.AgentID, &run.UserID, &run.ChannelID,
		&contextID, &parentRunID, &run.RootRunID, &kind, &profile, &run.InputText,
		&inputJSON, &allowedTools, &run.OutputText, &status, &wakeAt, &wakeReason,
		&run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	run.Kind = models.RunKind(kind)
	run.Status = models.RunStatus(status)
	run.ContextID = contextID.String
	run.ParentRunID = parentRunID.String
	run.Profile = profile.String
	run.WakeReason = wakeReason.String
	if wakeAt.Valid {
		t := wakeAt.Time
		run.WakeAt = &t
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &run.InputJSON); err != nil {
			return nil, fmt.Errorf("unmarshal run input: %w", err)
		}
	}
	if len(allowedTools) > 0 && string(allowedTools) != "null" {
		if err := json.Unmarshal(allowedTools, &run.AllowedTools); err != nil {
			return nil, fmt.Errorf("unmarshal allowed tools: %w", err)
		}
	}
	return &run, nil
}

func scanStep(s rowScanner) (*models.RunStep, error) {
	var (
		step       models.RunStep
		stepType   string
		status     string
		toolName   sql.NullString
		argsJSON   []byte
		resultJSON []byte
	)
	if err := s.Scan(
		&step.ID, &step.RunID, &step.Seq, &stepType, &toolName, &argsJSON,
		&resultJSON, &status, &step.IdempotencyKey, &step.CreatedAt,
	); err != nil {
		return nil, err
	}
	step.Type = models.RunStepType(stepType)
	step.Status = models.RunStepStatus(status)
	step.ToolName = toolName.String
	step.ArgsJSON = argsJSON
	step.ResultJSON = resultJSON
	return &step, nil
}

func scanMessage(s rowScanner) (*models.Message, error) {
	var (
		msg            models.Message
		contextID      sql.NullString
		direction      string
		deliveryStatus string
		deliveredAt    sql.NullTime
		metadata       []byte
	)
	if err := s.Scan(
		&msg.ID, &msg.UserID, &msg.ChannelID, &contextID, &msg.Content,
		&direction, &deliveryStatus, &deliveredAt, &metadata, &msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	msg.ContextID = contextID.String
	msg.Direction = models.Direction(direction)
	msg.DeliveryStatus = models.DeliveryStatus(deliveryStatus)
	if deliveredAt.Valid {
		t := deliveredAt.Time
		msg.DeliveredAt = &t
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	return &msg, nil
}

func scanMemory(s rowScanner) (*models.MemoryItem, error) {
	var (
		item      models.MemoryItem
		module    string
		contextID sql.NullString
	)
	if err := s.Scan(
		&item.ID, &item.UserID, &item.Level, &module, &item.Key, &item.Value,
		&item.Confidence, &item.Pinned, &item.Archived, &contextID,
		&item.CreatedAt, &item.LastSeenAt,
	); err != nil {
		return nil, err
	}
	item.Module = models.MemoryModule(module)
	item.ContextID = contextID.String
	return &item, nil
}

func scanTrigger(s rowScanner) (*models.Trigger, error) {
	var (
		trigger  models.Trigger
		typ      string
		specJSON []byte
		runID    sql.NullString
	)
	if err := s.Scan(
		&trigger.ID, &trigger.AgentID, &runID, &typ, &specJSON, &trigger.NextFireAt, &trigger.Enabled,
	); err != nil {
		return nil, err
	}
	trigger.Type = models.TriggerType(typ)
	trigger.SpecJSON = specJSON
	trigger.RunID = runID.String
	return &trigger, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil || value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
