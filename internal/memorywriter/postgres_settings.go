package memorywriter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresSettingsStore implements SettingsStore against the
// user_settings table (see internal/store's embedded migrations). It
// takes a *sql.DB rather than a store.Store so it can share the same
// pool the run engine's store uses without memorywriter depending on
// internal/store's Store interface.
type PostgresSettingsStore struct {
	db *sql.DB
}

// NewPostgresSettingsStore wraps an already-open *sql.DB.
func NewPostgresSettingsStore(db *sql.DB) *PostgresSettingsStore {
	return &PostgresSettingsStore{db: db}
}

func (s *PostgresSettingsStore) GetUserSettings(ctx context.Context, userID string) (*UserSettings, error) {
	var (
		settings     UserSettings
		apiKeySealed []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT memory_enabled, api_key_sealed, api_key_meta_complete
		FROM user_settings WHERE user_id = $1
	`, userID).Scan(&settings.MemoryEnabled, &apiKeySealed, &settings.APIKeyMetaComplete)
	if err == sql.ErrNoRows {
		// No row means memory is off for this user: they've never
		// opted in, so there's nothing to write.
		return &UserSettings{MemoryEnabled: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user settings: %w", err)
	}
	settings.APIKeySealed = apiKeySealed
	return &settings, nil
}

// UpsertUserSettings creates or updates a user's memory-writer settings.
func (s *PostgresSettingsStore) UpsertUserSettings(ctx context.Context, userID string, settings *UserSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, memory_enabled, api_key_sealed, api_key_meta_complete, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE SET
			memory_enabled = EXCLUDED.memory_enabled,
			api_key_sealed = EXCLUDED.api_key_sealed,
			api_key_meta_complete = EXCLUDED.api_key_meta_complete,
			updated_at = now()
	`, userID, settings.MemoryEnabled, settings.APIKeySealed, settings.APIKeyMetaComplete)
	if err != nil {
		return fmt.Errorf("upsert user settings: %w", err)
	}
	return nil
}
