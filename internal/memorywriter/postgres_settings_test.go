package memorywriter

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresSettingsStoreGetUserSettings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresSettingsStore(db)

	mock.ExpectQuery("SELECT memory_enabled, api_key_sealed, api_key_meta_complete").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"memory_enabled", "api_key_sealed", "api_key_meta_complete"}).
			AddRow(true, []byte("sealed"), true))

	settings, err := store.GetUserSettings(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetUserSettings: %v", err)
	}
	if !settings.MemoryEnabled || !settings.APIKeyMetaComplete {
		t.Fatalf("unexpected settings: %+v", settings)
	}
	if string(settings.APIKeySealed) != "sealed" {
		t.Fatalf("unexpected sealed key: %q", settings.APIKeySealed)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresSettingsStoreGetUserSettingsNoRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresSettingsStore(db)

	mock.ExpectQuery("SELECT memory_enabled, api_key_sealed, api_key_meta_complete").
		WithArgs("user-2").
		WillReturnError(sql.ErrNoRows)

	settings, err := store.GetUserSettings(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("GetUserSettings: %v", err)
	}
	if settings.MemoryEnabled {
		t.Fatalf("expected memory disabled for a user with no settings row")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresSettingsStoreUpsertUserSettings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresSettingsStore(db)

	mock.ExpectExec("INSERT INTO user_settings").
		WithArgs("user-1", true, []byte("sealed"), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.UpsertUserSettings(context.Background(), "user-1", &UserSettings{
		MemoryEnabled:      true,
		APIKeySealed:       []byte("sealed"),
		APIKeyMetaComplete: true,
	})
	if err != nil {
		t.Fatalf("UpsertUserSettings: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
