package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) < 1 {
		t.Fatalf("expected at least 1 migration, got %d", len(migrations))
	}
	if migrations[0].ID != "0001_initial" {
		t.Fatalf("expected first migration to be 0001_initial, got %q", migrations[0].ID)
	}
	if migrations[0].UpSQL == "" || migrations[0].DownSQL == "" {
		t.Fatalf("expected both up and down SQL for %q", migrations[0].ID)
	}
}

func TestMigratorUpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("0001_initial").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := migrator.Up(context.Background(), 0)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0001_initial" {
		t.Fatalf("unexpected applied migrations: %v", applied)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigratorUpSkipsAlreadyApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("0001_initial"))

	applied, err := migrator.Up(context.Background(), 0)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing pending, got %v", applied)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
