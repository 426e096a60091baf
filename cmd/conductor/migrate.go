package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/store"
)

// buildMigrateCmd creates the "migrate" command group for database
// schema migrations.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage the Postgres schema backing internal/store, internal/queue, and
internal/memorywriter's settings store.

Always run "conductor migrate up" after upgrading to apply any new
schema changes before starting "conductor worker".`,
	}
	cmd.AddCommand(buildMigrateUpCmd())
	cmd.AddCommand(buildMigrateDownCmd())
	cmd.AddCommand(buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Example: `  # Apply every pending migration
  conductor migrate up

  # Apply only the next migration
  conductor migrate up --steps 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := openMigrationDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator, err := store.NewMigrator(db)
			if err != nil {
				return fmt.Errorf("init migrator: %w", err)
			}
			applied, err := migrator.Up(cmd.Context(), steps)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending migrations")
				return nil
			}
			for _, id := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Long:  "Roll back the last N applied migrations. Use with caution: a migration's down.sql can drop columns or tables.",
		Example: `  # Roll back the most recent migration
  conductor migrate down

  # Roll back the last 3
  conductor migrate down --steps 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := openMigrationDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator, err := store.NewMigrator(db)
			if err != nil {
				return fmt.Errorf("init migrator: %w", err)
			}
			rolled, err := migrator.Down(cmd.Context(), steps)
			if err != nil {
				return err
			}
			if len(rolled) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			for _, id := range rolled {
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := openMigrationDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator, err := store.NewMigrator(db)
			if err != nil {
				return fmt.Errorf("init migrator: %w", err)
			}
			applied, pending, err := migrator.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied (%d):\n", len(applied))
			for _, entry := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s (%s)\n", entry.ID, entry.AppliedAt.Format("2006-01-02T15:04:05Z"))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending (%d):\n", len(pending))
			for _, migration := range pending {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", migration.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

func openMigrationDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool := store.DefaultPostgresConfig()
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pool.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
