package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/config"
)

// buildOnceCmd creates the "once" debug command: claim and iterate every
// currently-claimable run for one tenant, then exit, without starting the
// worker pool or trigger dispatcher. Useful for exercising the engine
// against a seeded database without leaving a long-running process.
func buildOnceCmd() *cobra.Command {
	var (
		configPath string
		tenantID   string
	)

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Claim and iterate one tenant's runs, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := cmd.Context()
			application, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer application.Close(context.Background())

			if err := application.engine.RunOnce(ctx, tenantID); err != nil {
				return fmt.Errorf("run once: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s drained\n", tenantID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID to claim and iterate runs for")
	return cmd
}
