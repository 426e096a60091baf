package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/config"
)

// buildWorkerCmd creates the "worker" command that runs the worker pool,
// memory writer, and trigger dispatcher until a shutdown signal arrives.
func buildWorkerCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and drive runs until stopped",
		Long: `worker starts the worker pool (runs, wake, memory-writes, messages,
delivery-acks queues), the trigger dispatcher, and -- if metrics_addr is
configured -- a Prometheus /metrics endpoint. It runs until SIGINT/SIGTERM,
then drains in-flight work before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runWorker(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runWorker(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	logger.Info("starting conductor", "version", version, "commit", commit, "config", configPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer application.Close(context.Background())

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
	}

	application.worker.Start(ctx)
	if err := application.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start trigger dispatcher: %w", err)
	}

	logger.Info("conductor started",
		"worker_concurrency", cfg.WorkerConcurrency,
		"database_configured", cfg.DatabaseURL != "",
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight work")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := application.dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("stop dispatcher", "error", err)
	}
	if err := application.worker.Stop(shutdownCtx); err != nil {
		logger.Warn("stop worker", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("stop metrics server", "error", err)
		}
	}

	logger.Info("conductor stopped gracefully")
	return nil
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("CONDUCTOR_CONFIG"); env != "" {
		return env
	}
	return ""
}
