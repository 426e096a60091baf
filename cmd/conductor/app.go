package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/memorywriter"
	"github.com/haasonsaas/conductor/internal/metrics"
	"github.com/haasonsaas/conductor/internal/policyengine"
	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/runengine"
	"github.com/haasonsaas/conductor/internal/scheduler"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/internal/tools/policy"
	"github.com/haasonsaas/conductor/internal/trace"
)

// app bundles every collaborator one conductor process shares: a single
// Store/queue.Store pair, the run engine, the memory writer, the trigger
// dispatcher, and the worker pool they all register handlers onto.
// Built once per process by buildApp; cmd/conductor's subcommands each
// use only the pieces they need.
type app struct {
	db         *sql.DB // nil when running against in-memory stores
	store      store.Store
	queueStore queue.Store
	worker     *queue.Worker
	engine     *runengine.Engine
	writer     *memorywriter.Writer
	dispatcher *scheduler.Dispatcher
	metrics    *metrics.Metrics
	tracer     *trace.Tracer
	shutdown   func(context.Context) error
	logger     *slog.Logger
}

// buildApp wires every package built in internal/ into one running
// process, following the same construct-then-assign-optional-fields
// convention every collaborator exposes for Metrics/Tracer.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.db = db
		a.store = store.NewPostgresStore(db)
		a.queueStore = queue.NewPostgresStore(db)
	} else {
		logger.Warn("no database_url configured, using in-memory stores (not durable across restarts)")
		a.store = store.NewMemoryStore()
		a.queueStore = queue.NewMemoryStore()
	}

	a.metrics = metrics.New()
	tracer, shutdown := trace.New(cfg.TraceConfig(version))
	a.tracer = tracer
	a.shutdown = shutdown

	primary, secondary, err := cfg.LLMProvider()
	if err != nil {
		return nil, err
	}
	var provider llm.Provider = primary
	if secondary != nil {
		orchestrator := llm.NewFailoverOrchestrator(primary, llm.DefaultFailoverConfig())
		orchestrator.AddProvider(secondary)
		orchestrator.Prom = a.metrics
		orchestrator.Tracer = a.tracer
		provider = orchestrator
	}
	llmClient := llm.NewClient(provider)

	registry := tools.NewRegistry()
	policyEngine := policyengine.New(policy.NewResolver(), nil)

	a.engine = runengine.New(a.store, a.queueStore, llmClient, registry, policyEngine, cfg.RunEngineConfig(), logger)
	a.engine.Metrics = a.metrics
	a.engine.Tracer = a.tracer

	var settingsStore memorywriter.SettingsStore
	if a.db != nil {
		settingsStore = memorywriter.NewPostgresSettingsStore(a.db)
	} else {
		settingsStore = noSettingsStore{}
	}
	encryptionKey, err := cfg.EncryptionKeyBytes()
	if err != nil {
		logger.Warn("memory writer disabled: no usable encryption key", "error", err)
		encryptionKey = nil
	}
	a.writer = memorywriter.New(a.store, settingsStore, cfg.MemoryWriterProviderFactory(), encryptionKey, cfg.MemoryWriterConfig(), logger)
	a.writer.Metrics = a.metrics

	schedulerCfg := cfg.SchedulerConfig()
	schedulerCfg.Logger = logger
	a.dispatcher = scheduler.New(a.store, a.queueStore, schedulerCfg)
	a.dispatcher.Metrics = a.metrics

	workerCfg := cfg.WorkerConfig()
	workerCfg.Logger = logger
	a.worker = queue.NewWorker(a.queueStore, workerCfg)
	a.worker.Metrics = a.metrics
	a.engine.RegisterHandlers(a.worker)
	a.writer.RegisterHandlers(a.worker)

	return a, nil
}

// Close releases the database connection and flushes the trace exporter.
// Safe to call on a partially-built app.
func (a *app) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			a.logger.Warn("trace shutdown", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
	}
}

// noSettingsStore backs the memory writer when no database is
// configured: every user resolves to memory disabled, matching
// resolveAPIKey's SkipMemoryDisabled gate rather than failing outright.
type noSettingsStore struct{}

func (noSettingsStore) GetUserSettings(ctx context.Context, userID string) (*memorywriter.UserSettings, error) {
	return &memorywriter.UserSettings{MemoryEnabled: false}, nil
}
