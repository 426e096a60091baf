// Package scheduler is the trigger dispatcher: it scans Trigger rows for
// ones due to fire (NextFireAt <= now), enqueues a wake job for the run
// each names, and re-arms cron triggers for their next occurrence. It is
// the out-of-core collaborator spec.md SS4.2 describes as "fire at or
// after nextFireAt, enqueue a wake or run job". The run engine only
// creates Trigger rows (a sleep with a cron expression); firing, re-arming,
// disabling and deleting them happens here.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/conductor/internal/metrics"
	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/pkg/models"
)

// cronParser mirrors internal/runengine's own: 6-field with optional
// leading seconds, plus the @every/@daily descriptor shorthand.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Config configures the dispatcher's poll cadence and batch size.
type Config struct {
	// WorkerID identifies this dispatcher instance in logs.
	WorkerID string

	// PollInterval is how often due triggers are scanned for.
	PollInterval time.Duration

	// BatchSize bounds how many due triggers are claimed per scan.
	BatchSize int

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WorkerID:     uuid.NewString(),
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	}
}

// Dispatcher polls store for due triggers and enqueues wake jobs.
type Dispatcher struct {
	store      store.Store
	queueStore queue.Store
	config     Config
	logger     *slog.Logger

	// Metrics is optional; nil disables recording.
	Metrics *metrics.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
}

// New builds a Dispatcher over st (for Trigger CRUD) and qs (to enqueue
// wake jobs).
func New(st store.Store, qs queue.Store, cfg Config) *Dispatcher {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      st,
		queueStore: qs,
		config:     cfg,
		logger:     logger.With("component", "scheduler"),
	}
}

// Start begins the poll loop in a background goroutine. Calling Start on
// an already-running Dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.logger.Info("starting trigger dispatcher",
		"worker_id", d.config.WorkerID,
		"poll_interval", d.config.PollInterval,
	)

	d.wg.Add(1)
	go d.pollLoop(ctx)
	return nil
}

// Stop cancels the poll loop and waits for it to exit, or until ctx is
// done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("trigger dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.pollDueTriggers(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollDueTriggers(ctx)
		}
	}
}

// pollDueTriggers scans once and fires everything currently due. Exported
// as PollOnce for callers (e.g. tests) that want a single synchronous
// pass without Start's background loop.
func (d *Dispatcher) pollDueTriggers(ctx context.Context) {
	if _, err := d.PollOnce(ctx); err != nil {
		d.logger.Error("poll due triggers failed", "error", err)
	}
}

// PollOnce runs a single scan-and-fire pass and returns the number of
// triggers fired.
func (d *Dispatcher) PollOnce(ctx context.Context) (int, error) {
	now := time.Now()
	due, err := d.store.DueTriggers(ctx, now, d.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("due triggers: %w", err)
	}

	fired := 0
	for _, trigger := range due {
		if err := d.fireTrigger(ctx, trigger, now); err != nil {
			d.logger.Error("failed to fire trigger",
				"trigger_id", trigger.ID, "trigger_type", trigger.Type, "error", err)
			continue
		}
		fired++
	}
	return fired, nil
}

// fireTrigger enqueues the wake job a due trigger names, then either
// re-arms it (cron) or retires it (run_wake, one-shot by nature).
func (d *Dispatcher) fireTrigger(ctx context.Context, trigger *models.Trigger, now time.Time) error {
	switch trigger.Type {
	case models.TriggerCron:
		return d.fireCronTrigger(ctx, trigger, now)
	case models.TriggerRunWake:
		return d.fireRunWakeTrigger(ctx, trigger)
	default:
		d.logger.Warn("unknown trigger type, disabling", "trigger_id", trigger.ID, "type", trigger.Type)
		trigger.Enabled = false
		return d.store.UpdateTrigger(ctx, trigger)
	}
}

func (d *Dispatcher) fireCronTrigger(ctx context.Context, trigger *models.Trigger, now time.Time) error {
	spec, err := decodeCronSpec(trigger.SpecJSON)
	if err != nil {
		d.logger.Error("invalid cron trigger spec, disabling", "trigger_id", trigger.ID, "error", err)
		trigger.Enabled = false
		return d.store.UpdateTrigger(ctx, trigger)
	}

	if err := d.enqueueWake(ctx, trigger.RunID, "cron"); err != nil {
		return fmt.Errorf("enqueue wake: %w", err)
	}
	d.Metrics.TriggerFired(string(models.TriggerCron))

	next, err := calculateNextFire(spec.Expression, spec.Timezone, now, d.logger)
	if err != nil {
		d.logger.Error("invalid cron expression, disabling trigger",
			"trigger_id", trigger.ID, "expression", spec.Expression, "error", err)
		trigger.Enabled = false
		return d.store.UpdateTrigger(ctx, trigger)
	}

	trigger.NextFireAt = next
	return d.store.UpdateTrigger(ctx, trigger)
}

func (d *Dispatcher) fireRunWakeTrigger(ctx context.Context, trigger *models.Trigger) error {
	spec, err := decodeRunWakeSpec(trigger.SpecJSON)
	if err != nil {
		d.logger.Error("invalid run_wake trigger spec, deleting", "trigger_id", trigger.ID, "error", err)
		return d.store.DeleteTrigger(ctx, trigger.ID)
	}

	if err := d.enqueueWake(ctx, spec.RunID, spec.Reason); err != nil {
		return fmt.Errorf("enqueue wake: %w", err)
	}
	d.Metrics.TriggerFired(string(models.TriggerRunWake))

	// run_wake triggers fire exactly once.
	return d.store.DeleteTrigger(ctx, trigger.ID)
}

func (d *Dispatcher) enqueueWake(ctx context.Context, runID, reason string) error {
	if runID == "" {
		return fmt.Errorf("trigger names no run to wake")
	}
	payload, err := marshalWakePayload(runID, reason)
	if err != nil {
		return err
	}
	return d.queueStore.Enqueue(ctx, &queue.Job{
		ID:        uuid.NewString(),
		Queue:     queue.Wake,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}

// calculateNextFire computes the next occurrence of a cron expression
// strictly after 'after', in the given IANA timezone (UTC if empty or
// unparseable).
func calculateNextFire(expression, timezone string, after time.Time, logger *slog.Logger) (time.Time, error) {
	expression = strings.TrimSpace(expression)
	sched, err := cronParser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expression, err)
	}

	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err != nil {
			if logger != nil {
				logger.Warn("invalid trigger timezone, using UTC", "timezone", timezone, "error", err)
			}
		} else {
			loc = l
		}
	}

	return sched.Next(after.In(loc)), nil
}
