package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/metrics"
)

// Handler processes one claimed job. Returning an error marks the job
// failed; returning nil marks it succeeded.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig configures a Worker pool.
type WorkerConfig struct {
	// WorkerID identifies this pool instance in logs.
	WorkerID string

	// PollInterval is how often an idle queue lane is re-polled for work.
	PollInterval time.Duration

	// MaxConcurrency bounds the number of jobs processed at once, across
	// all queue lanes.
	MaxConcurrency int

	// CleanupInterval is how often terminal jobs older than RetainFor are
	// pruned.
	CleanupInterval time.Duration
	RetainFor       time.Duration

	Logger *slog.Logger
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		WorkerID:        uuid.NewString(),
		PollInterval:    1 * time.Second,
		MaxConcurrency:  8,
		CleanupInterval: 5 * time.Minute,
		RetainFor:       24 * time.Hour,
	}
}

// Worker polls one or more named queues and dispatches claimed jobs to
// their registered Handler, bounding total in-flight jobs with a
// semaphore and shutting down only once all in-flight work completes.
type Worker struct {
	store    Store
	config   WorkerConfig
	logger   *slog.Logger
	handlers map[Name]Handler

	// Metrics is optional; a nil value disables recording (every
	// metrics.Metrics method no-ops on a nil receiver). Set directly
	// before calling Start.
	Metrics *metrics.Metrics

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.RWMutex
	running bool
}

// NewWorker creates a Worker pool backed by store. Register handlers
// with Handle before calling Start.
func NewWorker(store Store, config WorkerConfig) *Worker {
	if config.WorkerID == "" {
		config.WorkerID = uuid.NewString()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 8
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.RetainFor <= 0 {
		config.RetainFor = 24 * time.Hour
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "queue-worker")
	}

	return &Worker{
		store:    store,
		config:   config,
		logger:   logger,
		handlers: make(map[Name]Handler),
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// Handle registers the handler invoked for jobs claimed off queue.
// Start launches poll loops only for queues registered at that point, so
// a queue first registered after Start is never polled; replacing the
// handler of an already-polled queue takes effect on its next job.
func (w *Worker) Handle(queue Name, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[queue] = handler
}

// Start launches one poll loop per registered queue plus a cleanup
// loop, returning immediately; call Stop to shut down.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	queues := make([]Name, 0, len(w.handlers))
	for q := range w.handlers {
		queues = append(queues, q)
	}
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.logger.Info("starting queue worker",
		"worker_id", w.config.WorkerID,
		"queues", queues,
		"max_concurrency", w.config.MaxConcurrency,
	)

	for _, q := range queues {
		w.wg.Add(1)
		go w.pollLoop(ctx, q)
	}

	w.wg.Add(1)
	go w.cleanupLoop(ctx)
}

// Stop cancels all poll loops and waits for in-flight jobs to finish,
// or until ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info("stopping queue worker", "worker_id", w.config.WorkerID)
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("queue worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) pollLoop(ctx context.Context, queue Name) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tryClaim(ctx, queue)
		}
	}
}

func (w *Worker) tryClaim(ctx context.Context, queue Name) {
	select {
	case w.sem <- struct{}{}:
	default:
		return
	}

	job, err := w.store.Claim(ctx, queue)
	if err != nil {
		<-w.sem
		w.logger.Error("claim failed", "queue", queue, "error", err)
		return
	}
	if job == nil {
		<-w.sem
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.runJob(ctx, queue, job)
	}()
}

func (w *Worker) runJob(ctx context.Context, queue Name, job *Job) {
	w.mu.RLock()
	handler := w.handlers[queue]
	w.mu.RUnlock()
	if handler == nil {
		w.logger.Error("no handler registered for queue", "queue", queue, "job_id", job.ID)
		return
	}

	w.logger.Info("running job", "queue", queue, "job_id", job.ID)

	if err := handler(ctx, job); err != nil {
		w.logger.Error("job failed", "queue", queue, "job_id", job.ID, "error", err)
		if failErr := w.store.Fail(ctx, job.ID, err); failErr != nil {
			w.logger.Error("failed to record job failure", "job_id", job.ID, "error", failErr)
		}
		w.Metrics.QueueJobFinished(string(queue), "failed")
		return
	}

	if err := w.store.Complete(ctx, job.ID); err != nil {
		w.logger.Error("failed to record job completion", "job_id", job.ID, "error", err)
	}
	w.Metrics.QueueJobFinished(string(queue), "succeeded")
}

func (w *Worker) cleanupLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.Prune(ctx, w.config.RetainFor)
			if err != nil {
				w.logger.Error("prune failed", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Info("pruned terminal jobs", "count", n)
			}
		}
	}
}

// IsRunning reports whether the pool's loops are active.
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
