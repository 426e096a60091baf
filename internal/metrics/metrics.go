// Package metrics is a bounded Prometheus surface around the run engine,
// queue, scheduler, and memory writer. It is purely observational: per
// spec.md's framing of the trigger dispatcher and delivery subsystem as
// out-of-core collaborators, metrics never gate engine behavior -- a
// counter that fails to increment (nil *Metrics, discarded return value)
// must never change a run's outcome.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/histogram/gauge this process registers.
// Construct once at startup with New and assign the pointer to the
// exported Metrics field of Engine/Dispatcher/Writer/Worker; a nil
// *Metrics is valid everywhere it's read (see the nil-receiver methods
// below), so collaborators that don't care about metrics leave it nil.
type Metrics struct {
	// RunClaims counts successful run claims, by run kind
	// (coordinator|subagent).
	RunClaims *prometheus.CounterVec

	// RunIterations counts engine loop iterations, by run kind.
	RunIterations *prometheus.CounterVec

	// RunOutcomes counts terminal run transitions, by outcome
	// (completed|failed|cancelled).
	RunOutcomes *prometheus.CounterVec

	// RunDuration measures wall-clock run duration in seconds, from
	// run creation (CreatedAt) to terminal state.
	// Buckets: 1s, 5s, 15s, 30s, 60s, 120s, 300s, 600s
	RunDuration *prometheus.HistogramVec

	// ToolExecutions counts tool command invocations, by tool name and
	// outcome (success|failed|denied).
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool handler latency in seconds, by
	// tool name.
	ToolExecutionDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM call latency in seconds, by
	// provider and model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestsTotal counts LLM calls, by provider, model, and outcome
	// (success|error).
	LLMRequestsTotal *prometheus.CounterVec

	// QueueDepth is a gauge of queued-and-visible jobs, by queue name.
	QueueDepth *prometheus.GaugeVec

	// QueueJobOutcomes counts completed jobs, by queue name and outcome
	// (succeeded|failed).
	QueueJobOutcomes *prometheus.CounterVec

	// SchedulerTriggersFired counts trigger dispatcher fires, by trigger
	// type (cron|run_wake).
	SchedulerTriggersFired *prometheus.CounterVec

	// MemoryWriteOutcomes counts memory-writer job results, by outcome
	// (applied|skipped:<reason>).
	MemoryWriteOutcomes *prometheus.CounterVec

	// MemoryOpsApplied counts individual memory ops applied, by op type
	// (add|update|delete|touch).
	MemoryOpsApplied *prometheus.CounterVec
}

// New creates and registers every metric against Prometheus's default
// registry. Call once per process.
func New() *Metrics {
	return &Metrics{
		RunClaims: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_run_claims_total",
				Help: "Total number of runs claimed off the runs/wake queues, by run kind.",
			},
			[]string{"kind"},
		),
		RunIterations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_run_iterations_total",
				Help: "Total number of engine loop iterations, by run kind.",
			},
			[]string{"kind"},
		),
		RunOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_run_outcomes_total",
				Help: "Total number of terminal run transitions, by outcome.",
			},
			[]string{"outcome"},
		),
		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_run_duration_seconds",
				Help:    "Wall-clock run duration from run creation to terminal state.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		ToolExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_executions_total",
				Help: "Total number of tool command invocations, by tool name and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_execution_duration_seconds",
				Help:    "Tool handler latency in seconds, by tool name.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_llm_request_duration_seconds",
				Help:    "LLM completion call latency in seconds, by provider and model.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_llm_requests_total",
				Help: "Total number of LLM completion calls, by provider, model, and outcome.",
			},
			[]string{"provider", "model", "outcome"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_queue_depth",
				Help: "Currently queued and visible jobs, by queue name.",
			},
			[]string{"queue"},
		),
		QueueJobOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_queue_job_outcomes_total",
				Help: "Total number of completed queue jobs, by queue name and outcome.",
			},
			[]string{"queue", "outcome"},
		),
		SchedulerTriggersFired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_scheduler_triggers_fired_total",
				Help: "Total number of triggers fired by the scheduler dispatcher, by trigger type.",
			},
			[]string{"type"},
		),
		MemoryWriteOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_memory_write_outcomes_total",
				Help: "Total number of memory-writer job outcomes, by outcome.",
			},
			[]string{"outcome"},
		),
		MemoryOpsApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_memory_ops_applied_total",
				Help: "Total number of memory ops applied, by op type.",
			},
			[]string{"op"},
		),
	}
}

// The following helpers no-op on a nil receiver, so collaborators can be
// constructed with a nil *Metrics in tests without a nil-check at every
// call site.

func (m *Metrics) runClaimed(kind string) {
	if m == nil {
		return
	}
	m.RunClaims.WithLabelValues(kind).Inc()
}

// RunClaimed records a successful claim of a run of the given kind.
func (m *Metrics) RunClaimed(kind string) { m.runClaimed(kind) }

// RunIterated records one engine loop iteration for a run of the given
// kind.
func (m *Metrics) RunIterated(kind string) {
	if m == nil {
		return
	}
	m.RunIterations.WithLabelValues(kind).Inc()
}

// RunFinished records a terminal run transition and its duration.
func (m *Metrics) RunFinished(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RunOutcomes.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(kind).Observe(seconds)
}

// ToolExecuted records a tool command invocation and its latency.
func (m *Metrics) ToolExecuted(tool, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

// LLMRequestCompleted records an LLM completion call and its latency.
func (m *Metrics) LLMRequestCompleted(provider, model, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(provider, model, outcome).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
}

// QueueDepthObserved sets the current depth gauge for a queue.
func (m *Metrics) QueueDepthObserved(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// QueueJobFinished records a completed queue job's outcome.
func (m *Metrics) QueueJobFinished(queue, outcome string) {
	if m == nil {
		return
	}
	m.QueueJobOutcomes.WithLabelValues(queue, outcome).Inc()
}

// TriggerFired records a scheduler trigger fire, by trigger type.
func (m *Metrics) TriggerFired(triggerType string) {
	if m == nil {
		return
	}
	m.SchedulerTriggersFired.WithLabelValues(triggerType).Inc()
}

// MemoryWriteFinished records a memory-writer job's outcome.
func (m *Metrics) MemoryWriteFinished(outcome string) {
	if m == nil {
		return
	}
	m.MemoryWriteOutcomes.WithLabelValues(outcome).Inc()
}

// MemoryOpApplied records one applied memory op, by op type.
func (m *Metrics) MemoryOpApplied(op string) {
	if m == nil {
		return
	}
	m.MemoryOpsApplied.WithLabelValues(op).Inc()
}
