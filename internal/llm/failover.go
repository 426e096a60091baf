package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/metrics"
	"github.com/haasonsaas/conductor/internal/trace"
)

// FailoverConfig configures the failover orchestrator.
type FailoverConfig struct {
	// MaxRetries is the maximum number of retry attempts per provider.
	MaxRetries int

	// RetryBackoff is the initial backoff between retries.
	RetryBackoff time.Duration

	// MaxRetryBackoff is the maximum backoff duration.
	MaxRetryBackoff time.Duration

	// FailoverOnRateLimit enables failover on rate limit errors.
	FailoverOnRateLimit bool

	// FailoverOnServerError enables failover on server errors.
	FailoverOnServerError bool

	// CircuitBreakerThreshold is the number of failures before opening the
	// circuit for a provider.
	CircuitBreakerThreshold int

	// CircuitBreakerTimeout is how long to wait before retrying a
	// tripped provider.
	CircuitBreakerTimeout time.Duration

	// CallTimeout bounds each individual provider call. The run engine
	// relies on this, not context deadlines alone, so a hung provider
	// never blocks a run indefinitely.
	CallTimeout time.Duration
}

// DefaultFailoverConfig returns sensible defaults for failover.
func DefaultFailoverConfig() *FailoverConfig {
	return &FailoverConfig{
		MaxRetries:              2,
		RetryBackoff:            100 * time.Millisecond,
		MaxRetryBackoff:         5 * time.Second,
		FailoverOnRateLimit:     true,
		FailoverOnServerError:   true,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   30 * time.Second,
		CallTimeout:             60 * time.Second,
	}
}

// ProviderState tracks the health of one provider.
type ProviderState struct {
	Name          string
	Failures      int
	LastFailure   time.Time
	CircuitOpen   bool
	CircuitOpenAt time.Time
}

// IsAvailable reports whether the provider can currently accept requests.
func (s *ProviderState) IsAvailable(cfg *FailoverConfig) bool {
	if !s.CircuitOpen {
		return true
	}
	return time.Since(s.CircuitOpenAt) > cfg.CircuitBreakerTimeout
}

// FailoverOrchestrator is a Provider that tries a primary model, then
// ordered fallbacks, skipping any provider whose circuit breaker is open
// and retrying retryable errors with exponential backoff before moving on.
type FailoverOrchestrator struct {
	providers []Provider
	config    *FailoverConfig
	states    map[string]*ProviderState
	mu        sync.RWMutex
	metrics   *FailoverMetrics

	// Prom is optional; nil disables Prometheus recording. Distinct from
	// the in-memory FailoverMetrics snapshot above, which callers poll
	// directly rather than scrape.
	Prom *metrics.Metrics

	// Tracer is optional; nil spans go to otel's global no-op tracer.
	Tracer *trace.Tracer
}

// FailoverMetrics tracks failover statistics for the metrics package to
// export as gauges/counters.
type FailoverMetrics struct {
	mu               sync.Mutex
	TotalRequests    int64
	TotalFailovers   int64
	TotalRetries     int64
	ProviderFailures map[string]int64
	CircuitBreaks    int64
}

// NewFailoverOrchestrator creates an orchestrator with primary as the first
// and only provider; call AddProvider to append fallbacks in priority
// order.
func NewFailoverOrchestrator(primary Provider, config *FailoverConfig) *FailoverOrchestrator {
	if config == nil {
		config = DefaultFailoverConfig()
	}
	return &FailoverOrchestrator{
		providers: []Provider{primary},
		config:    config,
		states:    make(map[string]*ProviderState),
		metrics:   &FailoverMetrics{ProviderFailures: make(map[string]int64)},
	}
}

// AddProvider appends a fallback provider, tried only if every provider
// before it is unavailable or fails with a failover-eligible error.
func (o *FailoverOrchestrator) AddProvider(p Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers = append(o.providers, p)
}

// Complete implements Provider with failover support, trying each
// provider in order and returning the first successful response.
func (o *FailoverOrchestrator) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	o.metrics.mu.Lock()
	o.metrics.TotalRequests++
	o.metrics.mu.Unlock()

	o.mu.RLock()
	providersCopy := make([]Provider, len(o.providers))
	copy(providersCopy, o.providers)
	o.mu.RUnlock()

	var lastErr error

	for i, provider := range providersCopy {
		state := o.getOrCreateState(provider.Name())

		if !state.IsAvailable(o.config) {
			continue
		}

		modelLabel := req.Model
		if modelLabel == "" {
			modelLabel = "default"
		}
		spanCtx, span := o.Tracer.LLMRequest(ctx, provider.Name(), modelLabel)

		start := time.Now()
		resp, err := o.tryProvider(spanCtx, provider, req)
		if err == nil {
			o.recordSuccess(provider.Name())
			o.Prom.LLMRequestCompleted(provider.Name(), modelLabel, "success", time.Since(start).Seconds())
			span.End()
			return resp, nil
		}

		lastErr = err
		o.recordFailure(provider.Name(), err)
		o.Prom.LLMRequestCompleted(provider.Name(), modelLabel, "error", time.Since(start).Seconds())
		o.Tracer.RecordError(span, err)
		span.End()

		if !o.shouldFailover(err) {
			return nil, err
		}

		if i < len(providersCopy)-1 {
			o.metrics.mu.Lock()
			o.metrics.TotalFailovers++
			o.metrics.mu.Unlock()
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no available providers")
	}
	return nil, lastErr
}

// tryProvider attempts to complete with retries, bounding each attempt by
// CallTimeout so a single hung request can't stall the whole failover
// chain.
func (o *FailoverOrchestrator) tryProvider(ctx context.Context, provider Provider, req *CompletionRequest) (*CompletionResponse, error) {
	var lastErr error
	backoff := o.config.RetryBackoff

	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		resp, err := o.callWithTimeout(ctx, provider, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if !isProviderRetryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= o.config.MaxRetries {
			break
		}

		o.metrics.mu.Lock()
		o.metrics.TotalRetries++
		o.metrics.mu.Unlock()

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > o.config.MaxRetryBackoff {
				backoff = o.config.MaxRetryBackoff
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

func (o *FailoverOrchestrator) callWithTimeout(ctx context.Context, provider Provider, req *CompletionRequest) (*CompletionResponse, error) {
	timeout := o.config.CallTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		return provider.Complete(ctx, req)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return provider.Complete(callCtx, req)
}

// shouldFailover determines whether an error warrants trying another
// provider rather than surfacing it directly.
func (o *FailoverOrchestrator) shouldFailover(err error) bool {
	if shouldProviderFailover(err) {
		return true
	}

	reason := classifyProviderError(err)
	if o.config.FailoverOnRateLimit && reason == "rate_limit" {
		return true
	}
	if o.config.FailoverOnServerError && reason == "server_error" {
		return true
	}
	return false
}

// isProviderRetryable checks if an error is worth retrying against the
// same provider before failing over.
func isProviderRetryable(err error) bool {
	switch classifyProviderError(err) {
	case "rate_limit", "timeout", "server_error":
		return true
	default:
		return false
	}
}

// shouldProviderFailover checks if an error warrants trying a different
// provider outright (no point retrying the same one).
func shouldProviderFailover(err error) bool {
	switch classifyProviderError(err) {
	case "billing", "auth", "model_unavailable":
		return true
	default:
		return false
	}
}

// classifyProviderError buckets a provider error by substring match. This
// mirrors provider SDKs that don't expose typed errors uniformly across
// Anthropic/OpenAI/Bedrock.
func classifyProviderError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "context deadline"):
		return "timeout"
	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "rate_limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"):
		return "rate_limit"
	case strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "authentication"),
		strings.Contains(errStr, "401"),
		strings.Contains(errStr, "403"):
		return "auth"
	case strings.Contains(errStr, "billing"),
		strings.Contains(errStr, "payment"),
		strings.Contains(errStr, "quota"),
		strings.Contains(errStr, "402"):
		return "billing"
	case strings.Contains(errStr, "internal server"),
		strings.Contains(errStr, "server error"),
		strings.Contains(errStr, "500"),
		strings.Contains(errStr, "502"),
		strings.Contains(errStr, "503"),
		strings.Contains(errStr, "504"):
		return "server_error"
	case strings.Contains(errStr, "model not found"),
		strings.Contains(errStr, "does not exist"),
		strings.Contains(errStr, "unavailable"):
		return "model_unavailable"
	case strings.Contains(errStr, "invalid"),
		strings.Contains(errStr, "bad request"),
		strings.Contains(errStr, "400"):
		return "invalid_request"
	default:
		return "unknown"
	}
}

func (o *FailoverOrchestrator) getOrCreateState(name string) *ProviderState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state, ok := o.states[name]; ok {
		return state
	}
	state := &ProviderState{Name: name}
	o.states[name] = state
	return state
}

func (o *FailoverOrchestrator) recordSuccess(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state := o.states[name]; state != nil {
		state.Failures = 0
		state.CircuitOpen = false
	}
}

func (o *FailoverOrchestrator) recordFailure(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.states[name]
	if state == nil {
		state = &ProviderState{Name: name}
		o.states[name] = state
	}

	state.Failures++
	state.LastFailure = time.Now()

	if state.Failures >= o.config.CircuitBreakerThreshold && !state.CircuitOpen {
		state.CircuitOpen = true
		state.CircuitOpenAt = time.Now()
		o.metrics.mu.Lock()
		o.metrics.CircuitBreaks++
		o.metrics.mu.Unlock()
	}

	o.metrics.mu.Lock()
	o.metrics.ProviderFailures[name]++
	o.metrics.mu.Unlock()
}

// Name implements Provider.
func (o *FailoverOrchestrator) Name() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.providers) == 0 {
		return "failover"
	}
	return "failover:" + o.providers[0].Name()
}

// Models implements Provider, returning the union of all providers' models.
func (o *FailoverOrchestrator) Models() []Model {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var all []Model
	seen := make(map[string]bool)
	for _, p := range o.providers {
		for _, m := range p.Models() {
			if !seen[m.ID] {
				seen[m.ID] = true
				all = append(all, m)
			}
		}
	}
	return all
}

// SupportsTools implements Provider.
func (o *FailoverOrchestrator) SupportsTools() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, p := range o.providers {
		if p.SupportsTools() {
			return true
		}
	}
	return false
}

// Metrics returns a snapshot of failover metrics.
func (o *FailoverOrchestrator) Metrics() FailoverMetrics {
	o.metrics.mu.Lock()
	defer o.metrics.mu.Unlock()

	failures := make(map[string]int64, len(o.metrics.ProviderFailures))
	for k, v := range o.metrics.ProviderFailures {
		failures[k] = v
	}

	return FailoverMetrics{
		TotalRequests:    o.metrics.TotalRequests,
		TotalFailovers:   o.metrics.TotalFailovers,
		TotalRetries:     o.metrics.TotalRetries,
		ProviderFailures: failures,
		CircuitBreaks:    o.metrics.CircuitBreaks,
	}
}

// ProviderStates returns a snapshot of every provider's circuit-breaker
// state.
func (o *FailoverOrchestrator) ProviderStates() []ProviderState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	states := make([]ProviderState, 0, len(o.states))
	for _, s := range o.states {
		states = append(states, *s)
	}
	return states
}

// ResetCircuitBreaker clears the tripped state for one provider.
func (o *FailoverOrchestrator) ResetCircuitBreaker(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state, ok := o.states[name]; ok {
		state.Failures = 0
		state.CircuitOpen = false
	}
}

// ResetAllCircuitBreakers clears tripped state for every provider.
func (o *FailoverOrchestrator) ResetAllCircuitBreakers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, state := range o.states {
		state.Failures = 0
		state.CircuitOpen = false
	}
}
