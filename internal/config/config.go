// Package config builds the single immutable Config read once at process
// start and threaded into every collaborator (internal/runengine,
// internal/memorywriter, internal/queue, internal/scheduler). Values come
// from environment variables, following the teacher's applyEnvOverrides
// style (os.Getenv + strings.TrimSpace, strconv for numeric fields,
// time.ParseDuration for durations), layered over an optional JSON5/YAML
// file loaded first via LoadRaw (see loader.go) so a deployment can check
// in a base config and override per-environment with env vars -- env vars
// always win.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/memorywriter"
	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/runengine"
	"github.com/haasonsaas/conductor/internal/scheduler"
	"github.com/haasonsaas/conductor/internal/trace"
)

// Config holds every knob spec.md SS6 names, plus the ambient fields
// (LogLevel) the engine's surrounding process needs that aren't part of
// any one subsystem's own Config type.
type Config struct {
	// WorkerConcurrency bounds jobs-in-flight per worker process, shared
	// by every queue lane's concurrency cap.
	WorkerConcurrency int `yaml:"worker_concurrency"`

	// MaxTurnsPerContext bounds how many inbound/outbound message turns
	// accumulate in a context before the message-ingestion path closes
	// it and enqueues a memory_write job with mode="close".
	MaxTurnsPerContext int `yaml:"max_turns_per_context"`

	// MemoryWriterMaxMessages is how many trailing messages of a context
	// the memory writer loads when no explicit segment is supplied.
	MemoryWriterMaxMessages int `yaml:"memory_writer_max_messages"`

	RunMaxIterations        int   `yaml:"run_max_iterations"`
	RunMinIterations        int   `yaml:"run_min_iterations"`
	RunMaxIterationsHardCap int   `yaml:"run_max_iterations_hard_cap"`
	RunTranscriptLimit      int   `yaml:"run_transcript_limit"`
	RunTranscriptTokenLimit int   `yaml:"run_transcript_token_limit"`
	RunMaxJsonRetries       int   `yaml:"run_max_json_retries"`
	RunMaxToolRetries       int   `yaml:"run_max_tool_retries"`
	RunMaxRuntimeMs         int64 `yaml:"run_max_runtime_ms"`
	RunDebugPrompts         bool  `yaml:"run_debug_prompts"`

	// EncryptionKeyHex is the 32-byte memory-writer API-key encryption
	// key, hex-encoded (64 hex characters). Required whenever the
	// memory writer is wired; see EncryptionKeyBytes.
	EncryptionKeyHex string `yaml:"encryption_key"`

	// LLMBaseURL overrides the default provider endpoint, for routing
	// through a gateway or a local-model proxy.
	LLMBaseURL string `yaml:"llm_base_url"`

	// LogLevel is one of debug|info|warn|error, parsed by cmd/conductor
	// into a slog.Level when building the process logger.
	LogLevel string `yaml:"log_level"`

	// DatabaseURL is the Postgres DSN backing internal/store,
	// internal/queue, and internal/memorywriter's settings store. Empty
	// means cmd/conductor falls back to the in-memory stores (tests,
	// local development).
	DatabaseURL string `yaml:"database_url"`

	// AnthropicAPIKey, if set, makes Anthropic the primary LLM
	// provider for the run engine.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	// OpenAIAPIKey, if set, is wired as a failover provider behind
	// Anthropic (or as primary, if AnthropicAPIKey is unset).
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint (e.g. ":9090"). Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`

	// TraceEndpoint is the OTLP gRPC collector endpoint. Empty disables
	// trace export.
	TraceEndpoint string `yaml:"trace_endpoint"`

	// TraceSamplingRate is the fraction of traces recorded, in [0,1].
	TraceSamplingRate float64 `yaml:"trace_sampling_rate"`

	// Environment labels this deployment (production, staging, dev) in
	// exported traces.
	Environment string `yaml:"environment"`
}

// Default returns the built-in defaults, matching spec.md's worked
// examples (workerConcurrency=5 in the queue section).
func Default() Config {
	return Config{
		WorkerConcurrency:       5,
		MaxTurnsPerContext:      40,
		MemoryWriterMaxMessages: 40,
		RunMaxIterations:        12,
		RunMinIterations:        4,
		RunMaxIterationsHardCap: 40,
		RunTranscriptLimit:      200,
		RunTranscriptTokenLimit: 8000,
		RunMaxJsonRetries:       2,
		RunMaxToolRetries:       2,
		RunMaxRuntimeMs:         5 * 60 * 1000,
		LogLevel:                "info",
	}
}

// Load builds a Config: defaults, optionally overlaid by the file at
// path (if path is non-empty), then env overrides, then validated. path
// may be empty, in which case the file layer is skipped entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		if err := decodeRawConfig(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_WORKER_CONCURRENCY")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.WorkerConcurrency = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_MAX_TURNS_PER_CONTEXT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.MaxTurnsPerContext = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_MEMORY_WRITER_MAX_MESSAGES")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.MemoryWriterMaxMessages = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_RUN_MAX_ITERATIONS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.RunMaxIterations = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_RUN_MIN_ITERATIONS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.RunMinIterations = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_RUN_MAX_ITERATIONS_HARD_CAP")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.RunMaxIterationsHardCap = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_RUN_TRANSCRIPT_LIMIT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.RunTranscriptLimit = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_RUN_TRANSCRIPT_TOKEN_LIMIT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.RunTranscriptTokenLimit = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_RUN_MAX_JSON_RETRIES")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.RunMaxJsonRetries = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_RUN_MAX_TOOL_RETRIES")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.RunMaxToolRetries = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_RUN_MAX_RUNTIME_MS")); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RunMaxRuntimeMs = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_RUN_MAX_RUNTIME")); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.RunMaxRuntimeMs = parsed.Milliseconds()
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_RUN_DEBUG_PROMPTS")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.RunDebugPrompts = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_ENCRYPTION_KEY")); v != "" {
		cfg.EncryptionKeyHex = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_LLM_BASE_URL")); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.AnthropicAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_METRICS_ADDR")); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_TRACE_ENDPOINT")); v != "" {
		cfg.TraceEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_TRACE_SAMPLING_RATE")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TraceSamplingRate = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_ENVIRONMENT")); v != "" {
		cfg.Environment = v
	}
}

// ValidationError reports every problem found, not just the first.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	if cfg.WorkerConcurrency <= 0 {
		issues = append(issues, "worker_concurrency must be positive")
	}
	if cfg.RunMinIterations <= 0 {
		issues = append(issues, "run_min_iterations must be positive")
	}
	if cfg.RunMaxIterationsHardCap < cfg.RunMinIterations {
		issues = append(issues, "run_max_iterations_hard_cap must be >= run_min_iterations")
	}
	if cfg.RunMaxIterations < cfg.RunMinIterations {
		issues = append(issues, "run_max_iterations must be >= run_min_iterations")
	}
	if cfg.RunMaxJsonRetries < 0 {
		issues = append(issues, "run_max_json_retries must be non-negative")
	}
	if cfg.RunMaxToolRetries < 0 {
		issues = append(issues, "run_max_tool_retries must be non-negative")
	}
	if cfg.RunMaxRuntimeMs <= 0 {
		issues = append(issues, "run_max_runtime_ms must be positive")
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("log_level %q must be one of debug|info|warn|error", cfg.LogLevel))
	}
	if cfg.EncryptionKeyHex != "" {
		if _, err := cfg.EncryptionKeyBytes(); err != nil {
			issues = append(issues, err.Error())
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// EncryptionKeyBytes decodes EncryptionKeyHex into the 32-byte key
// memorywriter.New requires. Returns an error if unset, not hex, or not
// exactly 32 bytes once decoded.
func (c Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKeyHex == "" {
		return nil, fmt.Errorf("encryption_key is not set")
	}
	key, err := hex.DecodeString(c.EncryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("encryption_key must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// RunEngineConfig maps the shared fields into internal/runengine.Config,
// filling in the engine-only knobs (conversation windows, watchdog delay,
// LLM call timeout) from its own defaults.
func (c Config) RunEngineConfig() runengine.Config {
	rc := runengine.DefaultConfig()
	rc.WorkerConcurrency = c.WorkerConcurrency
	rc.RunMaxIterations = c.RunMaxIterations
	rc.RunMinIterations = c.RunMinIterations
	rc.RunMaxIterationsHardCap = c.RunMaxIterationsHardCap
	rc.RunTranscriptLimit = c.RunTranscriptLimit
	rc.RunTranscriptTokenLimit = c.RunTranscriptTokenLimit
	rc.RunMaxJsonRetries = c.RunMaxJsonRetries
	rc.RunMaxToolRetries = c.RunMaxToolRetries
	rc.RunMaxRuntimeMs = c.RunMaxRuntimeMs
	rc.RunDebugPrompts = c.RunDebugPrompts
	return rc
}

// MemoryWriterConfig maps the shared fields into
// internal/memorywriter.Config.
func (c Config) MemoryWriterConfig() memorywriter.Config {
	mc := memorywriter.DefaultConfig()
	if c.MemoryWriterMaxMessages > 0 {
		mc.MaxMessages = c.MemoryWriterMaxMessages
	}
	if c.RunMaxJsonRetries > 0 {
		mc.MaxJsonRetries = c.RunMaxJsonRetries
	}
	return mc
}

// WorkerConfig maps the shared fields into internal/queue.WorkerConfig.
func (c Config) WorkerConfig() queue.WorkerConfig {
	wc := queue.DefaultWorkerConfig()
	if c.WorkerConcurrency > 0 {
		wc.MaxConcurrency = c.WorkerConcurrency
	}
	return wc
}

// SchedulerConfig maps the shared fields into internal/scheduler.Config.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.DefaultConfig()
}

// TraceConfig maps the shared fields into internal/trace.Config.
func (c Config) TraceConfig(serviceVersion string) trace.Config {
	return trace.Config{
		ServiceName:    "conductor",
		ServiceVersion: serviceVersion,
		Environment:    c.Environment,
		Endpoint:       c.TraceEndpoint,
		SamplingRate:   c.TraceSamplingRate,
	}
}

// LLMProvider builds the run engine's Provider from whichever API keys
// are configured: Anthropic primary with OpenAI failover if both are
// set, whichever single one is set alone, or an error if neither is.
// cmd/conductor wraps the result in llm.NewFailoverOrchestrator when a
// second provider is present, otherwise llm.NewClient talks to it
// directly.
func (c Config) LLMProvider() (primary llm.Provider, failover llm.Provider, err error) {
	var anthropic, openai llm.Provider
	if c.AnthropicAPIKey != "" {
		anthropic, err = llm.NewAnthropicProvider(llm.AnthropicConfig{APIKey: c.AnthropicAPIKey, BaseURL: c.LLMBaseURL})
		if err != nil {
			return nil, nil, fmt.Errorf("build anthropic provider: %w", err)
		}
	}
	if c.OpenAIAPIKey != "" {
		if c.LLMBaseURL != "" {
			openai = llm.NewOpenAIProviderWithBaseURL(c.OpenAIAPIKey, c.LLMBaseURL)
		} else {
			openai = llm.NewOpenAIProvider(c.OpenAIAPIKey)
		}
	}

	switch {
	case anthropic != nil && openai != nil:
		return anthropic, openai, nil
	case anthropic != nil:
		return anthropic, nil, nil
	case openai != nil:
		return openai, nil, nil
	default:
		return nil, nil, fmt.Errorf("no LLM provider configured: set anthropic_api_key or openai_api_key")
	}
}

// MemoryWriterProviderFactory returns a memorywriter.ProviderFactory that
// builds an OpenAI-compatible provider per decrypted user API key, routed
// through LLMBaseURL when set.
func (c Config) MemoryWriterProviderFactory() memorywriter.ProviderFactory {
	return func(apiKey string) (llm.Provider, error) {
		return llm.NewOpenAIProviderWithBaseURL(apiKey, c.LLMBaseURL), nil
	}
}
