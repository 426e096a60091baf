// Package memorywriter distills durable per-user facts from a closed (or
// periodically swept) conversation context: it prompts an LLM for a batch
// of add/update/delete/touch operations over pkg/models.MemoryItem, rejects
// anything that looks like a secret, and applies the survivors under the
// per-level item-count and value-length caps, deduplicating and evicting
// as needed.
package memorywriter

// Config holds the memory writer's tunables, sourced from
// internal/config.Config at wiring time.
type Config struct {
	// MaxMessages is how many trailing messages of the context are loaded
	// when the triggering job doesn't pin a specific segment
	// (spec.md's memoryWriterMaxMessages).
	MaxMessages int

	// MaxJsonRetries is how many extra attempts (beyond the first) the
	// writer gives the LLM to produce a parseable ops array.
	MaxJsonRetries int

	// MemoriesPerLevelInPrompt caps how many current memory items per
	// level are shown to the model as context for update/touch/delete
	// decisions.
	MemoriesPerLevelInPrompt int

	// LLMTimeoutSeconds bounds the single extraction call.
	LLMTimeoutSeconds int
}

// DefaultConfig returns the writer's defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessages:              40,
		MaxJsonRetries:           2,
		MemoriesPerLevelInPrompt: 10,
		LLMTimeoutSeconds:        45,
	}
}
