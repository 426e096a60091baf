// Package models defines the core data types shared across the run engine,
// queue, store, and memory writer.
package models

import "time"

// MemoryModule is one of the fixed categories a MemoryItem belongs to.
type MemoryModule string

const (
	ModuleIdentity      MemoryModule = "identity"
	ModulePreferences   MemoryModule = "preferences"
	ModuleConstraints   MemoryModule = "constraints"
	ModuleProjects      MemoryModule = "projects"
	ModuleRelationships MemoryModule = "relationships"
	ModuleEnvironment   MemoryModule = "environment"
	ModuleRecentContext MemoryModule = "recent_context"
)

// ValidModules lists every recognized memory module, in spec order.
var ValidModules = []MemoryModule{
	ModuleIdentity, ModulePreferences, ModuleConstraints, ModuleProjects,
	ModuleRelationships, ModuleEnvironment, ModuleRecentContext,
}

// IsValidModule reports whether m is one of the fixed modules.
func IsValidModule(m MemoryModule) bool {
	for _, v := range ValidModules {
		if v == m {
			return true
		}
	}
	return false
}

// MemoryLevel caps describe how many non-archived items a level may hold
// and how long each item's value may be, per spec.md SS4.4.
type MemoryLevelCap struct {
	MaxItems int
	MaxChars int
}

// LevelCaps is indexed by level (0..5).
var LevelCaps = map[int]MemoryLevelCap{
	0: {MaxItems: 4, MaxChars: 50},
	1: {MaxItems: 8, MaxChars: 120},
	2: {MaxItems: 10, MaxChars: 180},
	3: {MaxItems: 12, MaxChars: 200},
	4: {MaxItems: 12, MaxChars: 240},
	5: {MaxItems: 6, MaxChars: 300},
}

// MemoryItem is a durable user fact distilled and maintained by the
// Memory Writer. (UserID, Module, Key) is unique among non-archived items.
type MemoryItem struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	Level      int          `json:"level"`
	Module     MemoryModule `json:"module"`
	Key        string       `json:"key"`
	Value      string       `json:"value"`
	Confidence float64      `json:"confidence"`
	Pinned     bool         `json:"pinned"`
	Archived   bool         `json:"archived"`
	ContextID  string       `json:"context_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	LastSeenAt time.Time    `json:"last_seen_at"`
}

// Cap returns this item's level cap, or the zero value if the level is
// out of the known 0..5 range.
func (m *MemoryItem) Cap() MemoryLevelCap {
	return LevelCaps[m.Level]
}
