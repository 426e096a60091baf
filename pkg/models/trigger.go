package models

import (
	"encoding/json"
	"time"
)

// TriggerType distinguishes a recurring cron wake from a one-shot run-wake.
type TriggerType string

const (
	TriggerCron    TriggerType = "cron"
	TriggerRunWake TriggerType = "run_wake"
)

// Trigger is a deferred wake, scanned by the out-of-core trigger
// dispatcher (see internal/scheduler) which enqueues a wake or run job
// at or after NextFireAt. RunID, when set, names the run the dispatcher
// should wake on each firing (a coordinator's sleep(cron)); empty for a
// trigger that isn't tied to one specific run.
type Trigger struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	RunID      string          `json:"run_id,omitempty"`
	Type       TriggerType     `json:"type"`
	SpecJSON   json.RawMessage `json:"spec_json"`
	NextFireAt time.Time       `json:"next_fire_at"`
	Enabled    bool            `json:"enabled"`
}

// CronTriggerSpec is the SpecJSON shape for TriggerCron.
type CronTriggerSpec struct {
	Expression string `json:"expression"`
	Timezone   string `json:"timezone,omitempty"`
}

// RunWakeTriggerSpec is the SpecJSON shape for TriggerRunWake.
type RunWakeTriggerSpec struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}
