package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/pkg/models"
)

func decodeCronSpec(raw json.RawMessage) (models.CronTriggerSpec, error) {
	var spec models.CronTriggerSpec
	if len(raw) == 0 {
		return spec, fmt.Errorf("empty cron trigger spec")
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return spec, fmt.Errorf("decode cron trigger spec: %w", err)
	}
	if spec.Expression == "" {
		return spec, fmt.Errorf("cron trigger spec missing expression")
	}
	return spec, nil
}

func decodeRunWakeSpec(raw json.RawMessage) (models.RunWakeTriggerSpec, error) {
	var spec models.RunWakeTriggerSpec
	if len(raw) == 0 {
		return spec, fmt.Errorf("empty run_wake trigger spec")
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return spec, fmt.Errorf("decode run_wake trigger spec: %w", err)
	}
	if spec.RunID == "" {
		return spec, fmt.Errorf("run_wake trigger spec missing run_id")
	}
	return spec, nil
}

func marshalWakePayload(runID, reason string) (json.RawMessage, error) {
	payload, err := json.Marshal(queue.WakePayload{RunID: runID, Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("marshal wake payload: %w", err)
	}
	return payload, nil
}
