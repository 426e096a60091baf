package queue

// Payload shapes for each of the five named queues. A Job's Payload is
// always one of these, marshaled to JSON; which one depends on Job.Queue.

// RunPayload is enqueued on Runs: "this run is claimable, go iterate it."
// The run row itself (status, input, state) lives in internal/store; the
// job only carries enough to route the claim.
type RunPayload struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
}

// MessagePayload is enqueued on Messages: an inbound message has been
// recorded and needs a run created or woken to handle it.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	ContextID string `json:"context_id,omitempty"`
}

// DeliveryAckPayload is enqueued on DeliveryAcks: an outbound message was
// handed to a channel adapter and needs its delivery status reconciled.
type DeliveryAckPayload struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
}

// MemoryWritePayload is enqueued on MemoryWrites: a context closed (or a
// periodic sweep fired) and the memory writer should consider its
// messages for durable-fact extraction. SegmentMessageIDs, when set,
// pins the writer to those specific messages instead of loading the
// last N messages of the context.
type MemoryWritePayload struct {
	ContextID         string   `json:"context_id"`
	UserID            string   `json:"user_id"`
	ChannelID         string   `json:"channel_id,omitempty"`
	Mode              string   `json:"mode"` // "close" or "periodic"
	SegmentMessageIDs []string `json:"segment_message_ids,omitempty"`
}

// WakePayload is enqueued on Wake: a trigger fired, or a child run
// requested its parent be woken.
type WakePayload struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}
