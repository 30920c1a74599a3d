package models

import "time"

// Heartbeat is the periodic agent status push.
type Heartbeat struct {
	AgentID          string     `json:"agent_id"`
	AgentName        string     `json:"agent_name,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	QueueDepth       int        `json:"queue_depth"`
	OutboxDepth      int        `json:"outbox_depth"`
	OverflowCount    uint64     `json:"overflow_count"`
	OutboxDropped    uint64     `json:"outbox_dropped"`
	LastDeliveryAt   *time.Time `json:"last_delivery_at,omitempty"`
	PolicyVersion    string     `json:"policy_version,omitempty"`
	PolicySyncStatus string     `json:"policy_sync_status,omitempty"`
	Hostname         string     `json:"hostname,omitempty"`
	CPUPercent       float64    `json:"cpu_percent"`
	MemoryPercent    float64    `json:"memory_percent"`
}

// PollStatus is returned by the poll-now trigger.
type PollStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

const (
	PollQueued  = "queued"
	PollSkipped = "skipped"
)

// SubmitResult is the server acknowledgement for an event batch.
type SubmitResult struct {
	Accepted   []string `json:"accepted"`
	Duplicates []string `json:"duplicates"`
}

// Acknowledged returns every id the server has durably recorded.
func (r SubmitResult) Acknowledged() []string {
	out := make([]string, 0, len(r.Accepted)+len(r.Duplicates))
	out = append(out, r.Accepted...)
	out = append(out, r.Duplicates...)
	return out
}
