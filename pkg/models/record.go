package models

import "time"

// ActionResult is the outcome of carrying out an action.
type ActionResult string

const (
	ActionResultSuccess ActionResult = "success"
	ActionResultFailed  ActionResult = "failed"
	ActionResultSkipped ActionResult = "skipped"
)

// VolumeQuarantineDir is the quarantine folder created at the root of a
// removable volume. Collectors never report activity beneath it.
const VolumeQuarantineDir = ".dlp-quarantine"

// QuarantineRecord describes one quarantine. Never mutated after creation.
type QuarantineRecord struct {
	OriginalPath    string    `json:"original_path"`
	DestinationPath string    `json:"destination_path,omitempty"`
	QuarantinedAt   time.Time `json:"quarantined_at"`
	EventID         string    `json:"event_id"`
	MetadataOnly    bool      `json:"metadata_only"`
}

// EnforcementResult is what the executor reports back.
type EnforcementResult struct {
	Action      Action            `json:"action"`
	Result      ActionResult      `json:"action_result"`
	Blocked     bool              `json:"blocked"`
	Error       string            `json:"error,omitempty"`
	Quarantine  *QuarantineRecord `json:"quarantine,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// EventRecord is the durable tuple delivered to the server and on to reporting.
type EventRecord struct {
	Event               ActivityEvent     `json:"event"`
	Findings            []Finding         `json:"findings"`
	Match               PolicyMatch       `json:"match"`
	Enforcement         EnforcementResult `json:"enforcement"`
	ContentType         string            `json:"content_type,omitempty"`
	ClassificationError string            `json:"classification_error,omitempty"`
	PolicyVersion       string            `json:"policy_version,omitempty"`
	RecordedAt          time.Time         `json:"recorded_at"`
}

// EventID returns the idempotency key of the record.
func (r *EventRecord) EventID() string {
	return r.Event.ID
}

// EventBatch is the body of an event submission.
type EventBatch struct {
	AgentID string        `json:"agent_id"`
	Records []EventRecord `json:"records"`
}
