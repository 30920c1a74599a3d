package models

import (
	"strconv"
	"time"
)

// Source identifies the medium an activity was observed on.
type Source string

const (
	SourceFile      Source = "file"
	SourceClipboard Source = "clipboard"
	SourceUSB       Source = "usb"
	SourceCloud     Source = "cloud"
	// SourceSystem marks events the pipeline raises about itself
	// (queue overflow, enforcement failure, retention drops).
	SourceSystem Source = "system"
)

// Subtype is the kind of action observed.
type Subtype string

const (
	SubtypeCreate     Subtype = "create"
	SubtypeModify     Subtype = "modify"
	SubtypeDelete     Subtype = "delete"
	SubtypeMove       Subtype = "move"
	SubtypeCopy       Subtype = "copy"
	SubtypeDownload   Subtype = "download"
	SubtypeConnect    Subtype = "connect"
	SubtypeDisconnect Subtype = "disconnect"

	SubtypeQueueOverflow      Subtype = "queue_overflow"
	SubtypeEnforcementFailure Subtype = "enforcement_failure"
	SubtypeRetentionDrop      Subtype = "retention_drop"
)

// Well-known metadata keys.
const (
	MetaFolderID        = "folder_id"
	MetaItemID          = "item_id"
	MetaItemName        = "item_name"
	MetaMimeType        = "mime_type"
	MetaMountPoint      = "mount_point"
	MetaDeviceID        = "device_id"
	MetaDeviceName      = "device_name"
	MetaVendorID        = "vendor_id"
	MetaProductID       = "product_id"
	MetaSerial          = "serial"
	MetaFailedEventID   = "failed_event_id"
	MetaAttemptedAction = "attempted_action"
	MetaDroppedCount    = "dropped_count"
	MetaRawAction       = "raw_action"
)

// ActivityEvent is one observed action. It is never mutated after creation.
type ActivityEvent struct {
	ID         string            `json:"event_id"`
	Source     Source            `json:"source"`
	Subtype    Subtype           `json:"subtype"`
	OccurredAt time.Time         `json:"occurred_at"`
	Actor      string            `json:"actor,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	PayloadRef string            `json:"payload_ref,omitempty"`
	Size       int64             `json:"size"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// ContentSample carries inline content (clipboard text). It never leaves the agent.
	ContentSample []byte `json:"-"`
}

// Meta returns a metadata value or "".
func (e *ActivityEvent) Meta(key string) string {
	if e == nil || e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// Fields flattens the event into a field map used by rule conditions.
func (e *ActivityEvent) Fields() map[string]interface{} {
	buf := make(map[string]interface{}, len(e.Metadata)+8)
	for k, v := range e.Metadata {
		buf[k] = v
	}
	buf["event_id"] = e.ID
	buf["source"] = string(e.Source)
	buf["subtype"] = string(e.Subtype)
	buf["payload_ref"] = e.PayloadRef
	buf["size"] = strconv.FormatInt(e.Size, 10)
	if e.Actor != "" {
		buf["actor"] = e.Actor
	}
	if e.AgentID != "" {
		buf["agent_id"] = e.AgentID
	}
	return buf
}
