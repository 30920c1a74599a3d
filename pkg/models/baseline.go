package models

import "time"

// FolderBaseline is the per-folder watermark for cloud polling.
type FolderBaseline struct {
	FolderID           string    `json:"folder_id"`
	LastSeenActivityAt time.Time `json:"last_seen_activity_at"`
	InitializedAt      time.Time `json:"initialized_at"`
}
