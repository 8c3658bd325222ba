package domain

import "time"

// PersistedRecord is the durable registry row written when a task
// completes. Keyed identically to the task identity; the registry entry is
// the single source of truth for "is this done".
type PersistedRecord struct {
	ParentID    string    `json:"parent_id"`
	ContentID   string    `json:"content_id"`
	Title       string    `json:"title"`
	TotalUnits  int       `json:"total_units"`
	CompletedAt time.Time `json:"completed_at"`
}

// ResumeCheckpoint marks the last contiguously completed unit of a
// resumable multi-unit download. CompletedUnitIndex counts units: a value
// of k means ordinals [0,k) are merged and must not be refetched.
type ResumeCheckpoint struct {
	ParentID           string `json:"parent_id"`
	CompletedUnitIndex int    `json:"completed_unit_index"`
	TotalUnits         int    `json:"total_units"`
}
