package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncConflict records a field-level disagreement between a local record and
// its board item. Rows are never deleted; ResolvedAt marks them terminal.
type SyncConflict struct {
	ID             uint                        `gorm:"primaryKey" json:"id"`
	EntityType     EntityType                  `gorm:"index:idx_sync_conflict_entity;not null" json:"entity_type"`
	EntityID       uint                        `gorm:"index:idx_sync_conflict_entity;not null" json:"entity_id"`
	ExternalItemID string                      `gorm:"index" json:"external_item_id"`
	LocalData      datatypes.JSONMap           `json:"local_data"`
	RemoteData     datatypes.JSONMap           `json:"remote_data"`
	ConflictFields datatypes.JSONSlice[string] `json:"conflict_fields"`
	DetectedAt     time.Time                   `gorm:"not null" json:"detected_at"`
	ResolvedAt     *time.Time                  `gorm:"index" json:"resolved_at"`
	ResolutionType *ResolutionType             `json:"resolution_type"`
	ResolvedBy     string                      `json:"resolved_by"`
}

// Resolved reports whether an operator has settled the conflict.
func (c *SyncConflict) Resolved() bool { return c.ResolvedAt != nil }

// RemoteValue returns the snapshotted remote value for a field.
func (c *SyncConflict) RemoteValue(field string) string {
	return snapshotValue(c.RemoteData, field)
}

// LocalValue returns the snapshotted local value for a field.
func (c *SyncConflict) LocalValue(field string) string {
	return snapshotValue(c.LocalData, field)
}

func snapshotValue(m datatypes.JSONMap, field string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[field].(string); ok {
		return s
	}
	return ""
}

// AllModels lists every table the sync engine migrates.
func AllModels() []any {
	return []any{&Contact{}, &Organization{}, &SyncQueueItem{}, &SyncConflict{}}
}
