package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncQueueItem is one retryable sync attempt. At most one non-terminal item
// exists per (EntityType, EntityID, Direction); the queue merges repeated
// failures into that row instead of inserting duplicates.
type SyncQueueItem struct {
	ID            uint           `gorm:"primaryKey" json:"id" db:"id"`
	EntityType    EntityType     `gorm:"index:idx_sync_queue_key;not null" json:"entity_type" db:"entity_type"`
	EntityID      uint           `gorm:"index:idx_sync_queue_key;not null" json:"entity_id" db:"entity_id"`
	Direction     QueueDirection `gorm:"index:idx_sync_queue_key;not null" json:"direction" db:"direction"`
	Operation     QueueOperation `gorm:"not null" json:"operation" db:"operation"`
	Status        QueueStatus    `gorm:"index:idx_sync_queue_due,priority:1;not null" json:"status" db:"status"`
	Attempts      int            `gorm:"not null" json:"attempts" db:"attempts"`
	MaxAttempts   int            `gorm:"not null" json:"max_attempts" db:"max_attempts"`
	LastAttemptAt *time.Time     `json:"last_attempt_at" db:"last_attempt_at"`
	NextRetryAt   *time.Time     `gorm:"index:idx_sync_queue_due,priority:2" json:"next_retry_at" db:"next_retry_at"`
	ErrorMessage  string         `gorm:"type:text" json:"error_message" db:"error_message"`
	Payload       datatypes.JSON `json:"payload,omitempty" db:"-"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

func (SyncQueueItem) TableName() string { return "sync_queue" }

// Active reports whether the item still awaits processing.
func (i *SyncQueueItem) Active() bool { return !i.Status.Terminal() }

// HasPayload reports whether the item carries a usable payload.
func (i *SyncQueueItem) HasPayload() bool {
	return len(i.Payload) > 0 && string(i.Payload) != "null"
}
