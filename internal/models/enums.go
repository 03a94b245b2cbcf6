package models

// EntityType identifies a kind of syncable record.
type EntityType string

const (
	EntityContact      EntityType = "contact"
	EntityOrganization EntityType = "organization"
)

// SyncDirection says which side propagates changes for a record.
type SyncDirection string

const (
	DirectionBidirectional SyncDirection = "bidirectional"
	DirectionLocalToRemote SyncDirection = "local_to_remote"
	DirectionRemoteToLocal SyncDirection = "remote_to_local"
	DirectionNone          SyncDirection = "none"
)

// AllowsOutbound reports whether local changes should be pushed to the board.
func (d SyncDirection) AllowsOutbound() bool {
	return d == DirectionBidirectional || d == DirectionLocalToRemote
}

// AllowsInbound reports whether board changes may be applied locally.
func (d SyncDirection) AllowsInbound() bool {
	return d == DirectionBidirectional || d == DirectionRemoteToLocal
}

// SyncStatus is maintained by the sync engine only.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
	StatusDisabled SyncStatus = "disabled"
)

// QueueDirection is the direction of a queued sync attempt.
type QueueDirection string

const (
	QueueToRemote QueueDirection = "to_remote"
	QueueToLocal  QueueDirection = "to_local"
)

// QueueOperation is the operation a queued item performs.
type QueueOperation string

const (
	OperationCreate QueueOperation = "create"
	OperationUpdate QueueOperation = "update"
	OperationDelete QueueOperation = "delete"
)

// QueueStatus tracks a queue item through its lifecycle.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// Terminal reports whether no further processing happens for the status.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

// ResolutionType is how an operator settled a conflict.
type ResolutionType string

const (
	ResolutionKeepLocal  ResolutionType = "keep_local"
	ResolutionKeepRemote ResolutionType = "keep_remote"
	ResolutionMerge      ResolutionType = "merge"
)

// Valid reports whether r is one of the known resolution types.
func (r ResolutionType) Valid() bool {
	switch r {
	case ResolutionKeepLocal, ResolutionKeepRemote, ResolutionMerge:
		return true
	}
	return false
}
