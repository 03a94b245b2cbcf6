// Package conflicts persists sync conflicts. Conflicts are never deleted;
// resolution only stamps them.
package conflicts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"boardsync/internal/models"
)

var ErrNotFound = errors.New("conflict not found")

// State filters conflicts by resolution.
type State string

const (
	StateAll      State = ""
	StateOpen     State = "open"
	StateResolved State = "resolved"
)

// ListFilter narrows a conflict listing.
type ListFilter struct {
	State      State
	EntityType models.EntityType
	Page       int
	PageSize   int
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: db, now: now}
}

// WithDB returns a store bound to tx.
func (s *Store) WithDB(tx *gorm.DB) *Store {
	return &Store{db: tx, now: s.now}
}

// Snapshot is one field's value on each side at detection time.
type Snapshot struct {
	Field  string
	Local  string
	Remote string
}

// Create stores a new open conflict covering the given fields.
func (s *Store) Create(ctx context.Context, t models.EntityType, entityID uint, externalItemID string, snaps ...Snapshot) (*models.SyncConflict, error) {
	c := &models.SyncConflict{
		EntityType:     t,
		EntityID:       entityID,
		ExternalItemID: externalItemID,
		LocalData:      datatypes.JSONMap{},
		RemoteData:     datatypes.JSONMap{},
		ConflictFields: datatypes.JSONSlice[string]{},
		DetectedAt:     s.now().UTC(),
	}
	for _, sn := range snaps {
		addSnapshot(c, sn)
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("failed to create conflict for %s %d: %w", t, entityID, err)
	}
	return c, nil
}

func addSnapshot(c *models.SyncConflict, sn Snapshot) {
	if c.LocalData == nil {
		c.LocalData = datatypes.JSONMap{}
	}
	if c.RemoteData == nil {
		c.RemoteData = datatypes.JSONMap{}
	}
	found := false
	for _, f := range c.ConflictFields {
		if f == sn.Field {
			found = true
			break
		}
	}
	if !found {
		c.ConflictFields = append(c.ConflictFields, sn.Field)
		c.LocalData[sn.Field] = sn.Local
	}
	// The local snapshot keeps the value seen when the field first
	// conflicted; the remote side always reflects the latest delivery.
	c.RemoteData[sn.Field] = sn.Remote
}

// AddField merges another conflicting field into an open conflict.
func (s *Store) AddField(ctx context.Context, c *models.SyncConflict, sn Snapshot) error {
	if c.Resolved() {
		return fmt.Errorf("conflict %d is already resolved", c.ID)
	}
	addSnapshot(c, sn)
	err := s.db.WithContext(ctx).Model(c).UpdateColumns(map[string]any{
		"local_data":      c.LocalData,
		"remote_data":     c.RemoteData,
		"conflict_fields": c.ConflictFields,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update conflict %d: %w", c.ID, err)
	}
	return nil
}

// Get loads one conflict.
func (s *Store) Get(ctx context.Context, id uint) (*models.SyncConflict, error) {
	var c models.SyncConflict
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load conflict %d: %w", id, err)
	}
	return &c, nil
}

// FindOpen returns the unresolved conflict of a record, or nil.
func (s *Store) FindOpen(ctx context.Context, t models.EntityType, entityID uint) (*models.SyncConflict, error) {
	var c models.SyncConflict
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND resolved_at IS NULL", t, entityID).
		Order("id DESC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open conflict for %s %d: %w", t, entityID, err)
	}
	return &c, nil
}

// MarkResolved stamps a conflict as resolved. It fails if another caller
// resolved it first.
func (s *Store) MarkResolved(ctx context.Context, c *models.SyncConflict, rt models.ResolutionType, by string) error {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.SyncConflict{}).
		Where("id = ? AND resolved_at IS NULL", c.ID).
		UpdateColumns(map[string]any{
			"resolved_at":     now,
			"resolution_type": rt,
			"resolved_by":     by,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to resolve conflict %d: %w", c.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("conflict %d was resolved concurrently", c.ID)
	}
	c.ResolvedAt = &now
	c.ResolutionType = &rt
	c.ResolvedBy = by
	return nil
}

// List returns a page of conflicts, newest first, and the total count.
func (s *Store) List(ctx context.Context, f ListFilter) ([]models.SyncConflict, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 200 {
		f.PageSize = 20
	}

	filter := func(tx *gorm.DB) *gorm.DB {
		switch f.State {
		case StateOpen:
			tx = tx.Where("resolved_at IS NULL")
		case StateResolved:
			tx = tx.Where("resolved_at IS NOT NULL")
		}
		if f.EntityType != "" {
			tx = tx.Where("entity_type = ?", f.EntityType)
		}
		return tx
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.SyncConflict{}).Scopes(filter).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	var out []models.SyncConflict
	err := s.db.WithContext(ctx).Scopes(filter).
		Order("id DESC").Limit(f.PageSize).Offset((f.Page - 1) * f.PageSize).
		Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return out, total, nil
}
