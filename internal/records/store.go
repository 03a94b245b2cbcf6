// Package records loads and persists syncable records on behalf of the sync
// engine. Writes here touch only the columns they name and never bump
// updated_at, which belongs to the CRUD layer.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"boardsync/internal/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrUnknownEntityType = errors.New("unknown entity type")
)

// Syncable is the capability set shared by every synchronized record.
type Syncable interface {
	EntityType() models.EntityType
	PrimaryKey() uint
	DisplayName() string
	State() *models.SyncState
	LastModified() time.Time
	Field(name string) (string, bool)
	SetField(name, value string) bool
}

// Store is a thin repository over the record tables.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithDB returns a store bound to tx, typically an open transaction.
func (s *Store) WithDB(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

func newRecord(t models.EntityType) (Syncable, error) {
	v, err := models.New(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, t)
	}
	return v.(Syncable), nil
}

// Get loads a record by primary key.
func (s *Store) Get(ctx context.Context, t models.EntityType, id uint) (Syncable, error) {
	rec, err := newRecord(t)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).First(rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load %s %d: %w", t, id, err)
	}
	return rec, nil
}

// FindByExternalID loads the record linked to a board item.
func (s *Store) FindByExternalID(ctx context.Context, t models.EntityType, externalID string) (Syncable, error) {
	rec, err := newRecord(t)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Where("external_id = ?", externalID).First(rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find %s by external id %s: %w", t, externalID, err)
	}
	return rec, nil
}

// Create inserts a new record. Timestamps already set on rec are kept.
func (s *Store) Create(ctx context.Context, rec Syncable) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create %s: %w", rec.EntityType(), err)
	}
	return nil
}

func syncColumns(st *models.SyncState) map[string]any {
	return map[string]any{
		"external_id":    st.ExternalID,
		"sync_enabled":   st.SyncEnabled,
		"sync_direction": st.SyncDirection,
		"sync_status":    st.SyncStatus,
		"last_synced_at": st.LastSyncedAt,
	}
}

// SaveSyncState persists every sync-owned column of rec.
func (s *Store) SaveSyncState(ctx context.Context, rec Syncable) error {
	return s.updateColumns(ctx, rec, syncColumns(rec.State()))
}

// UpdateSyncStatus sets only sync_status, in memory and in the database.
func (s *Store) UpdateSyncStatus(ctx context.Context, rec Syncable, status models.SyncStatus) error {
	rec.State().SyncStatus = status
	return s.updateColumns(ctx, rec, map[string]any{"sync_status": status})
}

// SaveFieldsAndState persists the named data fields together with the sync
// state. Field names double as column names.
func (s *Store) SaveFieldsAndState(ctx context.Context, rec Syncable, fields ...string) error {
	cols := syncColumns(rec.State())
	for _, f := range fields {
		v, ok := rec.Field(f)
		if !ok {
			return fmt.Errorf("%s has no field %q", rec.EntityType(), f)
		}
		cols[f] = v
	}
	return s.updateColumns(ctx, rec, cols)
}

func (s *Store) updateColumns(ctx context.Context, rec Syncable, cols map[string]any) error {
	res := s.db.WithContext(ctx).Model(rec).UpdateColumns(cols)
	if res.Error != nil {
		return fmt.Errorf("failed to update %s %d: %w", rec.EntityType(), rec.PrimaryKey(), res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
