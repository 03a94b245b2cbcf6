package models

import (
	"fmt"
	"time"
)

// SyncState holds the columns owned by the sync engine. It is embedded in
// every syncable record; the CRUD layer never writes these columns.
type SyncState struct {
	ExternalID    *string       `gorm:"uniqueIndex;comment:Board item id, null until the first successful create" json:"external_id"`
	SyncEnabled   bool          `gorm:"not null" json:"sync_enabled"`
	SyncDirection SyncDirection `gorm:"not null;default:bidirectional" json:"sync_direction"`
	SyncStatus    SyncStatus    `gorm:"index;not null;default:pending" json:"sync_status"`
	LastSyncedAt  *time.Time    `json:"last_synced_at"`
}

// ModifiedSince reports whether the record changed locally after the last
// successful sync. A record that was never synced counts as modified.
func (s *SyncState) ModifiedSince(updatedAt time.Time) bool {
	if s.LastSyncedAt == nil {
		return true
	}
	return updatedAt.After(*s.LastSyncedAt)
}

// Contact is a person record synchronized with the contact board.
type Contact struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	Name           string `json:"name"`
	Email          string `gorm:"index" json:"email"`
	Phone          string `json:"phone"`
	Title          string `json:"title"`
	Notes          string `gorm:"type:text" json:"notes"`
	OrganizationID *uint  `gorm:"index" json:"organization_id"`
	SyncState      `gorm:"embedded"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Organization is a company record synchronized with the organization board.
type Organization struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"index" json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Website   string `json:"website"`
	Notes     string `gorm:"type:text" json:"notes"`
	SyncState `gorm:"embedded"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	contactFields      = []string{"name", "email", "phone", "title", "notes"}
	organizationFields = []string{"name", "email", "phone", "website", "notes"}
)

// Fields lists the mutable field names of an entity type. Field names double
// as column names.
func Fields(t EntityType) []string {
	switch t {
	case EntityContact:
		return contactFields
	case EntityOrganization:
		return organizationFields
	}
	return nil
}

// RequiredFields lists the fields a record must carry before it can be
// created locally.
func RequiredFields(t EntityType) []string {
	switch t {
	case EntityContact:
		return []string{"email"}
	case EntityOrganization:
		return []string{"name"}
	}
	return nil
}

// New returns an empty record of the given entity type.
func New(t EntityType) (any, error) {
	switch t {
	case EntityContact:
		return &Contact{}, nil
	case EntityOrganization:
		return &Organization{}, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", t)
}

func (c *Contact) EntityType() EntityType  { return EntityContact }
func (c *Contact) PrimaryKey() uint        { return c.ID }
func (c *Contact) State() *SyncState       { return &c.SyncState }
func (c *Contact) LastModified() time.Time { return c.UpdatedAt }

func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Email
}

func (c *Contact) Field(name string) (string, bool) {
	switch name {
	case "name":
		return c.Name, true
	case "email":
		return c.Email, true
	case "phone":
		return c.Phone, true
	case "title":
		return c.Title, true
	case "notes":
		return c.Notes, true
	}
	return "", false
}

func (c *Contact) SetField(name, value string) bool {
	switch name {
	case "name":
		c.Name = value
	case "email":
		c.Email = value
	case "phone":
		c.Phone = value
	case "title":
		c.Title = value
	case "notes":
		c.Notes = value
	default:
		return false
	}
	return true
}

func (o *Organization) EntityType() EntityType  { return EntityOrganization }
func (o *Organization) PrimaryKey() uint        { return o.ID }
func (o *Organization) State() *SyncState       { return &o.SyncState }
func (o *Organization) LastModified() time.Time { return o.UpdatedAt }
func (o *Organization) DisplayName() string     { return o.Name }

func (o *Organization) Field(name string) (string, bool) {
	switch name {
	case "name":
		return o.Name, true
	case "email":
		return o.Email, true
	case "phone":
		return o.Phone, true
	case "website":
		return o.Website, true
	case "notes":
		return o.Notes, true
	}
	return "", false
}

func (o *Organization) SetField(name, value string) bool {
	switch name {
	case "name":
		o.Name = value
	case "email":
		o.Email = value
	case "phone":
		o.Phone = value
	case "website":
		o.Website = value
	case "notes":
		o.Notes = value
	default:
		return false
	}
	return true
}
