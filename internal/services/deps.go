// Package services holds the sync engine: outbound pushes, inbound webhook
// application and conflict resolution.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"boardsync/internal/adapters/board"
	"boardsync/internal/columns"
	"boardsync/internal/conflicts"
	"boardsync/internal/notify"
	"boardsync/internal/queue"
	"boardsync/internal/records"
)

var (
	ErrAlreadyResolved = errors.New("conflict already resolved")
	ErrRecordNotFound  = errors.New("conflicted record no longer exists")
)

// ValidationError is bad caller input. Nothing has been written when it is
// returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// BoardAPI is the part of the board client the engine calls.
type BoardAPI interface {
	CreateItem(ctx context.Context, boardID, itemName string, columnValues map[string]any) (*board.Item, error)
	UpdateItem(ctx context.Context, boardID, itemID string, columnValues map[string]any) (*board.Item, error)
}

// Deps are the collaborators shared by the services. DB, Queue and Mappings
// are required.
type Deps struct {
	DB          *gorm.DB
	Queue       *queue.Queue
	Conflicts   *conflicts.Store
	Board       BoardAPI
	Mappings    *columns.Registry
	Notifier    notify.Notifier
	Now         func() time.Time
	CallTimeout time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Notifier == nil {
		d.Notifier = notify.Noop{}
	}
	if d.Conflicts == nil {
		d.Conflicts = conflicts.NewStore(d.DB, d.Now)
	}
	if d.CallTimeout <= 0 {
		d.CallTimeout = 20 * time.Second
	}
	return d
}

func (d Deps) clock() time.Time { return d.Now().UTC() }

func (d Deps) records() *records.Store { return records.NewStore(d.DB) }

func externalID(rec records.Syncable) string {
	if id := rec.State().ExternalID; id != nil {
		return *id
	}
	return ""
}
