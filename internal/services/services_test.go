package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"boardsync/internal/adapters/board"
	"boardsync/internal/columns"
	"boardsync/internal/conflicts"
	"boardsync/internal/models"
	"boardsync/internal/notify"
	"boardsync/internal/queue"
	"boardsync/internal/testutil"
)

type boardCall struct {
	BoardID string
	ItemID  string
	Name    string
	Values  map[string]any
}

type fakeBoard struct {
	mu        sync.Mutex
	createErr error
	updateErr error
	creates   []boardCall
	updates   []boardCall
	nextID    int
}

func (f *fakeBoard) CreateItem(_ context.Context, boardID, itemName string, values map[string]any) (*board.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("item-%d", f.nextID)
	f.creates = append(f.creates, boardCall{BoardID: boardID, ItemID: id, Name: itemName, Values: values})
	return &board.Item{ID: id}, nil
}

func (f *fakeBoard) UpdateItem(_ context.Context, boardID, itemID string, values map[string]any) (*board.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, boardCall{BoardID: boardID, ItemID: itemID, Values: values})
	return &board.Item{ID: itemID}, nil
}

func (f *fakeBoard) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates) + len(f.updates)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

var timeoutErr = &board.APIError{Op: "change_multiple_column_values", Err: context.DeadlineExceeded}

type env struct {
	db        *gorm.DB
	clock     *testutil.Clock
	queue     *queue.Queue
	conflicts *conflicts.Store
	board     *fakeBoard
	notifier  *recordingNotifier
	outbound  *OutboundSyncWorker
	inbound   *InboundWebhookProcessor
	resolver  *ConflictResolutionService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb := testutil.NewDB(t)
	clock := testutil.NewClock(testutil.Date(10, 5))

	contact, err := columns.NewMapping(models.EntityContact, "100", []columns.Column{
		{ID: "email", Field: "email", Kind: columns.Email},
		{ID: "phone", Field: "phone", Kind: columns.Phone, Country: "US"},
		{ID: "text0", Field: "notes", Kind: columns.Text},
	})
	require.NoError(t, err)
	org, err := columns.NewMapping(models.EntityOrganization, "200", []columns.Column{
		{ID: "text1", Field: "website", Kind: columns.Text},
	})
	require.NoError(t, err)
	reg, err := columns.NewRegistry(contact, org)
	require.NoError(t, err)

	e := &env{
		db:       gdb,
		clock:    clock,
		queue:    queue.New(gdb, queue.WithClock(clock.Now)),
		board:    &fakeBoard{},
		notifier: &recordingNotifier{},
	}
	e.conflicts = conflicts.NewStore(gdb, clock.Now)
	deps := Deps{
		DB:          gdb,
		Queue:       e.queue,
		Conflicts:   e.conflicts,
		Board:       e.board,
		Mappings:    reg,
		Notifier:    e.notifier,
		Now:         clock.Now,
		CallTimeout: time.Second,
	}
	e.outbound = NewOutboundSyncWorker(deps)
	e.inbound = NewInboundWebhookProcessor(deps)
	e.resolver = NewConflictResolutionService(deps, e.outbound)
	return e
}

// contact inserts a linked, bidirectional contact with explicit timestamps.
func (e *env) contact(t *testing.T, ext string, updatedAt time.Time, lastSynced *time.Time) *models.Contact {
	t.Helper()
	c := &models.Contact{
		Name:      "Ada Lovelace",
		Email:     "ada@example.com",
		Notes:     "Old notes",
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
		SyncState: models.SyncState{
			SyncEnabled:   true,
			SyncDirection: models.DirectionBidirectional,
			SyncStatus:    models.StatusSynced,
			LastSyncedAt:  lastSynced,
		},
	}
	if ext != "" {
		c.ExternalID = &ext
	}
	require.NoError(t, e.db.Create(c).Error)
	return c
}

func (e *env) reloadContact(t *testing.T, id uint) *models.Contact {
	t.Helper()
	var c models.Contact
	require.NoError(t, e.db.First(&c, id).Error)
	return &c
}

func (e *env) queueItems(t *testing.T) []models.SyncQueueItem {
	t.Helper()
	var items []models.SyncQueueItem
	require.NoError(t, e.db.Order("id").Find(&items).Error)
	return items
}

func timePtr(t time.Time) *time.Time { return &t }
