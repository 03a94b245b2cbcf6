package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/models"
	"boardsync/internal/testutil"
)

// conflicted sets up a contact whose notes and phone conflict with the board.
func conflicted(t *testing.T, e *env) (*models.Contact, uint) {
	t.Helper()
	ctx := context.Background()
	c := e.contact(t, "900", testutil.Date(10, 0), timePtr(testutil.Date(9, 0)))
	require.NoError(t, e.db.Model(c).UpdateColumn("phone", "+15550000").Error)

	res, err := e.inbound.ProcessUpdate(ctx, notesUpdate("900", "Remote notes"))
	require.NoError(t, err)
	require.Equal(t, ActionConflict, res.Action)

	phone := notesUpdate("900", "")
	phone.ColumnID = "phone"
	phone.NewValue = json.RawMessage(`{"phone":"+15559999"}`)
	_, err = e.inbound.ProcessUpdate(ctx, phone)
	require.NoError(t, err)
	return c, res.ConflictID
}

func TestResolveKeepRemote(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, id := conflicted(t, e)
	e.clock.Advance(time.Hour)

	resolved, err := e.resolver.Resolve(ctx, id, models.ResolutionKeepRemote, "ops@example.com", nil)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, "ops@example.com", resolved.ResolvedBy)

	got := e.reloadContact(t, c.ID)
	assert.Equal(t, "Remote notes", got.Notes)
	assert.Equal(t, "+15559999", got.Phone)
	assert.Equal(t, models.StatusSynced, got.SyncStatus)
	assert.True(t, got.LastSyncedAt.Equal(e.clock.Now()))
	assert.Zero(t, e.board.calls(), "keep_remote never pushes")

	// The record is in sync again, so the next inbound update applies.
	res, err := e.inbound.ProcessUpdate(ctx, notesUpdate("900", "Later"))
	require.NoError(t, err)
	assert.Equal(t, ActionApplied, res.Action)
}

func TestResolveKeepLocalPushes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, id := conflicted(t, e)

	_, err := e.resolver.Resolve(ctx, id, models.ResolutionKeepLocal, "ops", nil)
	require.NoError(t, err)

	require.Len(t, e.board.updates, 1)
	assert.Equal(t, "900", e.board.updates[0].ItemID)
	assert.Equal(t, "Old notes", e.board.updates[0].Values["text0"])

	got := e.reloadContact(t, c.ID)
	assert.Equal(t, "Old notes", got.Notes)
	assert.Equal(t, models.StatusSynced, got.SyncStatus)
	assert.True(t, got.LastSyncedAt.Equal(e.clock.Now()))
}

func TestResolveMergeRequiresEverySelection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, id := conflicted(t, e)

	_, err := e.resolver.Resolve(ctx, id, models.ResolutionMerge, "ops", map[string]string{"notes": SourceRemote})
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Contains(t, vErr.Error(), "phone")

	_, err = e.resolver.Resolve(ctx, id, models.ResolutionMerge, "ops", map[string]string{"notes": "both", "phone": SourceLocal})
	require.True(t, errors.As(err, &vErr))

	conflict, err := e.conflicts.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, conflict.Resolved())
	got := e.reloadContact(t, c.ID)
	assert.Equal(t, models.StatusConflict, got.SyncStatus)
	assert.Equal(t, "Old notes", got.Notes)
}

func TestResolveMerge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, id := conflicted(t, e)

	_, err := e.resolver.Resolve(ctx, id, models.ResolutionMerge, "ops", map[string]string{
		"notes": SourceRemote,
		"phone": SourceLocal,
	})
	require.NoError(t, err)

	got := e.reloadContact(t, c.ID)
	assert.Equal(t, "Remote notes", got.Notes)
	assert.Equal(t, "+15550000", got.Phone)
	assert.Equal(t, models.StatusSynced, got.SyncStatus)

	require.Len(t, e.board.updates, 1)
	assert.Equal(t, "Remote notes", e.board.updates[0].Values["text0"])
}

func TestResolveEdgeCases(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, id := conflicted(t, e)

	missing, err := e.resolver.Resolve(ctx, 4040, models.ResolutionKeepLocal, "ops", nil)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = e.resolver.Resolve(ctx, id, "overwrite", "ops", nil)
	var vErr *ValidationError
	assert.True(t, errors.As(err, &vErr))

	_, err = e.resolver.Resolve(ctx, id, models.ResolutionKeepRemote, "ops", nil)
	require.NoError(t, err)
	_, err = e.resolver.Resolve(ctx, id, models.ResolutionKeepRemote, "ops", nil)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolveWithDeletedRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, id := conflicted(t, e)
	require.NoError(t, e.db.Delete(&models.Contact{}, c.ID).Error)

	_, err := e.resolver.Resolve(ctx, id, models.ResolutionKeepRemote, "ops", nil)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
