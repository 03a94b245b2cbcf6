package conflicts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/models"
	"boardsync/internal/testutil"
)

func TestCreateAndMerge(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(10, 5))
	s := NewStore(testutil.NewDB(t), clock.Now)
	ctx := context.Background()

	c, err := s.Create(ctx, models.EntityContact, 3, "900", Snapshot{Field: "notes", Local: "Local notes", Remote: "Remote notes"})
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, []string(c.ConflictFields))
	assert.True(t, c.DetectedAt.Equal(clock.Now()))

	open, err := s.FindOpen(ctx, models.EntityContact, 3)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, c.ID, open.ID)

	require.NoError(t, s.AddField(ctx, open, Snapshot{Field: "notes", Local: "ignored", Remote: "Newer remote"}))
	require.NoError(t, s.AddField(ctx, open, Snapshot{Field: "phone", Local: "+1", Remote: "+2"}))

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes", "phone"}, []string(got.ConflictFields))
	assert.Equal(t, "Local notes", got.LocalValue("notes"))
	assert.Equal(t, "Newer remote", got.RemoteValue("notes"))
	assert.Equal(t, "+2", got.RemoteValue("phone"))
	assert.False(t, got.Resolved())
}

func TestMarkResolvedOnce(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(10, 5))
	s := NewStore(testutil.NewDB(t), clock.Now)
	ctx := context.Background()

	c, err := s.Create(ctx, models.EntityOrganization, 1, "5", Snapshot{Field: "name", Local: "a", Remote: "b"})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, s.MarkResolved(ctx, c, models.ResolutionKeepRemote, "ops@x.io"))
	require.NotNil(t, c.ResolvedAt)
	assert.True(t, c.ResolvedAt.Equal(clock.Now()))

	stale := &models.SyncConflict{ID: c.ID}
	assert.Error(t, s.MarkResolved(ctx, stale, models.ResolutionKeepLocal, "other"))

	open, err := s.FindOpen(ctx, models.EntityOrganization, 1)
	require.NoError(t, err)
	assert.Nil(t, open)

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolutionType)
	assert.Equal(t, models.ResolutionKeepRemote, *got.ResolutionType)
	assert.Equal(t, "ops@x.io", got.ResolvedBy)

	_, err = s.Get(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	s := NewStore(testutil.NewDB(t), nil)
	ctx := context.Background()

	for i := uint(1); i <= 3; i++ {
		_, err := s.Create(ctx, models.EntityContact, i, "x", Snapshot{Field: "notes"})
		require.NoError(t, err)
	}
	org, err := s.Create(ctx, models.EntityOrganization, 1, "y", Snapshot{Field: "name"})
	require.NoError(t, err)
	require.NoError(t, s.MarkResolved(ctx, org, models.ResolutionKeepLocal, "me"))

	open, total, err := s.List(ctx, ListFilter{State: StateOpen, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, open, 2)

	resolved, total, err := s.List(ctx, ListFilter{State: StateResolved})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, resolved, 1)
	assert.Equal(t, org.ID, resolved[0].ID)

	contacts, total, err := s.List(ctx, ListFilter{EntityType: models.EntityContact, Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, contacts, 1)
}
