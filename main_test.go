package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/db"
	"boardsync/internal/models"
	"boardsync/internal/queue"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedQueue(t *testing.T, dsn string) uint {
	t.Helper()
	gdb, err := db.Open(dsn)
	require.NoError(t, err)
	defer db.Close(gdb)
	require.NoError(t, db.Migrate(gdb))

	ctx := context.Background()
	q := queue.New(gdb)
	item, err := q.Enqueue(ctx, queue.Key{EntityType: models.EntityContact, EntityID: 1, Direction: models.QueueToRemote}, models.OperationUpdate, "timeout", nil)
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, item, "gave up"))
	return item.ID
}

func TestQueueCommands(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("DATABASE_URL", dsn)
	t.Setenv("LOG_LEVEL", "error")
	id := seedQueue(t, dsn)

	out, err := run(t, "queue", "stats")
	require.NoError(t, err)
	var stats queue.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Failed)

	out, err = run(t, "queue", "list", "--status", "failed")
	require.NoError(t, err)
	var page queue.Page
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, id, page.Items[0].ID)

	out, err = run(t, "queue", "retry", "--reset-attempts", "1")
	require.NoError(t, err)
	var item models.SyncQueueItem
	require.NoError(t, json.Unmarshal([]byte(out), &item))
	assert.Equal(t, models.QueueStatusPending, item.Status)

	_, err = run(t, "queue", "retry", "999")
	assert.Error(t, err)
	_, err = run(t, "queue", "retry", "abc")
	assert.Error(t, err)
}

func TestEngineCommandsRequireBoardToken(t *testing.T) {
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("BOARD_API_TOKEN", "")

	_, err := run(t, "drain")
	assert.ErrorContains(t, err, "BOARD_API_TOKEN")

	t.Setenv("WEBHOOK_SIGNING_SECRET", "")
	_, err = run(t, "serve")
	assert.ErrorContains(t, err, "WEBHOOK_SIGNING_SECRET")
}

func TestArchiveRequiresBucket(t *testing.T) {
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("S3_BUCKET", "")

	_, err := run(t, "archive")
	assert.Error(t, err)
}
