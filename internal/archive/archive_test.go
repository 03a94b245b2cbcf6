package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/conflicts"
	"boardsync/internal/models"
	"boardsync/internal/queue"
	"boardsync/internal/testutil"
)

type fakePutter struct {
	mu      sync.Mutex
	err     error
	objects map[string][]byte
	bucket  string
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.bucket = aws.ToString(in.Bucket)
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func lines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestExportWritesJSONLines(t *testing.T) {
	gdb := testutil.NewDB(t)
	clock := testutil.NewClock(testutil.Date(10, 0))
	ctx := context.Background()

	q := queue.New(gdb, queue.WithClock(clock.Now))
	for i := uint(1); i <= 3; i++ {
		_, err := q.Enqueue(ctx, queue.Key{EntityType: models.EntityContact, EntityID: i, Direction: models.QueueToRemote}, models.OperationUpdate, "timeout", nil)
		require.NoError(t, err)
	}
	_, err := conflicts.NewStore(gdb, clock.Now).Create(ctx, models.EntityContact, 1, "900",
		conflicts.Snapshot{Field: "notes", Local: "a", Remote: "b"})
	require.NoError(t, err)

	put := &fakePutter{}
	exp := NewExporter(gdb, put, Config{Bucket: "audit", Prefix: "/boardsync/"}, clock.Now)
	exp.batchSize = 2

	objs, err := exp.Export(ctx)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, 3, objs[0].Rows)
	assert.Equal(t, 1, objs[1].Rows)
	assert.Equal(t, "audit", put.bucket)

	for _, o := range objs {
		assert.True(t, strings.HasPrefix(o.Key, "boardsync/2025/03/14/"+o.Kind+"-"), o.Key)
		assert.True(t, strings.HasSuffix(o.Key, ".jsonl"))
	}

	rows := lines(t, put.objects[objs[0].Key])
	require.Len(t, rows, 3)
	assert.Equal(t, float64(1), rows[0]["entity_id"])
	assert.Equal(t, float64(3), rows[2]["entity_id"])

	var count int64
	require.NoError(t, gdb.Model(&models.SyncQueueItem{}).Count(&count).Error)
	assert.Equal(t, int64(3), count, "archiving never deletes rows")
}

func TestExportSkipsEmptyTables(t *testing.T) {
	put := &fakePutter{}
	objs, err := NewExporter(testutil.NewDB(t), put, Config{Bucket: "audit"}, nil).Export(context.Background())
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Empty(t, objs[0].Key)
	assert.Empty(t, put.objects)
}

func TestExportUploadFailure(t *testing.T) {
	gdb := testutil.NewDB(t)
	ctx := context.Background()
	_, err := queue.New(gdb).Enqueue(ctx, queue.Key{EntityType: models.EntityContact, EntityID: 1, Direction: models.QueueToRemote}, models.OperationUpdate, "x", nil)
	require.NoError(t, err)

	_, err = NewExporter(gdb, &fakePutter{err: errors.New("access denied")}, Config{Bucket: "audit"}, nil).Export(ctx)
	assert.ErrorContains(t, err, "access denied")
}

func TestNewS3ClientRequiresConfig(t *testing.T) {
	_, err := NewS3Client(Config{})
	assert.Error(t, err)
	_, err = NewS3Client(Config{Bucket: "b"})
	assert.Error(t, err)

	c, err := NewS3Client(Config{Bucket: "my.bucket", AccessKey: "a", SecretKey: "s", Endpoint: "http://localhost:9000"})
	require.NoError(t, err)
	assert.NotNil(t, c)
}
