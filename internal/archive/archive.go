// Package archive exports audit snapshots of the sync queue and the conflict
// log to S3 as JSON lines. Rows are only read, never deleted.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"boardsync/internal/models"
)

const (
	KindQueue     = "sync_queue"
	KindConflicts = "sync_conflicts"

	defaultBatchSize = 500
)

type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	Prefix    string
}

// Enabled reports whether enough is configured to talk to a bucket.
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

// Putter is the part of the S3 client the exporter uses.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds a client with static credentials. A custom endpoint
// allows S3-compatible stores such as MinIO.
func NewS3Client(cfg Config) (*s3.Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("S3 bucket is not configured")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("S3 credentials not configured, set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg := aws.Config{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	// Virtual-hosted URLs break TLS for bucket names with dots.
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", region).
		Str("endpoint", cfg.Endpoint).
		Bool("pathStyle", pathStyle).
		Msg("S3 client initialized")
	return client, nil
}

// Object describes one uploaded snapshot.
type Object struct {
	Kind string `json:"kind"`
	Key  string `json:"key,omitempty"`
	Rows int    `json:"rows"`
}

type Exporter struct {
	db        *gorm.DB
	s3        Putter
	bucket    string
	prefix    string
	now       func() time.Time
	batchSize int
}

func NewExporter(db *gorm.DB, client Putter, cfg Config, now func() time.Time) *Exporter {
	if now == nil {
		now = time.Now
	}
	return &Exporter{
		db:        db,
		s3:        client,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		now:       now,
		batchSize: defaultBatchSize,
	}
}

// objectKey is <prefix>/<yyyy>/<mm>/<dd>/<kind>-<uuid>.jsonl.
func (e *Exporter) objectKey(kind string) string {
	day := e.now().UTC().Format("2006/01/02")
	return path.Join(e.prefix, day, fmt.Sprintf("%s-%s.jsonl", kind, uuid.NewString()))
}

// Export uploads one snapshot of the queue and one of the conflict log.
// Empty tables produce no object.
func (e *Exporter) Export(ctx context.Context) ([]Object, error) {
	q, err := exportTable[models.SyncQueueItem](ctx, e, KindQueue)
	if err != nil {
		return nil, err
	}
	c, err := exportTable[models.SyncConflict](ctx, e, KindConflicts)
	if err != nil {
		return []Object{q}, err
	}
	return []Object{q, c}, nil
}

// exportTable streams a table in primary key order through FindInBatches into a JSON
// lines buffer and uploads it.
func exportTable[T any](ctx context.Context, e *Exporter, kind string) (Object, error) {
	obj := Object{Kind: kind}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	var rows []T
	res := e.db.WithContext(ctx).FindInBatches(&rows, e.batchSize, func(_ *gorm.DB, _ int) error {
		for i := range rows {
			if err := enc.Encode(&rows[i]); err != nil {
				return err
			}
			obj.Rows++
		}
		return nil
	})
	if res.Error != nil {
		return obj, fmt.Errorf("failed to read %s: %w", kind, res.Error)
	}
	if obj.Rows == 0 {
		log.Info().Str("kind", kind).Msg("Nothing to archive")
		return obj, nil
	}

	key := e.objectKey(kind)
	_, err := e.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		log.Error().Err(err).Str("bucket", e.bucket).Str("key", key).Int("rows", obj.Rows).Msg("Failed to upload archive")
		return obj, fmt.Errorf("failed to upload %s archive: %w", kind, err)
	}
	obj.Key = key

	log.Info().Str("bucket", e.bucket).Str("key", key).Int("rows", obj.Rows).Int("size", buf.Len()).Msg("Archive uploaded")
	return obj, nil
}
