// Package queue is the durable retry queue for sync attempts. Failures for the
// same (entity type, entity id, direction) collapse into one row whose attempt
// counter grows; backoff decides when the row is due again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"boardsync/internal/models"
)

const (
	DefaultMaxAttempts = 5
	DefaultBatchSize   = 50
)

var (
	ErrNotFound         = errors.New("queue item not found")
	ErrActiveItemExists = errors.New("another active queue item exists for this entity and direction")
)

// Key identifies the logical sync target of a queue item.
type Key struct {
	EntityType models.EntityType
	EntityID   uint
	Direction  models.QueueDirection
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.EntityType, k.EntityID, k.Direction)
}

// KeyOf returns the key of an existing item.
func KeyOf(item *models.SyncQueueItem) Key {
	return Key{EntityType: item.EntityType, EntityID: item.EntityID, Direction: item.Direction}
}

// Option configures a Queue.
type Option func(*Queue)

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithBackoff(b Backoff) Option {
	return func(q *Queue) {
		if len(b) > 0 {
			q.backoff = b
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue persists sync queue items through gorm.
type Queue struct {
	db          *gorm.DB
	maxAttempts int
	backoff     Backoff
	now         func() time.Time
}

func New(db *gorm.DB, opts ...Option) *Queue {
	q := &Queue{
		db:          db,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) MaxAttempts() int { return q.maxAttempts }
func (q *Queue) Backoff() Backoff { return q.backoff }

func (q *Queue) clock() time.Time { return q.now().UTC() }

func (q *Queue) activeScope(tx *gorm.DB, k Key) *gorm.DB {
	return tx.Where("entity_type = ? AND entity_id = ? AND direction = ? AND status IN ?",
		k.EntityType, k.EntityID, k.Direction,
		[]models.QueueStatus{models.QueueStatusPending, models.QueueStatusInProgress})
}

func payloadJSON(payload json.RawMessage) datatypes.JSON {
	if len(payload) == 0 {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(payload)
}

// Enqueue records a failed attempt. An existing active item for the key gets
// its attempt counter bumped and is rescheduled; otherwise a new item starts
// at attempt 1. A nil payload leaves an existing item's payload untouched.
func (q *Queue) Enqueue(ctx context.Context, k Key, op models.QueueOperation, errMsg string, payload json.RawMessage) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	now := q.clock()

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := q.activeScope(tx, k).Order("id ASC").First(&item).Error
		switch {
		case err == nil:
			attempts, err := bumpAttempts(tx, item.ID)
			if err != nil {
				return err
			}
			item.Attempts = attempts
			item.Operation = mergeOperation(item.Operation, op)
			item.Status = models.QueueStatusPending
			item.LastAttemptAt = &now
			next := now.Add(q.backoff.Delay(item.Attempts))
			item.NextRetryAt = &next
			item.ErrorMessage = errMsg
			item.UpdatedAt = now
			cols := map[string]any{
				"operation":       item.Operation,
				"status":          item.Status,
				"last_attempt_at": item.LastAttemptAt,
				"next_retry_at":   item.NextRetryAt,
				"error_message":   item.ErrorMessage,
				"updated_at":      now,
			}
			if len(payload) > 0 {
				item.Payload = payloadJSON(payload)
				cols["payload"] = item.Payload
			}
			return tx.Model(&item).UpdateColumns(cols).Error

		case errors.Is(err, gorm.ErrRecordNotFound):
			next := now.Add(q.backoff.Delay(1))
			item = models.SyncQueueItem{
				EntityType:    k.EntityType,
				EntityID:      k.EntityID,
				Direction:     k.Direction,
				Operation:     op,
				Status:        models.QueueStatusPending,
				Attempts:      1,
				MaxAttempts:   q.maxAttempts,
				LastAttemptAt: &now,
				NextRetryAt:   &next,
				ErrorMessage:  errMsg,
				Payload:       payloadJSON(payload),
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			return tx.Create(&item).Error

		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", k, err)
	}

	log.Info().
		Str("entityType", string(k.EntityType)).
		Uint("entityId", k.EntityID).
		Str("direction", string(k.Direction)).
		Str("operation", string(item.Operation)).
		Int("attempts", item.Attempts).
		Time("nextRetryAt", *item.NextRetryAt).
		Msg("Sync attempt queued for retry")
	return &item, nil
}

// mergeOperation keeps CREATE sticky: an item that still has to create the
// remote entity must not be downgraded by a later update failure.
func mergeOperation(existing, incoming models.QueueOperation) models.QueueOperation {
	if existing == models.OperationCreate && incoming == models.OperationUpdate {
		return existing
	}
	return incoming
}

// Get loads one item by id.
func (q *Queue) Get(ctx context.Context, id uint) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	if err := q.db.WithContext(ctx).First(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load queue item %d: %w", id, err)
	}
	return &item, nil
}

// FindActive returns the non-terminal item for k, or nil when there is none.
func (q *Queue) FindActive(ctx context.Context, k Key) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	err := q.activeScope(q.db.WithContext(ctx), k).Order("id ASC").First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active item for %s: %w", k, err)
	}
	return &item, nil
}

// GetPendingItems returns due PENDING items, oldest due first.
func (q *Queue) GetPendingItems(ctx context.Context, limit int) ([]models.SyncQueueItem, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	var items []models.SyncQueueItem
	err := q.dueScope(q.db.WithContext(ctx)).Limit(limit).Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending items: %w", err)
	}
	return items, nil
}

func (q *Queue) dueScope(tx *gorm.DB) *gorm.DB {
	return tx.Where("status = ? AND next_retry_at <= ?", models.QueueStatusPending, q.clock()).
		Order("next_retry_at ASC, id ASC")
}

// ClaimPending selects due items and marks them IN_PROGRESS. On postgres the
// selection takes row locks with SKIP LOCKED so concurrent drains never claim
// the same item; elsewhere each claim is a conditional update that loses
// against a concurrent claimer.
func (q *Queue) ClaimPending(ctx context.Context, limit int) ([]models.SyncQueueItem, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	if q.db.Dialector.Name() == "postgres" {
		return q.claimLocked(ctx, limit)
	}

	due, err := q.GetPendingItems(ctx, limit)
	if err != nil {
		return nil, err
	}
	claimed := due[:0]
	for i := range due {
		ok, err := q.MarkInProgress(ctx, &due[i])
		if err != nil {
			return nil, err
		}
		if ok {
			claimed = append(claimed, due[i])
		}
	}
	return claimed, nil
}

func (q *Queue) claimLocked(ctx context.Context, limit int) ([]models.SyncQueueItem, error) {
	var items []models.SyncQueueItem
	now := q.clock()
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := q.dueScope(tx).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Limit(limit).
			Find(&items).Error
		if err != nil || len(items) == 0 {
			return err
		}
		ids := make([]uint, len(items))
		for i := range items {
			ids[i] = items[i].ID
			items[i].Status = models.QueueStatusInProgress
			items[i].LastAttemptAt = &now
			items[i].UpdatedAt = now
		}
		return tx.Model(&models.SyncQueueItem{}).Where("id IN ?", ids).UpdateColumns(map[string]any{
			"status":          models.QueueStatusInProgress,
			"last_attempt_at": now,
			"updated_at":      now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending items: %w", err)
	}
	return items, nil
}

// MarkInProgress moves a PENDING item to IN_PROGRESS. It reports false when
// the item was no longer pending.
func (q *Queue) MarkInProgress(ctx context.Context, item *models.SyncQueueItem) (bool, error) {
	now := q.clock()
	res := q.db.WithContext(ctx).Model(&models.SyncQueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.QueueStatusPending).
		UpdateColumns(map[string]any{
			"status":          models.QueueStatusInProgress,
			"last_attempt_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark item %d in progress: %w", item.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	item.Status = models.QueueStatusInProgress
	item.LastAttemptAt = &now
	item.UpdatedAt = now
	return true, nil
}

// MarkCompleted closes an item successfully. The row stays for audit.
func (q *Queue) MarkCompleted(ctx context.Context, item *models.SyncQueueItem) error {
	now := q.clock()
	item.Status = models.QueueStatusCompleted
	item.NextRetryAt = nil
	item.UpdatedAt = now
	return q.update(ctx, item, map[string]any{
		"status":        item.Status,
		"next_retry_at": nil,
		"updated_at":    now,
	})
}

// MarkFailedRetry records another failed attempt. It returns true when the
// item was rescheduled and false when attempts are exhausted and the item is
// now FAILED. The counter is incremented in the database, so a failure
// recorded concurrently through Enqueue is never overwritten.
func (q *Queue) MarkFailedRetry(ctx context.Context, item *models.SyncQueueItem, errMsg string) (bool, error) {
	now := q.clock()
	var retry bool

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempts, err := bumpAttempts(tx, item.ID)
		if err != nil {
			return err
		}
		item.Attempts = attempts
		item.LastAttemptAt = &now
		item.ErrorMessage = errMsg
		item.UpdatedAt = now

		maxAttempts := item.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = q.maxAttempts
		}
		retry = item.Attempts < maxAttempts
		if retry {
			next := now.Add(q.backoff.Delay(item.Attempts))
			item.Status = models.QueueStatusPending
			item.NextRetryAt = &next
		} else {
			item.Status = models.QueueStatusFailed
			item.NextRetryAt = nil
		}

		return tx.Model(&models.SyncQueueItem{}).Where("id = ?", item.ID).UpdateColumns(map[string]any{
			"status":          item.Status,
			"last_attempt_at": item.LastAttemptAt,
			"next_retry_at":   item.NextRetryAt,
			"error_message":   item.ErrorMessage,
			"updated_at":      now,
		}).Error
	})
	if errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("failed to update queue item %d: %w", item.ID, err)
	}
	if !retry {
		log.Warn().
			Uint("queueItemId", item.ID).
			Str("entityType", string(item.EntityType)).
			Uint("entityId", item.EntityID).
			Int("attempts", item.Attempts).
			Str("error", errMsg).
			Msg("Queue item exhausted its retries")
	}
	return retry, nil
}

// bumpAttempts increments an item's attempt counter in place and returns the
// stored value. The UPDATE takes the row lock on postgres, so the read that
// follows sees every earlier increment.
func bumpAttempts(tx *gorm.DB, id uint) (int, error) {
	res := tx.Model(&models.SyncQueueItem{}).Where("id = ?", id).
		UpdateColumn("attempts", gorm.Expr("attempts + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	var attempts int
	if err := tx.Model(&models.SyncQueueItem{}).Select("attempts").Where("id = ?", id).Row().Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, nil
}

// MarkFailed fails an item terminally without consuming an attempt. Used
// for items that can never succeed.
func (q *Queue) MarkFailed(ctx context.Context, item *models.SyncQueueItem, errMsg string) error {
	now := q.clock()
	item.Status = models.QueueStatusFailed
	item.NextRetryAt = nil
	item.ErrorMessage = errMsg
	item.UpdatedAt = now
	return q.update(ctx, item, map[string]any{
		"status":        item.Status,
		"next_retry_at": nil,
		"error_message": errMsg,
		"updated_at":    now,
	})
}

// ManualRetry makes an item due immediately. It returns nil, nil when the id
// does not exist.
func (q *Queue) ManualRetry(ctx context.Context, id uint, resetAttempts bool) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	now := q.clock()

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&item, id).Error; err != nil {
			return err
		}
		if item.Status.Terminal() {
			var others int64
			err := q.activeScope(tx.Model(&models.SyncQueueItem{}), KeyOf(&item)).
				Where("id <> ?", item.ID).Count(&others).Error
			if err != nil {
				return err
			}
			if others > 0 {
				return ErrActiveItemExists
			}
		}

		item.Status = models.QueueStatusPending
		item.NextRetryAt = &now
		item.ErrorMessage = ""
		item.UpdatedAt = now
		if resetAttempts {
			item.Attempts = 0
		}
		return tx.Model(&item).UpdateColumns(map[string]any{
			"status":        item.Status,
			"next_retry_at": item.NextRetryAt,
			"error_message": "",
			"attempts":      item.Attempts,
			"updated_at":    now,
		}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, ErrActiveItemExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to retry queue item %d: %w", id, err)
	}

	log.Info().Uint("queueItemId", id).Bool("resetAttempts", resetAttempts).Msg("Queue item scheduled for manual retry")
	return &item, nil
}

// CompleteActive marks the active item for k COMPLETED, if there is one.
func (q *Queue) CompleteActive(ctx context.Context, k Key) (int64, error) {
	now := q.clock()
	res := q.activeScope(q.db.WithContext(ctx).Model(&models.SyncQueueItem{}), k).
		UpdateColumns(map[string]any{
			"status":        models.QueueStatusCompleted,
			"next_retry_at": nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to complete active item for %s: %w", k, res.Error)
	}
	return res.RowsAffected, nil
}

// FailActive terminally fails the active item for k, if there is one.
func (q *Queue) FailActive(ctx context.Context, k Key, errMsg string) (int64, error) {
	now := q.clock()
	res := q.activeScope(q.db.WithContext(ctx).Model(&models.SyncQueueItem{}), k).
		UpdateColumns(map[string]any{
			"status":        models.QueueStatusFailed,
			"next_retry_at": nil,
			"error_message": errMsg,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to fail active item for %s: %w", k, res.Error)
	}
	return res.RowsAffected, nil
}

// RequeueStale returns IN_PROGRESS items whose last attempt started more
// than olderThan ago to PENDING, due immediately. Such items belong to a
// drain that died mid-batch.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.clock()
	res := q.db.WithContext(ctx).Model(&models.SyncQueueItem{}).
		Where("status = ? AND last_attempt_at < ?", models.QueueStatusInProgress, now.Add(-olderThan)).
		UpdateColumns(map[string]any{
			"status":        models.QueueStatusPending,
			"next_retry_at": now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to requeue stale items: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Warn().Int64("count", res.RowsAffected).Msg("Requeued stale in-progress items")
	}
	return res.RowsAffected, nil
}

func (q *Queue) update(ctx context.Context, item *models.SyncQueueItem, cols map[string]any) error {
	res := q.db.WithContext(ctx).Model(&models.SyncQueueItem{}).Where("id = ?", item.ID).UpdateColumns(cols)
	if res.Error != nil {
		return fmt.Errorf("failed to update queue item %d: %w", item.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
