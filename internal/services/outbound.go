package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"boardsync/internal/adapters/board"
	"boardsync/internal/models"
	"boardsync/internal/notify"
	"boardsync/internal/queue"
	"boardsync/internal/records"
)

var errUnmapped = errors.New("entity type has no board mapping")

// persistError means the board call succeeded but saving the outcome
// locally did not.
type persistError struct{ err error }

func (e *persistError) Error() string { return "failed to persist sync state: " + e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// OutboundSyncWorker pushes local records to the board. Board failures are
// absorbed into the retry queue and never reach the caller.
type OutboundSyncWorker struct {
	deps Deps
}

func NewOutboundSyncWorker(deps Deps) *OutboundSyncWorker {
	return &OutboundSyncWorker{deps: deps.withDefaults()}
}

func toRemoteKey(rec records.Syncable) queue.Key {
	return queue.Key{EntityType: rec.EntityType(), EntityID: rec.PrimaryKey(), Direction: models.QueueToRemote}
}

// SyncRecord pushes rec to the board if its sync settings allow it.
func (w *OutboundSyncWorker) SyncRecord(ctx context.Context, rec records.Syncable) {
	st := rec.State()
	logger := log.With().
		Str("entityType", string(rec.EntityType())).
		Uint("entityId", rec.PrimaryKey()).
		Logger()

	if !st.SyncEnabled || !st.SyncDirection.AllowsOutbound() {
		logger.Debug().Bool("syncEnabled", st.SyncEnabled).Str("syncDirection", string(st.SyncDirection)).Msg("Outbound sync not applicable")
		return
	}

	op := models.OperationUpdate
	if st.ExternalID == nil {
		op = models.OperationCreate
	}

	err := w.push(ctx, rec)
	if err == nil {
		if _, err := w.deps.Queue.CompleteActive(ctx, toRemoteKey(rec)); err != nil {
			logger.Error().Err(err).Msg("Failed to close pending retry after successful push")
		}
		return
	}

	var pErr *persistError
	switch {
	case errors.Is(err, errUnmapped):
		logger.Warn().Msg("Entity type has no board mapping, nothing pushed")
		return
	case errors.As(err, &pErr):
		logger.Error().Err(err).Str("externalId", externalID(rec)).Msg("Board accepted the push but local state was not saved")
		return
	}

	evt := logger.Warn().Err(err).Str("operation", string(op))
	var apiErr *board.APIError
	if errors.As(err, &apiErr) {
		evt = evt.Bool("retryable", apiErr.Retryable()).Int("statusCode", apiErr.StatusCode)
	}
	evt.Msg("Outbound push failed, queueing for retry")

	if _, qErr := w.deps.Queue.Enqueue(ctx, toRemoteKey(rec), op, err.Error(), nil); qErr != nil {
		logger.Error().Err(qErr).Msg("Failed to enqueue outbound retry")
		return
	}
	if sErr := w.deps.records().UpdateSyncStatus(ctx, rec, models.StatusPending); sErr != nil {
		logger.Error().Err(sErr).Msg("Failed to mark record pending")
	}
}

// PushNow loads a record, pushes it and returns its state afterwards.
func (w *OutboundSyncWorker) PushNow(ctx context.Context, t models.EntityType, id uint) (records.Syncable, error) {
	store := w.deps.records()
	rec, err := store.Get(ctx, t, id)
	if err != nil {
		return nil, err
	}
	w.SyncRecord(ctx, rec)
	return store.Get(ctx, t, id)
}

// push creates or updates the board item for rec and records success.
func (w *OutboundSyncWorker) push(ctx context.Context, rec records.Syncable) error {
	mapping, ok := w.deps.Mappings.ForEntity(rec.EntityType())
	if !ok {
		return errUnmapped
	}
	st := rec.State()
	values := mapping.ColumnValues(rec, st.ExternalID != nil)

	callCtx, cancel := context.WithTimeout(ctx, w.deps.CallTimeout)
	defer cancel()

	if st.ExternalID == nil {
		item, err := w.deps.Board.CreateItem(callCtx, mapping.BoardID, rec.DisplayName(), values)
		if err != nil {
			return err
		}
		id := item.ID
		st.ExternalID = &id
	} else {
		if _, err := w.deps.Board.UpdateItem(callCtx, mapping.BoardID, *st.ExternalID, values); err != nil {
			return err
		}
	}

	now := w.deps.clock()
	st.SyncStatus = models.StatusSynced
	st.LastSyncedAt = &now

	err := w.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return records.NewStore(tx).SaveSyncState(ctx, rec)
	})
	if err != nil {
		return &persistError{err: err}
	}

	log.Info().
		Str("entityType", string(rec.EntityType())).
		Uint("entityId", rec.PrimaryKey()).
		Str("externalId", *st.ExternalID).
		Msg("Record pushed to board")
	return nil
}

// RetryOne processes a claimed TO_REMOTE queue item against a freshly loaded
// record. It only returns errors from the queue's own storage.
func (w *OutboundSyncWorker) RetryOne(ctx context.Context, item *models.SyncQueueItem) error {
	logger := log.With().
		Uint("queueItemId", item.ID).
		Str("entityType", string(item.EntityType)).
		Uint("entityId", item.EntityID).
		Int("attempts", item.Attempts).
		Logger()

	if item.Operation == models.OperationDelete {
		return w.fail(ctx, item, "delete operations are not retried")
	}

	rec, err := w.deps.records().Get(ctx, item.EntityType, item.EntityID)
	switch {
	case errors.Is(err, records.ErrNotFound), errors.Is(err, records.ErrUnknownEntityType):
		return w.fail(ctx, item, "record no longer exists")
	case err != nil:
		return w.retryLater(ctx, item, err)
	}

	st := rec.State()
	if !st.SyncEnabled || !st.SyncDirection.AllowsOutbound() {
		logger.Info().Msg("Sync turned off since the item was queued, closing it")
		return w.deps.Queue.MarkCompleted(ctx, item)
	}

	err = w.push(ctx, rec)
	if err == nil {
		logger.Info().Msg("Queued push succeeded")
		return w.deps.Queue.MarkCompleted(ctx, item)
	}
	if errors.Is(err, errUnmapped) {
		return w.fail(ctx, item, err.Error())
	}
	return w.retryLater(ctx, item, err)
}

func (w *OutboundSyncWorker) retryLater(ctx context.Context, item *models.SyncQueueItem, cause error) error {
	retry, err := w.deps.Queue.MarkFailedRetry(ctx, item, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to reschedule queue item %d: %w", item.ID, err)
	}
	if !retry {
		notifyItemFailed(ctx, w.deps, item)
	}
	return nil
}

func (w *OutboundSyncWorker) fail(ctx context.Context, item *models.SyncQueueItem, reason string) error {
	log.Warn().Uint("queueItemId", item.ID).Str("reason", reason).Msg("Queue item cannot be processed")
	if err := w.deps.Queue.MarkFailed(ctx, item, reason); err != nil {
		return err
	}
	notifyItemFailed(ctx, w.deps, item)
	return nil
}

func notifyItemFailed(ctx context.Context, d Deps, item *models.SyncQueueItem) {
	d.Notifier.Notify(ctx, notify.Event{
		Type:        notify.EventQueueItemFailed,
		OccurredAt:  d.clock(),
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		QueueItemID: item.ID,
		Attempts:    item.Attempts,
		Error:       item.ErrorMessage,
	})
}
