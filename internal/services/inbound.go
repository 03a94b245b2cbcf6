package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"boardsync/internal/columns"
	"boardsync/internal/conflicts"
	"boardsync/internal/models"
	"boardsync/internal/notify"
	"boardsync/internal/queue"
	"boardsync/internal/records"
)

// Action is what the inbound processor did with an event.
type Action string

const (
	ActionCreated  Action = "created"
	ActionApplied  Action = "applied"
	ActionConflict Action = "conflict"
	ActionSkipped  Action = "skipped"
	ActionUnlinked Action = "unlinked"
	ActionQueued   Action = "queued"
)

// Skip reasons.
const (
	ReasonAlreadyExists      = "already_exists"
	ReasonUnmappedEntity     = "unmapped_entity_type"
	ReasonRecordNotFound     = "record_not_found"
	ReasonSyncDisabled       = "sync_disabled"
	ReasonUnmappedColumn     = "unmapped_column"
	reasonDirectionPrefix    = "sync_direction:"
	reasonMissingFieldPrefix = "missing_required_field:"
)

// Result describes the outcome of one inbound event.
type Result struct {
	Action     Action            `json:"action"`
	Reason     string            `json:"reason,omitempty"`
	EntityType models.EntityType `json:"entity_type,omitempty"`
	EntityID   uint              `json:"entity_id,omitempty"`
	ConflictID uint              `json:"conflict_id,omitempty"`
}

func skipped(reason string) *Result {
	return &Result{Action: ActionSkipped, Reason: reason}
}

// InboundUpdate is one column change delivered by the board. It is also the
// payload of TO_LOCAL queue items.
type InboundUpdate struct {
	BoardID        string            `json:"board_id"`
	ExternalItemID string            `json:"external_item_id"`
	ColumnID       string            `json:"column_id"`
	NewValue       json.RawMessage   `json:"new_value,omitempty"`
	PreviousValue  json.RawMessage   `json:"previous_value,omitempty"`
	EntityType     models.EntityType `json:"entity_type"`
}

// InboundWebhookProcessor applies board events to local records. Every entry
// point is safe to replay. Nothing here calls the outbound worker, so an
// applied change is never echoed back to the board.
type InboundWebhookProcessor struct {
	deps Deps
}

func NewInboundWebhookProcessor(deps Deps) *InboundWebhookProcessor {
	return &InboundWebhookProcessor{deps: deps.withDefaults()}
}

func (p *InboundWebhookProcessor) logSkip(l zerolog.Logger, r *Result) *Result {
	l.Info().Str("action", string(r.Action)).Str("reason", r.Reason).Msg("Inbound event skipped")
	return r
}

// ProcessCreate links a new board item to a new local record.
func (p *InboundWebhookProcessor) ProcessCreate(ctx context.Context, boardID, externalItemID, itemName string, t models.EntityType) (*Result, error) {
	l := log.With().Str("event", "create").Str("boardId", boardID).Str("externalId", externalItemID).Str("entityType", string(t)).Logger()

	if _, ok := p.deps.Mappings.ForEntity(t); !ok {
		return p.logSkip(l, skipped(ReasonUnmappedEntity)), nil
	}

	store := p.deps.records()
	existing, err := store.FindByExternalID(ctx, t, externalItemID)
	switch {
	case err == nil:
		r := skipped(ReasonAlreadyExists)
		r.EntityType, r.EntityID = t, existing.PrimaryKey()
		return p.logSkip(l, r), nil
	case errors.Is(err, records.ErrUnknownEntityType):
		return p.logSkip(l, skipped(ReasonUnmappedEntity)), nil
	case !errors.Is(err, records.ErrNotFound):
		return nil, err
	}

	v, err := models.New(t)
	if err != nil {
		return p.logSkip(l, skipped(ReasonUnmappedEntity)), nil
	}
	rec := v.(records.Syncable)
	rec.SetField("name", itemName)

	for _, f := range models.RequiredFields(t) {
		if val, _ := rec.Field(f); val == "" {
			return p.logSkip(l, skipped(reasonMissingFieldPrefix+f)), nil
		}
	}

	now := p.deps.clock()
	ext := externalItemID
	*rec.State() = models.SyncState{
		ExternalID:    &ext,
		SyncEnabled:   true,
		SyncDirection: models.DirectionBidirectional,
		SyncStatus:    models.StatusSynced,
		LastSyncedAt:  &now,
	}
	setTimestamps(rec, now)

	if err := store.Create(ctx, rec); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return p.logSkip(l, skipped(ReasonAlreadyExists)), nil
		}
		return nil, err
	}

	l.Info().Uint("entityId", rec.PrimaryKey()).Msg("Created local record from board item")
	return &Result{Action: ActionCreated, EntityType: t, EntityID: rec.PrimaryKey()}, nil
}

func setTimestamps(rec records.Syncable, now time.Time) {
	switch r := rec.(type) {
	case *models.Contact:
		r.CreatedAt, r.UpdatedAt = now, now
	case *models.Organization:
		r.CreatedAt, r.UpdatedAt = now, now
	}
}

// ProcessUpdate applies one column change, or records a conflict when the
// local record changed since its last sync.
func (p *InboundWebhookProcessor) ProcessUpdate(ctx context.Context, u InboundUpdate) (*Result, error) {
	return p.processUpdate(ctx, u, false)
}

func (p *InboundWebhookProcessor) processUpdate(ctx context.Context, u InboundUpdate, replay bool) (*Result, error) {
	l := log.With().
		Str("event", "update").
		Str("boardId", u.BoardID).
		Str("externalId", u.ExternalItemID).
		Str("entityType", string(u.EntityType)).
		Str("columnId", u.ColumnID).
		Bool("replay", replay).
		Logger()

	store := p.deps.records()
	rec, err := store.FindByExternalID(ctx, u.EntityType, u.ExternalItemID)
	switch {
	case errors.Is(err, records.ErrNotFound):
		return p.logSkip(l, skipped(ReasonRecordNotFound)), nil
	case errors.Is(err, records.ErrUnknownEntityType):
		return p.logSkip(l, skipped(ReasonUnmappedEntity)), nil
	case err != nil:
		return nil, err
	}
	l = l.With().Uint("entityId", rec.PrimaryKey()).Logger()

	st := rec.State()
	if !st.SyncEnabled {
		return p.logSkip(l, skipped(ReasonSyncDisabled)), nil
	}
	if !st.SyncDirection.AllowsInbound() {
		return p.logSkip(l, skipped(reasonDirectionPrefix+string(st.SyncDirection))), nil
	}

	mapping, ok := p.deps.Mappings.ForEntity(u.EntityType)
	if !ok {
		return p.logSkip(l, skipped(ReasonUnmappedEntity)), nil
	}
	col, ok := mapping.Column(u.ColumnID)
	if !ok {
		return p.logSkip(l, skipped(ReasonUnmappedColumn)), nil
	}

	remote := columns.ParseJSON(col.Kind, u.NewValue)

	if st.SyncStatus == models.StatusConflict || st.ModifiedSince(rec.LastModified()) {
		return p.recordConflict(ctx, l, rec, col, remote)
	}

	rec.SetField(col.Field, remote)
	now := p.deps.clock()
	st.SyncStatus = models.StatusSynced
	st.LastSyncedAt = &now

	if err := store.SaveFieldsAndState(ctx, rec, col.Field); err != nil {
		if replay {
			return nil, err
		}
		payload, mErr := json.Marshal(u)
		if mErr != nil {
			return nil, fmt.Errorf("failed to encode inbound update: %w", mErr)
		}
		key := queue.Key{EntityType: u.EntityType, EntityID: rec.PrimaryKey(), Direction: models.QueueToLocal}
		if _, qErr := p.deps.Queue.Enqueue(ctx, key, models.OperationUpdate, err.Error(), payload); qErr != nil {
			return nil, fmt.Errorf("apply failed (%v) and could not be queued: %w", err, qErr)
		}
		l.Warn().Err(err).Msg("Inbound update could not be applied, queued for replay")
		return &Result{Action: ActionQueued, EntityType: u.EntityType, EntityID: rec.PrimaryKey()}, nil
	}

	l.Info().Str("field", col.Field).Msg("Applied inbound update")
	return &Result{Action: ActionApplied, EntityType: u.EntityType, EntityID: rec.PrimaryKey()}, nil
}

func (p *InboundWebhookProcessor) recordConflict(ctx context.Context, l zerolog.Logger, rec records.Syncable, col columns.Column, remote string) (*Result, error) {
	local, _ := rec.Field(col.Field)
	snap := conflicts.Snapshot{Field: col.Field, Local: local, Remote: remote}

	var c *models.SyncConflict
	created := false
	err := p.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cs := p.deps.Conflicts.WithDB(tx)
		open, err := cs.FindOpen(ctx, rec.EntityType(), rec.PrimaryKey())
		if err != nil {
			return err
		}
		if open != nil {
			c = open
			if err := cs.AddField(ctx, c, snap); err != nil {
				return err
			}
		} else {
			c, err = cs.Create(ctx, rec.EntityType(), rec.PrimaryKey(), externalID(rec), snap)
			if err != nil {
				return err
			}
			created = true
		}
		return records.NewStore(tx).UpdateSyncStatus(ctx, rec, models.StatusConflict)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record conflict: %w", err)
	}

	l.Warn().Uint("conflictId", c.ID).Str("field", col.Field).Bool("newConflict", created).Msg("Inbound update conflicts with unsynced local change")
	if created {
		p.deps.Notifier.Notify(ctx, notify.Event{
			Type:       notify.EventConflictDetected,
			OccurredAt: p.deps.clock(),
			EntityType: rec.EntityType(),
			EntityID:   rec.PrimaryKey(),
			ExternalID: externalID(rec),
			ConflictID: c.ID,
			Fields:     []string(c.ConflictFields),
		})
	}
	return &Result{Action: ActionConflict, EntityType: rec.EntityType(), EntityID: rec.PrimaryKey(), ConflictID: c.ID}, nil
}

// ProcessDelete unlinks the local record from a deleted board item. The
// record itself is kept.
func (p *InboundWebhookProcessor) ProcessDelete(ctx context.Context, boardID, externalItemID string, t models.EntityType) (*Result, error) {
	l := log.With().Str("event", "delete").Str("boardId", boardID).Str("externalId", externalItemID).Str("entityType", string(t)).Logger()

	store := p.deps.records()
	rec, err := store.FindByExternalID(ctx, t, externalItemID)
	switch {
	case errors.Is(err, records.ErrNotFound), errors.Is(err, records.ErrUnknownEntityType):
		return p.logSkip(l, skipped(ReasonRecordNotFound)), nil
	case err != nil:
		return nil, err
	}

	st := rec.State()
	st.ExternalID = nil
	st.SyncEnabled = false
	st.SyncStatus = models.StatusDisabled
	if err := store.SaveSyncState(ctx, rec); err != nil {
		return nil, err
	}

	key := queue.Key{EntityType: t, EntityID: rec.PrimaryKey(), Direction: models.QueueToRemote}
	if n, err := p.deps.Queue.FailActive(ctx, key, "remote item deleted"); err != nil {
		l.Error().Err(err).Msg("Failed to close pending pushes for unlinked record")
	} else if n > 0 {
		l.Info().Int64("closed", n).Msg("Closed pending pushes for unlinked record")
	}

	l.Info().Uint("entityId", rec.PrimaryKey()).Msg("Unlinked local record from deleted board item")
	return &Result{Action: ActionUnlinked, EntityType: t, EntityID: rec.PrimaryKey()}, nil
}

// Replay processes a claimed TO_LOCAL queue item from its payload.
func (p *InboundWebhookProcessor) Replay(ctx context.Context, item *models.SyncQueueItem) error {
	if !item.HasPayload() {
		return p.fail(ctx, item, "queue item has no payload")
	}
	var u InboundUpdate
	if err := json.Unmarshal(item.Payload, &u); err != nil {
		return p.fail(ctx, item, "invalid payload: "+err.Error())
	}

	res, err := p.processUpdate(ctx, u, true)
	if err != nil {
		retry, qErr := p.deps.Queue.MarkFailedRetry(ctx, item, err.Error())
		if qErr != nil {
			return fmt.Errorf("failed to reschedule queue item %d: %w", item.ID, qErr)
		}
		if !retry {
			notifyItemFailed(ctx, p.deps, item)
		}
		return nil
	}

	log.Info().Uint("queueItemId", item.ID).Str("action", string(res.Action)).Str("reason", res.Reason).Msg("Replayed inbound update")
	return p.deps.Queue.MarkCompleted(ctx, item)
}

func (p *InboundWebhookProcessor) fail(ctx context.Context, item *models.SyncQueueItem, reason string) error {
	log.Warn().Uint("queueItemId", item.ID).Str("reason", reason).Msg("Queue item cannot be processed")
	if err := p.deps.Queue.MarkFailed(ctx, item, reason); err != nil {
		return err
	}
	notifyItemFailed(ctx, p.deps, item)
	return nil
}
