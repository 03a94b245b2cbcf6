package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/hlog"

	"boardsync/internal/columns"
	"boardsync/internal/models"
	"boardsync/internal/services"
)

const (
	EventCreateItem   = "create_pulse"
	EventUpdateColumn = "update_column_value"
	EventDeleteItem   = "delete_pulse"

	DefaultDedupWindow = 10 * time.Minute
	DefaultMaxBody     = 1 << 20
)

const (
	reasonDuplicateDelivery = "duplicate_delivery"
	reasonUnknownBoard      = "unknown_board"
	reasonUnsupportedEvent  = "unsupported_event"
)

// InboundProcessor applies board events. services.InboundWebhookProcessor
// implements it.
type InboundProcessor interface {
	ProcessCreate(ctx context.Context, boardID, externalItemID, itemName string, t models.EntityType) (*services.Result, error)
	ProcessUpdate(ctx context.Context, u services.InboundUpdate) (*services.Result, error)
	ProcessDelete(ctx context.Context, boardID, externalItemID string, t models.EntityType) (*services.Result, error)
}

// flexID is a board id that arrives either as a JSON number or a string.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type webhookEvent struct {
	Type          string          `json:"type"`
	BoardID       flexID          `json:"boardId"`
	PulseID       flexID          `json:"pulseId"`
	ItemID        flexID          `json:"itemId"`
	PulseName     string          `json:"pulseName"`
	ColumnID      string          `json:"columnId"`
	Value         json.RawMessage `json:"value"`
	PreviousValue json.RawMessage `json:"previousValue"`
	TriggerUUID   string          `json:"triggerUuid"`
}

func (e *webhookEvent) externalItemID() string {
	if e.PulseID != "" {
		return string(e.PulseID)
	}
	return string(e.ItemID)
}

type webhookPayload struct {
	Challenge string        `json:"challenge"`
	Event     *webhookEvent `json:"event"`
}

// WebhookHandler is the board webhook receiver.
type WebhookHandler struct {
	processor InboundProcessor
	mappings  *columns.Registry
	verifier  Verifier
	seen      *cache.Cache
	maxBody   int64
}

func NewWebhookHandler(processor InboundProcessor, mappings *columns.Registry, verifier Verifier, dedupWindow time.Duration) *WebhookHandler {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &WebhookHandler{
		processor: processor,
		mappings:  mappings,
		verifier:  verifier,
		seen:      cache.New(dedupWindow, 2*dedupWindow),
		maxBody:   DefaultMaxBody,
	}
}

func deliveryKey(ev *webhookEvent, body []byte) string {
	if ev.TriggerUUID != "" {
		return "trigger:" + ev.TriggerUUID
	}
	sum := sha256.Sum256(body)
	return "body:" + hex.EncodeToString(sum[:])
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := hlog.FromRequest(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		l.Warn().Err(err).Msg("Invalid webhook payload")
		respondError(w, r, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	// Registration handshake.
	if payload.Challenge != "" {
		respondJSON(w, r, http.StatusOK, map[string]string{"challenge": payload.Challenge})
		return
	}

	if err := h.verifier.Verify(r, body); err != nil {
		l.Warn().Err(err).Msg("Webhook signature rejected")
		respondError(w, r, http.StatusUnauthorized, "invalid signature")
		return
	}

	ev := payload.Event
	if ev == nil || ev.Type == "" {
		respondError(w, r, http.StatusBadRequest, "missing event")
		return
	}

	evLog := l.With().
		Str("eventType", ev.Type).
		Str("boardId", string(ev.BoardID)).
		Str("externalItemId", ev.externalItemID()).
		Logger()

	key := deliveryKey(ev, body)
	if err := h.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		evLog.Info().Str("deliveryKey", key).Msg("Duplicate webhook delivery acknowledged")
		respondJSON(w, r, http.StatusOK, &services.Result{Action: services.ActionSkipped, Reason: reasonDuplicateDelivery})
		return
	}

	mapping, ok := h.mappings.ForBoard(string(ev.BoardID))
	if !ok {
		evLog.Info().Msg("Webhook for unmapped board skipped")
		respondJSON(w, r, http.StatusOK, &services.Result{Action: services.ActionSkipped, Reason: reasonUnknownBoard})
		return
	}

	res, err := h.dispatch(r.Context(), ev, mapping.EntityType)
	if err != nil {
		// Forget the delivery so the board's redelivery is processed.
		h.seen.Delete(key)
		evLog.Error().Err(err).Msg("Webhook processing failed")
		respondError(w, r, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	evLog.Debug().Str("action", string(res.Action)).Str("reason", res.Reason).Msg("Webhook processed")
	respondJSON(w, r, http.StatusOK, res)
}

func (h *WebhookHandler) dispatch(ctx context.Context, ev *webhookEvent, t models.EntityType) (*services.Result, error) {
	boardID := string(ev.BoardID)
	switch ev.Type {
	case EventCreateItem:
		return h.processor.ProcessCreate(ctx, boardID, ev.externalItemID(), ev.PulseName, t)
	case EventUpdateColumn:
		return h.processor.ProcessUpdate(ctx, services.InboundUpdate{
			BoardID:        boardID,
			ExternalItemID: ev.externalItemID(),
			ColumnID:       ev.ColumnID,
			NewValue:       ev.Value,
			PreviousValue:  ev.PreviousValue,
			EntityType:     t,
		})
	case EventDeleteItem:
		return h.processor.ProcessDelete(ctx, boardID, ev.externalItemID(), t)
	default:
		return &services.Result{Action: services.ActionSkipped, Reason: reasonUnsupportedEvent}, nil
	}
}
