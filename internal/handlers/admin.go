package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"boardsync/internal/conflicts"
	"boardsync/internal/models"
	"boardsync/internal/queue"
	"boardsync/internal/records"
	"boardsync/internal/services"
)

// AdminHandler serves the operator view of the queue and of open conflicts.
type AdminHandler struct {
	queue     *queue.Queue
	report    *queue.Report
	conflicts *conflicts.Store
	resolver  *services.ConflictResolutionService
	outbound  *services.OutboundSyncWorker
}

func NewAdminHandler(q *queue.Queue, report *queue.Report, cs *conflicts.Store, resolver *services.ConflictResolutionService, outbound *services.OutboundSyncWorker) *AdminHandler {
	return &AdminHandler{
		queue:     q,
		report:    report,
		conflicts: cs,
		resolver:  resolver,
		outbound:  outbound,
	}
}

func idVar(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// ListQueue handles GET /admin/queue.
func (h *AdminHandler) ListQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := queue.Filter{
			EntityType: models.EntityType(q.Get("entity_type")),
			Direction:  models.QueueDirection(q.Get("direction")),
			Status:     models.QueueStatus(q.Get("status")),
		}
		page, err := h.report.List(r.Context(), f, intParam(r, "page", 1), intParam(r, "page_size", 0))
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Failed to list queue items")
			respondError(w, r, http.StatusInternalServerError, "failed to list queue items")
			return
		}
		respondJSON(w, r, http.StatusOK, page)
	}
}

// QueueStats handles GET /admin/queue/stats.
func (h *AdminHandler) QueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := h.report.Stats(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Failed to compute queue stats")
			respondError(w, r, http.StatusInternalServerError, "failed to compute queue stats")
			return
		}
		respondJSON(w, r, http.StatusOK, stats)
	}
}

// RetryQueueItem handles POST /admin/queue/{id}/retry.
func (h *AdminHandler) RetryQueueItem() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idVar(r)
		if !ok {
			respondError(w, r, http.StatusBadRequest, "invalid queue item id")
			return
		}
		item, err := h.queue.ManualRetry(r.Context(), id, boolParam(r, "reset_attempts"))
		switch {
		case errors.Is(err, queue.ErrActiveItemExists):
			respondError(w, r, http.StatusConflict, err.Error())
			return
		case err != nil:
			hlog.FromRequest(r).Error().Err(err).Uint("queueItemId", id).Msg("Manual retry failed")
			respondError(w, r, http.StatusInternalServerError, "manual retry failed")
			return
		case item == nil:
			respondError(w, r, http.StatusNotFound, "queue item not found")
			return
		}
		respondJSON(w, r, http.StatusOK, item)
	}
}

type conflictPage struct {
	Items    []models.SyncConflict `json:"items"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

// ListConflicts handles GET /admin/conflicts.
func (h *AdminHandler) ListConflicts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		state := conflicts.State(q.Get("state"))
		switch state {
		case conflicts.StateAll, conflicts.StateOpen, conflicts.StateResolved:
		default:
			respondError(w, r, http.StatusBadRequest, "state must be open or resolved")
			return
		}
		f := conflicts.ListFilter{
			State:      state,
			EntityType: models.EntityType(q.Get("entity_type")),
			Page:       intParam(r, "page", 1),
			PageSize:   min(intParam(r, "page_size", 20), 200),
		}
		items, total, err := h.conflicts.List(r.Context(), f)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Failed to list conflicts")
			respondError(w, r, http.StatusInternalServerError, "failed to list conflicts")
			return
		}
		respondJSON(w, r, http.StatusOK, conflictPage{Items: items, Total: total, Page: f.Page, PageSize: f.PageSize})
	}
}

// GetConflict handles GET /admin/conflicts/{id}.
func (h *AdminHandler) GetConflict() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idVar(r)
		if !ok {
			respondError(w, r, http.StatusBadRequest, "invalid conflict id")
			return
		}
		c, err := h.conflicts.Get(r.Context(), id)
		if errors.Is(err, conflicts.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "conflict not found")
			return
		}
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Uint("conflictId", id).Msg("Failed to load conflict")
			respondError(w, r, http.StatusInternalServerError, "failed to load conflict")
			return
		}
		respondJSON(w, r, http.StatusOK, c)
	}
}

type resolveRequest struct {
	ResolutionType  models.ResolutionType `json:"resolution_type"`
	ResolvedBy      string                `json:"resolved_by"`
	MergeSelections map[string]string     `json:"merge_selections"`
}

// ResolveConflict handles POST /admin/conflicts/{id}/resolve.
func (h *AdminHandler) ResolveConflict() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idVar(r)
		if !ok {
			respondError(w, r, http.StatusBadRequest, "invalid conflict id")
			return
		}
		var req resolveRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBody)).Decode(&req); err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ResolvedBy == "" {
			req.ResolvedBy = "admin"
		}

		c, err := h.resolver.Resolve(r.Context(), id, req.ResolutionType, req.ResolvedBy, req.MergeSelections)
		var vErr *services.ValidationError
		switch {
		case errors.As(err, &vErr):
			respondError(w, r, http.StatusBadRequest, vErr.Error())
			return
		case errors.Is(err, services.ErrAlreadyResolved):
			respondError(w, r, http.StatusConflict, err.Error())
			return
		case errors.Is(err, services.ErrRecordNotFound):
			respondError(w, r, http.StatusGone, err.Error())
			return
		case err != nil:
			hlog.FromRequest(r).Error().Err(err).Uint("conflictId", id).Msg("Conflict resolution failed")
			respondError(w, r, http.StatusInternalServerError, "conflict resolution failed")
			return
		case c == nil:
			respondError(w, r, http.StatusNotFound, "conflict not found")
			return
		}
		respondJSON(w, r, http.StatusOK, c)
	}
}

type syncResponse struct {
	EntityType   models.EntityType `json:"entity_type"`
	EntityID     uint              `json:"entity_id"`
	ExternalID   *string           `json:"external_id"`
	SyncStatus   models.SyncStatus `json:"sync_status"`
	LastSyncedAt *time.Time        `json:"last_synced_at"`
}

// SyncRecord handles POST /admin/sync/{entity_type}/{id}. The push runs
// through the normal worker, so a failure lands in the retry queue.
func (h *AdminHandler) SyncRecord() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idVar(r)
		if !ok {
			respondError(w, r, http.StatusBadRequest, "invalid record id")
			return
		}
		t := models.EntityType(mux.Vars(r)["entity_type"])
		rec, err := h.outbound.PushNow(r.Context(), t, id)
		switch {
		case errors.Is(err, records.ErrUnknownEntityType):
			respondError(w, r, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, records.ErrNotFound):
			respondError(w, r, http.StatusNotFound, "record not found")
			return
		case err != nil:
			hlog.FromRequest(r).Error().Err(err).Str("entityType", string(t)).Uint("entityId", id).Msg("Manual sync failed")
			respondError(w, r, http.StatusInternalServerError, "manual sync failed")
			return
		}
		st := rec.State()
		respondJSON(w, r, http.StatusOK, syncResponse{
			EntityType:   t,
			EntityID:     id,
			ExternalID:   st.ExternalID,
			SyncStatus:   st.SyncStatus,
			LastSyncedAt: st.LastSyncedAt,
		})
	}
}
