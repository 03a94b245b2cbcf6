package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"boardsync/internal/conflicts"
	"boardsync/internal/models"
	"boardsync/internal/records"
)

// Merge selection sources.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// ConflictResolutionService settles conflicts on an operator's instruction.
type ConflictResolutionService struct {
	deps     Deps
	outbound *OutboundSyncWorker
}

func NewConflictResolutionService(deps Deps, outbound *OutboundSyncWorker) *ConflictResolutionService {
	return &ConflictResolutionService{deps: deps.withDefaults(), outbound: outbound}
}

// Resolve settles conflict id. It returns nil, nil when the conflict does
// not exist. For MERGE, selections must name "local" or "remote" for every
// conflicting field. Nothing is written when validation fails.
func (s *ConflictResolutionService) Resolve(ctx context.Context, id uint, rt models.ResolutionType, resolvedBy string, selections map[string]string) (*models.SyncConflict, error) {
	if !rt.Valid() {
		return nil, &ValidationError{Field: "resolution_type", Message: fmt.Sprintf("unknown resolution type %q", rt)}
	}

	c, err := s.deps.Conflicts.Get(ctx, id)
	if errors.Is(err, conflicts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Resolved() {
		return nil, ErrAlreadyResolved
	}

	remoteFields, pushLocal, err := plan(c, rt, selections)
	if err != nil {
		return nil, err
	}

	rec, err := s.deps.records().Get(ctx, c.EntityType, c.EntityID)
	if errors.Is(err, records.ErrNotFound) || errors.Is(err, records.ErrUnknownEntityType) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	for _, f := range remoteFields {
		rec.SetField(f, c.RemoteValue(f))
	}
	st := rec.State()
	st.SyncStatus = models.StatusSynced
	if !pushLocal {
		// Local now matches remote, so the record counts as synced. With a
		// pending push, last_synced_at is left for the push to advance.
		now := s.deps.clock()
		st.LastSyncedAt = &now
	}

	err = s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := records.NewStore(tx).SaveFieldsAndState(ctx, rec, remoteFields...); err != nil {
			return err
		}
		return s.deps.Conflicts.WithDB(tx).MarkResolved(ctx, c, rt, resolvedBy)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conflict %d: %w", id, err)
	}

	log.Info().
		Uint("conflictId", c.ID).
		Str("entityType", string(c.EntityType)).
		Uint("entityId", c.EntityID).
		Str("resolution", string(rt)).
		Str("resolvedBy", resolvedBy).
		Strs("remoteFields", remoteFields).
		Bool("pushLocal", pushLocal).
		Msg("Conflict resolved")

	if pushLocal && s.outbound != nil {
		fresh, err := s.deps.records().Get(ctx, c.EntityType, c.EntityID)
		if err != nil {
			log.Error().Err(err).Uint("conflictId", c.ID).Msg("Failed to reload record for post-resolution push")
		} else {
			s.outbound.SyncRecord(ctx, fresh)
		}
	}
	return c, nil
}

// plan returns the fields to take from the remote snapshot and whether the
// local side must be pushed afterwards.
func plan(c *models.SyncConflict, rt models.ResolutionType, selections map[string]string) ([]string, bool, error) {
	switch rt {
	case models.ResolutionKeepLocal:
		return nil, true, nil
	case models.ResolutionKeepRemote:
		return append([]string(nil), c.ConflictFields...), false, nil
	}

	var missing, invalid []string
	var remote []string
	pushLocal := false
	for _, f := range c.ConflictFields {
		sel, ok := selections[f]
		switch {
		case !ok:
			missing = append(missing, f)
		case sel == SourceRemote:
			remote = append(remote, f)
		case sel == SourceLocal:
			pushLocal = true
		default:
			invalid = append(invalid, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, false, &ValidationError{Field: "merge_selections", Message: "missing selection for " + strings.Join(missing, ", ")}
	}
	if len(invalid) > 0 {
		return nil, false, &ValidationError{Field: "merge_selections", Message: "selection must be \"local\" or \"remote\" for " + strings.Join(invalid, ", ")}
	}
	return remote, pushLocal, nil
}
