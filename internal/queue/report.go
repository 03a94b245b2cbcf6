package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"gorm.io/gorm"

	"boardsync/internal/models"
)

// Filter narrows a queue listing. Zero fields match everything.
type Filter struct {
	EntityType models.EntityType     `json:"entity_type,omitempty"`
	Direction  models.QueueDirection `json:"direction,omitempty"`
	Status     models.QueueStatus    `json:"status,omitempty"`
}

// Page is one page of a queue listing.
type Page struct {
	Items    []models.SyncQueueItem `json:"items"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

// Stats counts items per status.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

const listColumns = `id, entity_type, entity_id, direction, operation, status, attempts, max_attempts,
	last_attempt_at, next_retry_at, error_message, created_at, updated_at`

// Report is the read side of the queue used by the admin surface. It runs
// plain SQL through sqlx on the same pool gorm uses.
type Report struct {
	db *sqlx.DB
}

// NewReport wraps the connection pool behind gdb.
func NewReport(gdb *gorm.DB) (*Report, error) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	driver := "sqlite3"
	if gdb.Dialector.Name() == "postgres" {
		driver = "pgx"
	}
	return &Report{db: sqlx.NewDb(sqlDB, driver)}, nil
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, f.Direction)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns a page of items, newest first. Payloads are not loaded.
func (r *Report) List(ctx context.Context, f Filter, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}

	where, args := f.where()

	var total int
	countQ := r.db.Rebind("SELECT COUNT(*) FROM sync_queue" + where)
	if err := r.db.GetContext(ctx, &total, countQ, args...); err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}

	items := []models.SyncQueueItem{}
	listQ := r.db.Rebind("SELECT " + listColumns + " FROM sync_queue" + where + " ORDER BY id DESC LIMIT ? OFFSET ?")
	listArgs := append(args, pageSize, (page-1)*pageSize)
	if err := r.db.SelectContext(ctx, &items, listQ, listArgs...); err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}

	return &Page{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// Stats returns item counts per status.
func (r *Report) Stats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		Status models.QueueStatus `db:"status"`
		Count  int                `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows, "SELECT status, COUNT(*) AS count FROM sync_queue GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to compute queue stats: %w", err)
	}

	s := &Stats{}
	for _, row := range rows {
		switch row.Status {
		case models.QueueStatusPending:
			s.Pending = row.Count
		case models.QueueStatusInProgress:
			s.InProgress = row.Count
		case models.QueueStatusCompleted:
			s.Completed = row.Count
		case models.QueueStatusFailed:
			s.Failed = row.Count
		}
		s.Total += row.Count
	}
	return s, nil
}
