package repository

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/keygate/keygate/internal/db/models"
)

// BunAuditRepository implements AuditRepository using Bun ORM
type BunAuditRepository struct {
	db *bun.DB
}

// NewBunAuditRepository creates a new Bun-based audit repository
func NewBunAuditRepository(db *bun.DB) *BunAuditRepository {
	return &BunAuditRepository{db: db}
}

// Create appends an audit event
func (r *BunAuditRepository) Create(ctx context.Context, event *models.AuditEvent) error {
	_, err := r.db.NewInsert().
		Model(event).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

// List retrieves audit events with pagination, newest first
func (r *BunAuditRepository) List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.AuditEvent, int, error) {
	var events []models.AuditEvent
	q := r.db.NewSelect().Model(&events)
	if filter.Search != "" {
		q = q.Where("action = ?", filter.Search)
	}
	total, err := q.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit events: %w", err)
	}
	return events, total, nil
}
