package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/keygate/keygate/internal/db/models"
)

// BunScopeRepository implements ScopeRepository using Bun ORM
type BunScopeRepository struct {
	db *bun.DB
}

// NewBunScopeRepository creates a new Bun-based scope repository
func NewBunScopeRepository(db *bun.DB) *BunScopeRepository {
	return &BunScopeRepository{db: db}
}

// Create inserts a new scope
func (r *BunScopeRepository) Create(ctx context.Context, scope *models.Scope) error {
	_, err := r.db.NewInsert().
		Model(scope).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create scope: %w", err)
	}
	return nil
}

// GetByName retrieves a scope by name
func (r *BunScopeRepository) GetByName(ctx context.Context, name string) (*models.Scope, error) {
	scope := new(models.Scope)
	err := r.db.NewSelect().
		Model(scope).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scope %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get scope by name: %w", err)
	}
	return scope, nil
}

// List retrieves scopes with pagination and a total count
func (r *BunScopeRepository) List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.Scope, int, error) {
	var scopes []models.Scope
	q := r.db.NewSelect().Model(&scopes)
	if filter.Search != "" {
		q = q.Where("name LIKE ?", "%"+filter.Search+"%")
	}
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	total, err := q.Order("name ASC").
		Limit(limit).
		Offset(offset).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list scopes: %w", err)
	}
	return scopes, total, nil
}

// Update updates an existing scope
func (r *BunScopeRepository) Update(ctx context.Context, scope *models.Scope) error {
	result, err := r.db.NewUpdate().
		Model(scope).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update scope: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("scope %s: %w", scope.ID, ErrNotFound)
	}
	return nil
}
