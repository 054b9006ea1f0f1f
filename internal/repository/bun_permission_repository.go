package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/keygate/keygate/internal/db/models"
)

// BunPermissionRepository implements PermissionRepository using Bun ORM
type BunPermissionRepository struct {
	db *bun.DB
}

// NewBunPermissionRepository creates a new Bun-based permission repository
func NewBunPermissionRepository(db *bun.DB) *BunPermissionRepository {
	return &BunPermissionRepository{db: db}
}

// Create inserts a new permission
func (r *BunPermissionRepository) Create(ctx context.Context, perm *models.Permission) error {
	if !strings.Contains(perm.Name, ":") {
		return fmt.Errorf("permission name must be of the form resource:action")
	}
	_, err := r.db.NewInsert().
		Model(perm).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create permission: %w", err)
	}
	return nil
}

// GetByID retrieves a permission by ID
func (r *BunPermissionRepository) GetByID(ctx context.Context, id string) (*models.Permission, error) {
	perm := new(models.Permission)
	err := r.db.NewSelect().
		Model(perm).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("permission %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get permission by ID: %w", err)
	}
	return perm, nil
}

// GetByName retrieves a permission by its resource:action name
func (r *BunPermissionRepository) GetByName(ctx context.Context, name string) (*models.Permission, error) {
	perm := new(models.Permission)
	err := r.db.NewSelect().
		Model(perm).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("permission %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get permission by name: %w", err)
	}
	return perm, nil
}

// Update updates a permission. Name and type are immutable.
func (r *BunPermissionRepository) Update(ctx context.Context, perm *models.Permission) error {
	current, err := r.GetByID(ctx, perm.ID)
	if err != nil {
		return err
	}
	if current.Name != perm.Name {
		return fmt.Errorf("permission name is immutable")
	}
	if current.Type != perm.Type {
		return fmt.Errorf("permission type is immutable")
	}

	_, err = r.db.NewUpdate().
		Model(perm).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update permission: %w", err)
	}
	return nil
}

// List retrieves permissions with pagination and a total count
func (r *BunPermissionRepository) List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.Permission, int, error) {
	var perms []models.Permission
	q := r.db.NewSelect().Model(&perms)
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
		return nil, 0, fmt.Errorf("list permissions: %w", err)
	}
	return perms, total, nil
}

// ListEffectiveForUser resolves the user's effective permission set in one
// query: active permissions reachable via role_permissions from active,
// unexpired user_roles pointing at active roles. DISTINCT dedupes
// permissions granted through multiple roles.
func (r *BunPermissionRepository) ListEffectiveForUser(ctx context.Context, userID string) ([]models.Permission, error) {
	var perms []models.Permission
	err := r.db.NewSelect().
		Model(&perms).
		Distinct().
		Join("JOIN role_permissions AS rp ON rp.permission_id = p.id").
		Join("JOIN roles AS r ON r.id = rp.role_id").
		Join("JOIN user_roles AS ur ON ur.role_id = r.id").
		Where("ur.user_id = ?", userID).
		Where("r.is_active = ?", true).
		Where("p.is_active = ?", true).
		Where("ur.expires_at IS NULL OR ur.expires_at > ?", time.Now()).
		Order("p.name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list effective permissions: %w", err)
	}
	return perms, nil
}

// ListPolicyRows projects the (role name, permission name) join used to
// build the Casbin policy. Only active roles and permissions appear.
func (r *BunPermissionRepository) ListPolicyRows(ctx context.Context) ([]PolicyRow, error) {
	var rows []PolicyRow
	err := r.db.NewSelect().
		ColumnExpr("r.name AS role_name").
		ColumnExpr("p.name AS permission_name").
		TableExpr("role_permissions AS rp").
		Join("JOIN roles AS r ON r.id = rp.role_id").
		Join("JOIN permissions AS p ON p.id = rp.permission_id").
		Where("r.is_active = ?", true).
		Where("p.is_active = ?", true).
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list policy rows: %w", err)
	}
	return rows, nil
}
