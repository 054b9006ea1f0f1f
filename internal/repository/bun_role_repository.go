package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/db/models"
)

// BunRoleRepository implements RoleRepository using Bun ORM
type BunRoleRepository struct {
	db *bun.DB
}

// NewBunRoleRepository creates a new Bun-based role repository
func NewBunRoleRepository(db *bun.DB) *BunRoleRepository {
	return &BunRoleRepository{db: db}
}

// Create inserts a new role
func (r *BunRoleRepository) Create(ctx context.Context, role *models.Role) error {
	_, err := r.db.NewInsert().
		Model(role).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	return nil
}

// GetByID retrieves a role by ID
func (r *BunRoleRepository) GetByID(ctx context.Context, id string) (*models.Role, error) {
	role := new(models.Role)
	err := r.db.NewSelect().
		Model(role).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("role %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get role by ID: %w", err)
	}
	return role, nil
}

// GetByName retrieves a role by name
func (r *BunRoleRepository) GetByName(ctx context.Context, name string) (*models.Role, error) {
	role := new(models.Role)
	err := r.db.NewSelect().
		Model(role).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("role %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get role by name: %w", err)
	}
	return role, nil
}

// Update updates an existing role. SYSTEM_ADMIN cannot be deactivated.
func (r *BunRoleRepository) Update(ctx context.Context, role *models.Role) error {
	if role.Name == models.RoleSystemAdmin && !role.IsActive {
		return fmt.Errorf("role %s cannot be deactivated", models.RoleSystemAdmin)
	}
	role.UpdatedAt = time.Now()
	result, err := r.db.NewUpdate().
		Model(role).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("role %s: %w", role.ID, ErrNotFound)
	}
	return nil
}

// Delete removes a role. Reserved roles cannot be deleted.
func (r *BunRoleRepository) Delete(ctx context.Context, id string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		role := new(models.Role)
		if err := tx.NewSelect().Model(role).Where("id = ?", id).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("role %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("load role: %w", err)
		}
		if models.IsReservedRole(role.Name) {
			return fmt.Errorf("role %s is reserved and cannot be deleted", role.Name)
		}

		if _, err := tx.NewDelete().
			Model((*models.RolePermission)(nil)).
			Where("role_id = ?", id).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete role permissions: %w", err)
		}
		if _, err := tx.NewDelete().
			Model((*models.UserRole)(nil)).
			Where("role_id = ?", id).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete role assignments: %w", err)
		}
		if _, err := tx.NewDelete().
			Model((*models.Role)(nil)).
			Where("id = ?", id).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
		return nil
	})
}

// List retrieves roles with pagination and a total count
func (r *BunRoleRepository) List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.Role, int, error) {
	var roles []models.Role
	q := r.db.NewSelect().Model(&roles)
	if filter.Search != "" {
		q = q.Where("name LIKE ?", "%"+strings.ToUpper(filter.Search)+"%")
	}
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	total, err := q.Order("name ASC").
		Limit(limit).
		Offset(offset).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list roles: %w", err)
	}
	return roles, total, nil
}

// AddPermission links a permission to a role
func (r *BunRoleRepository) AddPermission(ctx context.Context, roleID, permissionID string) error {
	rp := &models.RolePermission{
		ID:           bunx.NewUUIDv7(),
		RoleID:       roleID,
		PermissionID: permissionID,
	}
	_, err := r.db.NewInsert().
		Model(rp).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("add role permission: %w", err)
	}
	return nil
}

// RemovePermission unlinks a permission from a role
func (r *BunRoleRepository) RemovePermission(ctx context.Context, roleID, permissionID string) error {
	_, err := r.db.NewDelete().
		Model((*models.RolePermission)(nil)).
		Where("role_id = ?", roleID).
		Where("permission_id = ?", permissionID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove role permission: %w", err)
	}
	return nil
}

// AssignToUser links a role to a user
func (r *BunRoleRepository) AssignToUser(ctx context.Context, assignment *models.UserRole) error {
	if assignment.ID == "" {
		assignment.ID = bunx.NewUUIDv7()
	}
	_, err := r.db.NewInsert().
		Model(assignment).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("assign role to user: %w", err)
	}
	return nil
}

// RemoveFromUser unlinks a role from a user
func (r *BunRoleRepository) RemoveFromUser(ctx context.Context, userID, roleID string) error {
	_, err := r.db.NewDelete().
		Model((*models.UserRole)(nil)).
		Where("user_id = ?", userID).
		Where("role_id = ?", roleID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove role from user: %w", err)
	}
	return nil
}

// ListAssignmentRows projects every live (user id, role name) assignment
// edge for building the enforcement grouping policy.
func (r *BunRoleRepository) ListAssignmentRows(ctx context.Context) ([]AssignmentRow, error) {
	var rows []AssignmentRow
	err := r.db.NewSelect().
		ColumnExpr("ur.user_id AS user_id").
		ColumnExpr("r.name AS role_name").
		TableExpr("user_roles AS ur").
		Join("JOIN roles AS r ON r.id = ur.role_id").
		Where("r.is_active = ?", true).
		Where("ur.expires_at IS NULL OR ur.expires_at > ?", time.Now()).
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list assignment rows: %w", err)
	}
	return rows, nil
}

// ListForUser returns the active, unexpired roles assigned to a user
func (r *BunRoleRepository) ListForUser(ctx context.Context, userID string) ([]models.Role, error) {
	var roles []models.Role
	err := r.db.NewSelect().
		Model(&roles).
		Join("JOIN user_roles AS ur ON ur.role_id = r.id").
		Where("ur.user_id = ?", userID).
		Where("r.is_active = ?", true).
		Where("ur.expires_at IS NULL OR ur.expires_at > ?", time.Now()).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roles for user: %w", err)
	}
	return roles, nil
}
