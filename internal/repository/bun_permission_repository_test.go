package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/db/models"
)

func TestBunPermissionRepository_ListEffectiveForUser(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "ivan")

	roles := NewBunRoleRepository(db)
	perms := NewBunPermissionRepository(db)
	ctx := context.Background()

	userAdminRole, err := roles.GetByName(ctx, models.RoleUserAdmin)
	require.NoError(t, err)
	auditRole, err := roles.GetByName(ctx, models.RoleAuditAdmin)
	require.NoError(t, err)

	t.Run("no assignments means no permissions", func(t *testing.T) {
		got, err := perms.ListEffectiveForUser(ctx, user.ID)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("assigned role grants its permissions", func(t *testing.T) {
		require.NoError(t, roles.AssignToUser(ctx, &models.UserRole{
			ID:     bunx.NewUUIDv7(),
			UserID: user.ID,
			RoleID: auditRole.ID,
		}))

		got, err := perms.ListEffectiveForUser(ctx, user.ID)
		require.NoError(t, err)
		names := make([]string, 0, len(got))
		for _, p := range got {
			names = append(names, p.Name)
		}
		assert.Contains(t, names, "audit:read")
	})

	t.Run("expired assignment grants nothing", func(t *testing.T) {
		expired := time.Now().Add(-time.Hour)
		require.NoError(t, roles.AssignToUser(ctx, &models.UserRole{
			ID:        bunx.NewUUIDv7(),
			UserID:    user.ID,
			RoleID:    userAdminRole.ID,
			ExpiresAt: &expired,
		}))

		got, err := perms.ListEffectiveForUser(ctx, user.ID)
		require.NoError(t, err)
		for _, p := range got {
			assert.NotEqual(t, "users:write", p.Name, "expired role assignment leaked a permission")
		}
	})
}

func TestBunPermissionRepository_Immutability(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBunPermissionRepository(db)
	ctx := context.Background()

	perm := &models.Permission{
		ID:       bunx.NewUUIDv7(),
		Name:     "widgets:read",
		Type:     models.PermissionTypeAPI,
		IsActive: true,
	}
	require.NoError(t, repo.Create(ctx, perm))

	t.Run("name without colon rejected", func(t *testing.T) {
		err := repo.Create(ctx, &models.Permission{
			ID:   bunx.NewUUIDv7(),
			Name: "widgets",
			Type: models.PermissionTypeAPI,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "resource:action")
	})

	t.Run("name change rejected", func(t *testing.T) {
		changed := *perm
		changed.Name = "widgets:write"
		err := repo.Update(ctx, &changed)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "immutable")
	})

	t.Run("type change rejected", func(t *testing.T) {
		changed := *perm
		changed.Type = models.PermissionTypeMenu
		err := repo.Update(ctx, &changed)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "immutable")
	})

	t.Run("description change allowed", func(t *testing.T) {
		changed := *perm
		changed.Description = "read widgets"
		require.NoError(t, repo.Update(ctx, &changed))
	})
}

func TestBunPermissionRepository_ListPolicyRows(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBunPermissionRepository(db)
	ctx := context.Background()

	rows, err := repo.ListPolicyRows(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	found := false
	for _, row := range rows {
		if row.RoleName == models.RoleSystemAdmin && row.PermissionName == "users:write" {
			found = true
		}
	}
	assert.True(t, found, "seeded SYSTEM_ADMIN policy edge missing")
}

func TestBunRoleRepository_ReservedRoles(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBunRoleRepository(db)
	ctx := context.Background()

	admin, err := repo.GetByName(ctx, models.RoleSystemAdmin)
	require.NoError(t, err)

	t.Run("reserved role cannot be deleted", func(t *testing.T) {
		err := repo.Delete(ctx, admin.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reserved")
	})

	t.Run("system admin cannot be deactivated", func(t *testing.T) {
		changed := *admin
		changed.IsActive = false
		err := repo.Update(ctx, &changed)
		require.Error(t, err)
	})

	t.Run("custom role lifecycle", func(t *testing.T) {
		role := &models.Role{
			ID:          bunx.NewUUIDv7(),
			Name:        "REPORT_VIEWER",
			DisplayName: "Report Viewer",
			IsActive:    true,
		}
		require.NoError(t, repo.Create(ctx, role))
		require.NoError(t, repo.Delete(ctx, role.ID))

		_, err := repo.GetByID(ctx, role.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
