package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20250801000002, down_20250801000002)
}

type seedRole struct {
	name        string
	displayName string
	permissions []string
}

// seedPermissions are the built-in admin API permissions.
var seedPermissions = []models.Permission{
	{Name: "users:read", Type: models.PermissionTypeAPI, Description: "List and inspect users"},
	{Name: "users:write", Type: models.PermissionTypeAPI, Description: "Create and update users"},
	{Name: "clients:read", Type: models.PermissionTypeAPI, Description: "List and inspect clients"},
	{Name: "clients:write", Type: models.PermissionTypeAPI, Description: "Create and update clients"},
	{Name: "roles:read", Type: models.PermissionTypeAPI, Description: "List roles and role assignments"},
	{Name: "roles:write", Type: models.PermissionTypeAPI, Description: "Manage roles and role assignments"},
	{Name: "permissions:read", Type: models.PermissionTypeAPI, Description: "List and check permissions"},
	{Name: "permissions:write", Type: models.PermissionTypeAPI, Description: "Manage permissions"},
	{Name: "scopes:read", Type: models.PermissionTypeAPI, Description: "List scopes"},
	{Name: "scopes:write", Type: models.PermissionTypeAPI, Description: "Manage scopes"},
	{Name: "audit:read", Type: models.PermissionTypeAPI, Description: "Read audit events"},
}

// seedRoles maps reserved roles to their built-in permissions.
var seedRoles = []seedRole{
	{models.RoleSystemAdmin, "System Administrator", []string{
		"users:read", "users:write", "clients:read", "clients:write",
		"roles:read", "roles:write", "permissions:read", "permissions:write",
		"scopes:read", "scopes:write", "audit:read",
	}},
	{models.RoleUser, "User", nil},
	{models.RoleUserAdmin, "User Administrator", []string{"users:read", "users:write"}},
	{models.RolePermissionAdmin, "Permission Administrator", []string{
		"roles:read", "roles:write", "permissions:read", "permissions:write",
	}},
	{models.RoleClientAdmin, "Client Administrator", []string{
		"clients:read", "clients:write", "scopes:read", "scopes:write",
	}},
	{models.RoleAuditAdmin, "Audit Administrator", []string{"audit:read"}},
}

// seedScopes are the standard OIDC scopes plus offline_access.
var seedScopes = []models.Scope{
	{Name: "openid", Description: "OpenID Connect authentication", IsPublic: true},
	{Name: "profile", Description: "Basic profile claims", IsPublic: true},
	{Name: "email", Description: "Email address claim", IsPublic: true},
	{Name: "offline_access", Description: "Refresh token issuance", IsPublic: true},
}

// up_20250801000002 seeds reserved roles, built-in permissions, and standard scopes
func up_20250801000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] seeding reserved roles and permissions...")

	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		permIDs := make(map[string]string, len(seedPermissions))
		for i := range seedPermissions {
			perm := seedPermissions[i]
			perm.ID = bunx.NewUUIDv7()
			perm.IsActive = true
			if _, err := tx.NewInsert().
				Model(&perm).
				On("CONFLICT DO NOTHING").
				Exec(ctx); err != nil {
				return fmt.Errorf("seed permission %s: %w", perm.Name, err)
			}
			// Re-read to get the surviving row on conflict
			existing := new(models.Permission)
			if err := tx.NewSelect().Model(existing).Where("name = ?", perm.Name).Scan(ctx); err != nil {
				return fmt.Errorf("read seeded permission %s: %w", perm.Name, err)
			}
			permIDs[perm.Name] = existing.ID
		}

		for _, sr := range seedRoles {
			role := &models.Role{
				ID:          bunx.NewUUIDv7(),
				Name:        sr.name,
				DisplayName: sr.displayName,
				IsActive:    true,
			}
			if _, err := tx.NewInsert().
				Model(role).
				On("CONFLICT DO NOTHING").
				Exec(ctx); err != nil {
				return fmt.Errorf("seed role %s: %w", sr.name, err)
			}
			existing := new(models.Role)
			if err := tx.NewSelect().Model(existing).Where("name = ?", sr.name).Scan(ctx); err != nil {
				return fmt.Errorf("read seeded role %s: %w", sr.name, err)
			}

			for _, permName := range sr.permissions {
				rp := &models.RolePermission{
					ID:           bunx.NewUUIDv7(),
					RoleID:       existing.ID,
					PermissionID: permIDs[permName],
				}
				if _, err := tx.NewInsert().
					Model(rp).
					On("CONFLICT DO NOTHING").
					Exec(ctx); err != nil {
					return fmt.Errorf("seed role permission %s/%s: %w", sr.name, permName, err)
				}
			}
		}

		for i := range seedScopes {
			scope := seedScopes[i]
			scope.ID = bunx.NewUUIDv7()
			scope.IsActive = true
			if _, err := tx.NewInsert().
				Model(&scope).
				On("CONFLICT DO NOTHING").
				Exec(ctx); err != nil {
				return fmt.Errorf("seed scope %s: %w", scope.Name, err)
			}
		}

		fmt.Println(" OK")
		return nil
	})
}

// down_20250801000002 removes the seeded roles and permissions
func down_20250801000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] removing seeded roles and permissions...")

	names := make([]string, 0, len(seedRoles))
	for _, sr := range seedRoles {
		names = append(names, sr.name)
	}
	if _, err := db.NewDelete().
		Model((*models.Role)(nil)).
		Where("name IN (?)", bun.In(names)).
		Exec(ctx); err != nil {
		return fmt.Errorf("delete seeded roles: %w", err)
	}

	fmt.Println(" OK")
	return nil
}
