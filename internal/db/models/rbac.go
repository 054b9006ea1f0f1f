package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Reserved role names. These roles are seeded by migration, cannot be
// deleted, and SYSTEM_ADMIN additionally cannot be deactivated.
const (
	RoleSystemAdmin     = "SYSTEM_ADMIN"
	RoleUser            = "USER"
	RoleUserAdmin       = "USER_ADMIN"
	RolePermissionAdmin = "PERMISSION_ADMIN"
	RoleClientAdmin     = "CLIENT_ADMIN"
	RoleAuditAdmin      = "AUDIT_ADMIN"
)

// ReservedRoleNames lists the role names that cannot be deleted.
var ReservedRoleNames = []string{
	RoleSystemAdmin,
	RoleUser,
	RoleUserAdmin,
	RolePermissionAdmin,
	RoleClientAdmin,
	RoleAuditAdmin,
}

// IsReservedRole reports whether name is a system-reserved role name.
func IsReservedRole(name string) bool {
	for _, r := range ReservedRoleNames {
		if r == name {
			return true
		}
	}
	return false
}

// Role defines role metadata for admin API and audit
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:r"`

	ID          string    `bun:"id,pk,type:uuid"`
	Name        string    `bun:"name,notnull,unique"`
	DisplayName string    `bun:"display_name"`
	IsActive    bool      `bun:"is_active,notnull,default:true"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// Permission types
const (
	PermissionTypeAPI  = "API"
	PermissionTypeMenu = "MENU"
)

// Permission is the internal RBAC unit of the form resource:action.
// Name and Type are immutable after creation.
type Permission struct {
	bun.BaseModel `bun:"table:permissions,alias:p"`

	ID          string    `bun:"id,pk,type:uuid"`
	Name        string    `bun:"name,notnull,unique"` // resource:action
	Type        string    `bun:"type,notnull"`        // API or MENU
	Description string    `bun:"description"`
	HTTPMethod  *string   `bun:"http_method"` // API permissions only
	Endpoint    *string   `bun:"endpoint"`    // API permissions only
	MenuID      *string   `bun:"menu_id"`     // MENU permissions only
	IsActive    bool      `bun:"is_active,notnull,default:true"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// RolePermission links roles to permissions
type RolePermission struct {
	bun.BaseModel `bun:"table:role_permissions,alias:rp"`

	ID           string    `bun:"id,pk,type:uuid"`
	RoleID       string    `bun:"role_id,notnull,type:uuid"`
	PermissionID string    `bun:"permission_id,notnull,type:uuid"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// UserRole links users to roles with optional expiry
type UserRole struct {
	bun.BaseModel `bun:"table:user_roles,alias:ur"`

	ID         string     `bun:"id,pk,type:uuid"`
	UserID     string     `bun:"user_id,notnull,type:uuid"`
	RoleID     string     `bun:"role_id,notnull,type:uuid"`
	ExpiresAt  *time.Time `bun:"expires_at"`
	AssignedAt time.Time  `bun:"assigned_at,notnull,default:current_timestamp"`
	AssignedBy *string    `bun:"assigned_by,type:uuid"`
}
