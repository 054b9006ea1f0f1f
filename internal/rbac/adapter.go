package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"

	"github.com/keygate/keygate/internal/repository"
)

// SubjectPrefix namespaces user IDs in grouping rules so they can never
// collide with role names.
const SubjectPrefix = "user:"

// Subject builds the enforcement subject for a user ID.
func Subject(userID string) string {
	return SubjectPrefix + userID
}

// repositoryAdapter projects the normalized RBAC tables into Casbin policy
// lines on load. The tables are the source of truth and all mutation goes
// through the repositories, so the adapter is strictly read-only; the
// enforcer refreshes by reloading.
type repositoryAdapter struct {
	roles repository.RoleRepository
	perms repository.PermissionRepository
}

var _ persist.Adapter = (*repositoryAdapter)(nil)

func newRepositoryAdapter(roles repository.RoleRepository, perms repository.PermissionRepository) *repositoryAdapter {
	return &repositoryAdapter{roles: roles, perms: perms}
}

// LoadPolicy builds p lines from (role, permission) edges and g lines from
// live user role assignments.
func (a *repositoryAdapter) LoadPolicy(m model.Model) error {
	ctx := context.Background()

	policyRows, err := a.perms.ListPolicyRows(ctx)
	if err != nil {
		return fmt.Errorf("load policy rows: %w", err)
	}
	for _, row := range policyRows {
		resource, action, ok := splitPermissionName(row.PermissionName)
		if !ok {
			continue
		}
		if err := persist.LoadPolicyArray([]string{"p", row.RoleName, resource, action}, m); err != nil {
			return fmt.Errorf("load policy line: %w", err)
		}
	}

	assignments, err := a.roles.ListAssignmentRows(ctx)
	if err != nil {
		return fmt.Errorf("load assignment rows: %w", err)
	}
	for _, row := range assignments {
		if err := persist.LoadPolicyArray([]string{"g", Subject(row.UserID), row.RoleName}, m); err != nil {
			return fmt.Errorf("load grouping line: %w", err)
		}
	}
	return nil
}

func (a *repositoryAdapter) SavePolicy(model.Model) error {
	return fmt.Errorf("rbac adapter is read-only")
}

func (a *repositoryAdapter) AddPolicy(string, string, []string) error {
	return fmt.Errorf("rbac adapter is read-only")
}

func (a *repositoryAdapter) RemovePolicy(string, string, []string) error {
	return fmt.Errorf("rbac adapter is read-only")
}

func (a *repositoryAdapter) RemoveFilteredPolicy(string, string, int, ...string) error {
	return fmt.Errorf("rbac adapter is read-only")
}

// splitPermissionName splits a resource:action permission name.
func splitPermissionName(name string) (resource, action string, ok bool) {
	parts := strings.SplitN(name, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
