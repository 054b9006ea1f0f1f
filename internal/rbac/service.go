package rbac

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/repository"
)

//go:embed model.conf
var casbinModelContent string

// Batch check reason codes.
const (
	ReasonGranted = "PERMISSION_GRANTED"
	ReasonDenied  = "PERMISSION_DENIED"
)

// CheckRequest is one entry of a batch permission check.
type CheckRequest struct {
	RequestID string `json:"requestId,omitempty"`
	Resource  string `json:"resource"`
	Action    string `json:"action"`
}

// CheckResult is the verdict for one CheckRequest, parallel by position.
type CheckResult struct {
	RequestID  string `json:"requestId,omitempty"`
	Allowed    bool   `json:"allowed"`
	ReasonCode string `json:"reasonCode"`
	Message    string `json:"message"`
}

// Service is the RBAC permission engine. Enforcement runs against an
// in-memory Casbin policy projected from the RBAC tables; Refresh reloads
// after any role or permission mutation.
type Service struct {
	enforcer *casbin.SyncedEnforcer
	perms    repository.PermissionRepository
}

// NewService builds the enforcer from the embedded model and the read-only
// repository adapter, then loads the initial policy.
func NewService(roles repository.RoleRepository, perms repository.PermissionRepository) (*Service, error) {
	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m, newRepositoryAdapter(roles, perms))
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}
	// The repositories own all writes; the enforcer must never write back.
	enforcer.EnableAutoSave(false)

	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("load casbin policies: %w", err)
	}

	return &Service{enforcer: enforcer, perms: perms}, nil
}

// Refresh reloads the policy from the repositories. Call after role or
// permission mutations.
func (s *Service) Refresh() error {
	if err := s.enforcer.LoadPolicy(); err != nil {
		return fmt.Errorf("reload casbin policies: %w", err)
	}
	return nil
}

// EffectivePermissions resolves the user's deduplicated permission set.
func (s *Service) EffectivePermissions(ctx context.Context, userID string) ([]models.Permission, error) {
	return s.perms.ListEffectiveForUser(ctx, userID)
}

// EffectivePermissionNames returns the resource:action names of the user's
// effective permissions, for embedding into access tokens.
func (s *Service) EffectivePermissionNames(ctx context.Context, userID string) ([]string, error) {
	perms, err := s.perms.ListEffectiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}
	return names, nil
}

// Has evaluates a single permission check for a user.
func (s *Service) Has(userID, resource, action string) (bool, error) {
	allowed, err := s.enforcer.Enforce(Subject(userID), resource, action)
	if err != nil {
		return false, fmt.Errorf("enforce: %w", err)
	}
	return allowed, nil
}

// CheckBatch evaluates a list of permission checks and returns the
// position-parallel verdicts.
func (s *Service) CheckBatch(userID string, requests []CheckRequest) ([]CheckResult, error) {
	results := make([]CheckResult, len(requests))
	for i, req := range requests {
		allowed, err := s.Has(userID, req.Resource, req.Action)
		if err != nil {
			return nil, err
		}
		result := CheckResult{
			RequestID: req.RequestID,
			Allowed:   allowed,
		}
		if allowed {
			result.ReasonCode = ReasonGranted
			result.Message = fmt.Sprintf("permission %s:%s granted", req.Resource, req.Action)
		} else {
			result.ReasonCode = ReasonDenied
			result.Message = fmt.Sprintf("permission %s:%s denied", req.Resource, req.Action)
		}
		results[i] = result
	}
	return results, nil
}
