package repository

import (
	"context"
	"errors"
	"time"

	"github.com/keygate/keygate/internal/db/models"
)

// ErrNotFound is returned (wrapped) by all repositories when a lookup
// matches no row. Callers test with errors.Is.
var ErrNotFound = errors.New("not found")

// ErrAlreadyConsumed is returned when an authorization code has already
// been redeemed.
var ErrAlreadyConsumed = errors.New("authorization code already consumed")

// ListFilter narrows listing queries. Zero value means no filtering.
type ListFilter struct {
	// Search matches against name-like columns (username, client name, role name).
	Search string
	// ActiveOnly restricts results to active records.
	ActiveOnly bool
}

// UserRepository exposes persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
	List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.User, int, error)
	UpdateLastLogin(ctx context.Context, id string) error
	SetPasswordHash(ctx context.Context, id string, passwordHash string) error
	// RecordLoginFailure increments the failure counter and applies the
	// lockout window when the threshold is reached. Returns the new counter.
	RecordLoginFailure(ctx context.Context, id string, threshold int, lockout time.Duration) (int, error)
	// ResetLoginFailures clears the failure counter and lockout window.
	ResetLoginFailures(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// ClientRepository exposes persistence operations for OAuth clients.
type ClientRepository interface {
	Create(ctx context.Context, client *models.Client) error
	GetByID(ctx context.Context, id string) (*models.Client, error)
	GetByClientID(ctx context.Context, clientID string) (*models.Client, error)
	Update(ctx context.Context, client *models.Client) error
	List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.Client, int, error)
	Delete(ctx context.Context, id string) error
}

// ScopeRepository exposes persistence operations for scopes.
type ScopeRepository interface {
	Create(ctx context.Context, scope *models.Scope) error
	GetByName(ctx context.Context, name string) (*models.Scope, error)
	List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.Scope, int, error)
	Update(ctx context.Context, scope *models.Scope) error
}

// RoleRepository exposes persistence operations for roles and assignments.
type RoleRepository interface {
	Create(ctx context.Context, role *models.Role) error
	GetByID(ctx context.Context, id string) (*models.Role, error)
	GetByName(ctx context.Context, name string) (*models.Role, error)
	Update(ctx context.Context, role *models.Role) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.Role, int, error)
	AddPermission(ctx context.Context, roleID, permissionID string) error
	RemovePermission(ctx context.Context, roleID, permissionID string) error
	AssignToUser(ctx context.Context, assignment *models.UserRole) error
	RemoveFromUser(ctx context.Context, userID, roleID string) error
	ListForUser(ctx context.Context, userID string) ([]models.Role, error)
	// ListAssignmentRows projects every live (user id, role name) edge for
	// the enforcement grouping policy.
	ListAssignmentRows(ctx context.Context) ([]AssignmentRow, error)
}

// AssignmentRow is one (user, role) edge of the enforcement policy.
type AssignmentRow struct {
	UserID   string
	RoleName string
}

// PermissionRepository exposes persistence operations for permissions.
type PermissionRepository interface {
	Create(ctx context.Context, perm *models.Permission) error
	GetByID(ctx context.Context, id string) (*models.Permission, error)
	GetByName(ctx context.Context, name string) (*models.Permission, error)
	Update(ctx context.Context, perm *models.Permission) error
	List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.Permission, int, error)
	// ListEffectiveForUser returns the union of active permissions reachable
	// through the user's active, unexpired role assignments, deduplicated by
	// permission id.
	ListEffectiveForUser(ctx context.Context, userID string) ([]models.Permission, error)
	// ListPolicyRows projects the full (role name, permission name) join used
	// to build the enforcement policy.
	ListPolicyRows(ctx context.Context) ([]PolicyRow, error)
}

// PolicyRow is one (role, permission) edge of the enforcement policy.
type PolicyRow struct {
	RoleName       string
	PermissionName string
}

// AuthCodeRepository exposes persistence operations for authorization codes.
type AuthCodeRepository interface {
	Create(ctx context.Context, code *models.AuthorizationCode) error
	// Consume atomically loads the code by hash and marks it consumed in one
	// transaction. A second concurrent call observes ErrAlreadyConsumed.
	// Expired codes fail with ErrNotFound semantics at the caller.
	Consume(ctx context.Context, codeHash string) (*models.AuthorizationCode, error)
	DeleteExpired(ctx context.Context) error
}

// TokenRepository exposes persistence operations for access/refresh token
// records and the JTI blacklist.
type TokenRepository interface {
	CreateAccess(ctx context.Context, token *models.AccessToken) error
	CreateRefresh(ctx context.Context, token *models.RefreshToken) error
	GetAccessByJTI(ctx context.Context, jti string) (*models.AccessToken, error)
	GetRefreshByJTI(ctx context.Context, jti string) (*models.RefreshToken, error)

	// Rotate inserts the replacement refresh token, marks the old one
	// revoked, links newToken.PreviousTokenID to the old JTI, and
	// blacklists the old JTI, all in one transaction.
	Rotate(ctx context.Context, oldJTI string, newToken *models.RefreshToken) error

	// RevokeRefreshCascade blacklists the refresh JTI and all live access
	// tokens sharing its user and client, in one transaction. The access
	// token candidates are fetched with a single select and blacklisted
	// with a bulk insert.
	RevokeRefreshCascade(ctx context.Context, jti string) error

	// RevokeSuccessors revokes and blacklists every refresh token reachable
	// forward along the rotation chain starting at jti, cascading each one.
	// Used for replay detection when a rotated token is presented again.
	RevokeSuccessors(ctx context.Context, jti string) error

	Blacklist(ctx context.Context, jti, tokenType string, expiresAt time.Time) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	PurgeExpired(ctx context.Context) error
}

// ConsentRepository exposes persistence operations for consent grants.
type ConsentRepository interface {
	Get(ctx context.Context, userID, clientID string) (*models.ConsentGrant, error)
	Upsert(ctx context.Context, grant *models.ConsentGrant) error
	Delete(ctx context.Context, userID, clientID string) error
}

// SessionRepository exposes persistence operations for browser sessions.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error)
	Touch(ctx context.Context, id string) error
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}

// CredentialRepository exposes persistence operations for password history,
// reset/verification tokens, and login attempts.
type CredentialRepository interface {
	AddPasswordHistory(ctx context.Context, entry *models.PasswordHistory) error
	// ListPasswordHistory returns the most recent n entries, newest first.
	ListPasswordHistory(ctx context.Context, userID string, n int) ([]models.PasswordHistory, error)
	TrimPasswordHistory(ctx context.Context, userID string, keep int) error

	CreateResetRequest(ctx context.Context, req *models.PasswordResetRequest) error
	// ConsumeResetRequest atomically marks the token used. Fails with
	// ErrNotFound when missing, expired, or already used.
	ConsumeResetRequest(ctx context.Context, tokenHash string) (*models.PasswordResetRequest, error)
	InvalidateResetRequests(ctx context.Context, userID string) error

	CreateEmailVerification(ctx context.Context, req *models.EmailVerificationRequest) error
	ConsumeEmailVerification(ctx context.Context, tokenHash string) (*models.EmailVerificationRequest, error)

	RecordLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error
}

// AuditRepository exposes persistence operations for audit events.
type AuditRepository interface {
	Create(ctx context.Context, event *models.AuditEvent) error
	List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.AuditEvent, int, error)
}
