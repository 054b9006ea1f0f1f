package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Audit actions emitted by the protocol engines and admin handlers.
const (
	AuditAuthorize     = "AUTHORIZE"
	AuditTokenIssue    = "TOKEN_ISSUE"
	AuditTokenRefresh  = "TOKEN_REFRESH"
	AuditTokenRevoke   = "TOKEN_REVOKE"
	AuditIntrospect    = "INTROSPECT"
	AuditLogin         = "LOGIN"
	AuditLogout        = "LOGOUT"
	AuditConsent       = "CONSENT"
	AuditPasswordReset = "PASSWORD_RESET"
	AuditEmailVerify   = "EMAIL_VERIFY"
	AuditAuthzDeny     = "AUTHZ_DENY"
	AuditAdminMutation = "ADMIN_MUTATION"
)

// AuditEvent is an append-only structured audit record.
// Metadata must never contain passwords or raw tokens.
type AuditEvent struct {
	bun.BaseModel `bun:"table:audit_events,alias:ae"`

	ID        string    `bun:"id,pk,type:uuid"`
	Action    string    `bun:"action,notnull"`
	ActorID   *string   `bun:"actor_id"` // user or client identifier
	Resource  string    `bun:"resource"`
	Success   bool      `bun:"success,notnull"`
	IPAddress string    `bun:"ip_address"`
	UserAgent string    `bun:"user_agent"`
	Metadata  Metadata  `bun:"metadata"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
