package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/keygate/keygate/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20250801000001, down_20250801000001)
}

// initSchemaModels lists every table in dependency order. Creation walks the
// slice forward, teardown walks it backward.
var initSchemaModels = []any{
	(*models.User)(nil),
	(*models.Session)(nil),
	(*models.PasswordHistory)(nil),
	(*models.PasswordResetRequest)(nil),
	(*models.EmailVerificationRequest)(nil),
	(*models.LoginAttempt)(nil),
	(*models.Client)(nil),
	(*models.Scope)(nil),
	(*models.ConsentGrant)(nil),
	(*models.Role)(nil),
	(*models.Permission)(nil),
	(*models.RolePermission)(nil),
	(*models.UserRole)(nil),
	(*models.AuthorizationCode)(nil),
	(*models.AccessToken)(nil),
	(*models.RefreshToken)(nil),
	(*models.TokenBlacklist)(nil),
	(*models.AuditEvent)(nil),
}

// up_20250801000001 creates the full authorization server schema
func up_20250801000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating base schema...")

	for _, model := range initSchemaModels {
		if _, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}

	indexes := []string{
		// Expiry-scan indexes for blacklist purge and token cleanup
		`CREATE INDEX IF NOT EXISTS idx_token_blacklist_expires ON token_blacklist(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_access_tokens_expires ON access_tokens(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON refresh_tokens(expires_at)`,
		// Cascade revocation fetches live access tokens by (user, client)
		`CREATE INDEX IF NOT EXISTS idx_access_tokens_user_client ON access_tokens(user_id, client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_previous ON refresh_tokens(previous_token_id)`,
		// Effective-permission join entry points
		`CREATE INDEX IF NOT EXISTS idx_user_roles_user ON user_roles(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_role_permissions_role ON role_permissions(role_id)`,
		// Consent lookup during authorize
		`CREATE INDEX IF NOT EXISTS idx_consent_grants_user_client ON consent_grants(user_id, client_id)`,
		// Lockout window queries
		`CREATE INDEX IF NOT EXISTS idx_login_attempts_username ON login_attempts(username, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created ON audit_events(created_at)`,
	}
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	fmt.Println(" OK")
	return nil
}

// down_20250801000001 drops the full schema
func down_20250801000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping base schema...")

	for i := len(initSchemaModels) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().
			Model(initSchemaModels[i]).
			IfExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop table for %T: %w", initSchemaModels[i], err)
		}
	}

	fmt.Println(" OK")
	return nil
}
