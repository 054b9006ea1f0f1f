package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/migrations"
)

// setupTestDB creates an in-memory SQLite database with the full schema
// applied. Each test gets its own database.
func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)

	return db
}

// createTestUser inserts a user fixture and returns it.
func createTestUser(t *testing.T, db *bun.DB, username string) *models.User {
	t.Helper()

	user := &models.User{
		ID:           bunx.NewUUIDv7(),
		Username:     username,
		PasswordHash: "$2a$12$fixturefixturefixturefixturefixturefixturefixture",
		IsActive:     true,
	}
	repo := NewBunUserRepository(db)
	require.NoError(t, repo.Create(context.Background(), user))
	return user
}

// createTestClient inserts a confidential client fixture and returns it.
func createTestClient(t *testing.T, db *bun.DB, clientID string) *models.Client {
	t.Helper()

	secretHash := "$2a$12$fixturefixturefixturefixturefixturefixturefixture"
	client := &models.Client{
		ID:                        bunx.NewUUIDv7(),
		ClientID:                  clientID,
		ClientSecretHash:          &secretHash,
		Name:                      "Test Client " + clientID,
		Type:                      models.ClientTypeConfidential,
		RedirectURIs:              models.StringList{"https://app.example.com/callback"},
		AllowedScopes:             models.StringList{"openid", "profile", "email", "offline_access"},
		GrantTypes:                models.StringList{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes:             models.StringList{"code"},
		TokenEndpointAuthMethod:   models.AuthMethodBasic,
		RequirePKCE:               true,
		RequireConsent:            true,
		AllowRefreshTokens:        true,
		AccessTokenTTL:            3600,
		RefreshTokenTTL:           86400 * 30,
		AuthorizationCodeLifetime: 600,
		IsActive:                  true,
	}
	repo := NewBunClientRepository(db)
	require.NoError(t, repo.Create(context.Background(), client))
	return client
}

// createTestRefreshToken inserts a refresh token fixture.
func createTestRefreshToken(t *testing.T, db *bun.DB, jti string, userID *string, clientID string) *models.RefreshToken {
	t.Helper()

	token := &models.RefreshToken{
		JTI:       jti,
		TokenHash: "hash-" + jti,
		UserID:    userID,
		ClientID:  clientID,
		Scope:     "openid profile offline_access",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	repo := NewBunTokenRepository(db)
	require.NoError(t, repo.CreateRefresh(context.Background(), token))
	return token
}
