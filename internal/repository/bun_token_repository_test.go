package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/db/models"
)

func TestBunTokenRepository_Rotate(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "bob")
	client := createTestClient(t, db, "rotator")

	repo := NewBunTokenRepository(db)
	ctx := context.Background()

	old := createTestRefreshToken(t, db, "rt-old", &user.ID, client.ID)

	replacement := &models.RefreshToken{
		JTI:       "rt-new",
		TokenHash: "hash-rt-new",
		UserID:    &user.ID,
		ClientID:  client.ID,
		Scope:     old.Scope,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, repo.Rotate(ctx, old.JTI, replacement))

	t.Run("old token is revoked and blacklisted", func(t *testing.T) {
		got, err := repo.GetRefreshByJTI(ctx, "rt-old")
		require.NoError(t, err)
		assert.True(t, got.IsRevoked)
		assert.NotNil(t, got.RevokedAt)

		listed, err := repo.IsBlacklisted(ctx, "rt-old")
		require.NoError(t, err)
		assert.True(t, listed)
	})

	t.Run("new token links back to the old one", func(t *testing.T) {
		got, err := repo.GetRefreshByJTI(ctx, "rt-new")
		require.NoError(t, err)
		assert.False(t, got.IsRevoked)
		require.NotNil(t, got.PreviousTokenID)
		assert.Equal(t, "rt-old", *got.PreviousTokenID)

		listed, err := repo.IsBlacklisted(ctx, "rt-new")
		require.NoError(t, err)
		assert.False(t, listed)
	})

	t.Run("rotating an already revoked token fails", func(t *testing.T) {
		again := &models.RefreshToken{
			JTI:       "rt-again",
			TokenHash: "hash-rt-again",
			UserID:    &user.ID,
			ClientID:  client.ID,
			Scope:     old.Scope,
			ExpiresAt: time.Now().Add(24 * time.Hour),
		}
		err := repo.Rotate(ctx, "rt-old", again)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already revoked")
	})
}

func TestBunTokenRepository_RevokeRefreshCascade(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "carol")
	other := createTestUser(t, db, "dave")
	client := createTestClient(t, db, "cascade-app")

	repo := NewBunTokenRepository(db)
	ctx := context.Background()

	refresh := createTestRefreshToken(t, db, "rt-cascade", &user.ID, client.ID)

	mkAccess := func(jti string, userID *string, expiresAt time.Time) {
		require.NoError(t, repo.CreateAccess(ctx, &models.AccessToken{
			JTI:       jti,
			TokenHash: "hash-" + jti,
			UserID:    userID,
			ClientID:  client.ID,
			Scope:     "openid",
			ExpiresAt: expiresAt,
		}))
	}
	mkAccess("at-live-1", &user.ID, time.Now().Add(time.Hour))
	mkAccess("at-live-2", &user.ID, time.Now().Add(time.Hour))
	mkAccess("at-expired", &user.ID, time.Now().Add(-time.Minute))
	mkAccess("at-other-user", &other.ID, time.Now().Add(time.Hour))

	require.NoError(t, repo.RevokeRefreshCascade(ctx, refresh.JTI))

	got, err := repo.GetRefreshByJTI(ctx, refresh.JTI)
	require.NoError(t, err)
	assert.True(t, got.IsRevoked)

	for jti, want := range map[string]bool{
		"rt-cascade":    true,
		"at-live-1":     true,
		"at-live-2":     true,
		"at-expired":    false, // past expiry, nothing to deny
		"at-other-user": false, // different subject
	} {
		listed, err := repo.IsBlacklisted(ctx, jti)
		require.NoError(t, err)
		assert.Equal(t, want, listed, "jti %s", jti)
	}

	t.Run("cascade is idempotent per jti", func(t *testing.T) {
		// Already revoked: the conditional update matches nothing and the
		// blacklist insert is ON CONFLICT DO NOTHING.
		require.NoError(t, repo.RevokeRefreshCascade(ctx, refresh.JTI))
	})
}

func TestBunTokenRepository_RevokeSuccessors(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "erin")
	client := createTestClient(t, db, "replay-app")

	repo := NewBunTokenRepository(db)
	ctx := context.Background()

	// Build a rotation chain rt-1 -> rt-2 -> rt-3.
	createTestRefreshToken(t, db, "rt-1", &user.ID, client.ID)
	for _, step := range []struct{ old, new string }{
		{"rt-1", "rt-2"},
		{"rt-2", "rt-3"},
	} {
		next := &models.RefreshToken{
			JTI:       step.new,
			TokenHash: "hash-" + step.new,
			UserID:    &user.ID,
			ClientID:  client.ID,
			Scope:     "openid offline_access",
			ExpiresAt: time.Now().Add(24 * time.Hour),
		}
		require.NoError(t, repo.Rotate(ctx, step.old, next))
	}

	// Replaying rt-1 must take down rt-2 and rt-3.
	require.NoError(t, repo.RevokeSuccessors(ctx, "rt-1"))

	for _, jti := range []string{"rt-2", "rt-3"} {
		got, err := repo.GetRefreshByJTI(ctx, jti)
		require.NoError(t, err)
		assert.True(t, got.IsRevoked, "jti %s", jti)

		listed, err := repo.IsBlacklisted(ctx, jti)
		require.NoError(t, err)
		assert.True(t, listed, "jti %s", jti)
	}
}

func TestBunTokenRepository_PurgeExpired(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBunTokenRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Blacklist(ctx, "jti-dead", models.TokenTypeAccess, time.Now().Add(-time.Hour)))
	require.NoError(t, repo.Blacklist(ctx, "jti-live", models.TokenTypeAccess, time.Now().Add(time.Hour)))

	require.NoError(t, repo.PurgeExpired(ctx))

	dead, err := repo.IsBlacklisted(ctx, "jti-dead")
	require.NoError(t, err)
	assert.False(t, dead)

	live, err := repo.IsBlacklisted(ctx, "jti-live")
	require.NoError(t, err)
	assert.True(t, live)
}
