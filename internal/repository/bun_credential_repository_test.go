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

func TestBunCredentialRepository_ResetRequests(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "judy")

	repo := NewBunCredentialRepository(db)
	ctx := context.Background()

	newRequest := func(hash string, ttl time.Duration) *models.PasswordResetRequest {
		return &models.PasswordResetRequest{
			ID:        bunx.NewUUIDv7(),
			TokenHash: hash,
			UserID:    user.ID,
			ExpiresAt: time.Now().Add(ttl),
		}
	}

	t.Run("consume succeeds exactly once", func(t *testing.T) {
		require.NoError(t, repo.CreateResetRequest(ctx, newRequest("reset-once", time.Hour)))

		got, err := repo.ConsumeResetRequest(ctx, "reset-once")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.UserID)
		assert.True(t, got.IsUsed)

		_, err = repo.ConsumeResetRequest(ctx, "reset-once")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired token cannot be consumed", func(t *testing.T) {
		require.NoError(t, repo.CreateResetRequest(ctx, newRequest("reset-expired", -time.Minute)))

		_, err := repo.ConsumeResetRequest(ctx, "reset-expired")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalidate kills earlier outstanding tokens", func(t *testing.T) {
		require.NoError(t, repo.CreateResetRequest(ctx, newRequest("reset-stale", time.Hour)))
		require.NoError(t, repo.InvalidateResetRequests(ctx, user.ID))
		require.NoError(t, repo.CreateResetRequest(ctx, newRequest("reset-fresh", time.Hour)))

		_, err := repo.ConsumeResetRequest(ctx, "reset-stale")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = repo.ConsumeResetRequest(ctx, "reset-fresh")
		assert.NoError(t, err)
	})
}

func TestBunCredentialRepository_EmailVerification(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "kevin")

	repo := NewBunCredentialRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.CreateEmailVerification(ctx, &models.EmailVerificationRequest{
		ID:        bunx.NewUUIDv7(),
		TokenHash: "verify-kevin",
		UserID:    user.ID,
		Email:     "kevin@example.com",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}))

	got, err := repo.ConsumeEmailVerification(ctx, "verify-kevin")
	require.NoError(t, err)
	assert.Equal(t, "kevin@example.com", got.Email)

	_, err = repo.ConsumeEmailVerification(ctx, "verify-kevin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBunCredentialRepository_PasswordHistory(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "laura")

	repo := NewBunCredentialRepository(db)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, repo.AddPasswordHistory(ctx, &models.PasswordHistory{
			ID:           bunx.NewUUIDv7(),
			UserID:       user.ID,
			PasswordHash: "hash-" + string(rune('a'+i)),
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := repo.ListPasswordHistory(ctx, user.ID, 5)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "hash-h", entries[0].PasswordHash, "newest entry first")

	require.NoError(t, repo.TrimPasswordHistory(ctx, user.ID, 5))

	entries, err = repo.ListPasswordHistory(ctx, user.ID, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}
