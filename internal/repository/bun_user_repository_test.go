package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBunUserRepository_UsernameCaseFolding(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBunUserRepository(db)
	ctx := context.Background()

	user := createTestUser(t, db, "Frank")
	assert.Equal(t, "frank", user.Username)

	got, err := repo.GetByUsername(ctx, "FRANK")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestBunUserRepository_LoginFailures(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBunUserRepository(db)
	ctx := context.Background()

	user := createTestUser(t, db, "grace")
	const threshold = 5
	lockout := 15 * time.Minute

	t.Run("failures below threshold do not lock", func(t *testing.T) {
		for i := 1; i < threshold; i++ {
			attempts, err := repo.RecordLoginFailure(ctx, user.ID, threshold, lockout)
			require.NoError(t, err)
			assert.Equal(t, i, attempts)
		}
		got, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.False(t, got.IsLocked(time.Now()))
	})

	t.Run("threshold failure applies the lockout window", func(t *testing.T) {
		attempts, err := repo.RecordLoginFailure(ctx, user.ID, threshold, lockout)
		require.NoError(t, err)
		assert.Equal(t, threshold, attempts)

		got, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, got.IsLocked(time.Now()))
		require.NotNil(t, got.LockedUntil)
		assert.WithinDuration(t, time.Now().Add(lockout), *got.LockedUntil, 5*time.Second)
	})

	t.Run("reset clears counter and lock", func(t *testing.T) {
		require.NoError(t, repo.ResetLoginFailures(ctx, user.ID))

		got, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Zero(t, got.FailedLoginAttempts)
		assert.False(t, got.IsLocked(time.Now()))
	})
}

func TestBunUserRepository_Delete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBunUserRepository(db)
	ctx := context.Background()

	user := createTestUser(t, db, "heidi")
	client := createTestClient(t, db, "cleanup-app")
	createTestRefreshToken(t, db, "rt-heidi", &user.ID, client.ID)

	require.NoError(t, repo.Delete(ctx, user.ID))

	_, err := repo.GetByID(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	tokens := NewBunTokenRepository(db)
	_, err = tokens.GetRefreshByJTI(ctx, "rt-heidi")
	assert.ErrorIs(t, err, ErrNotFound)

	t.Run("deleting a missing user reports not found", func(t *testing.T) {
		err := repo.Delete(ctx, user.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
