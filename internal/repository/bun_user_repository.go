package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/keygate/keygate/internal/db/models"
)

// BunUserRepository implements UserRepository using Bun ORM
type BunUserRepository struct {
	db *bun.DB
}

// NewBunUserRepository creates a new Bun-based user repository
func NewBunUserRepository(db *bun.DB) *BunUserRepository {
	return &BunUserRepository{db: db}
}

// Create inserts a new user into the database
func (r *BunUserRepository) Create(ctx context.Context, user *models.User) error {
	user.Username = strings.ToLower(user.Username)
	_, err := r.db.NewInsert().
		Model(user).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by their ID
func (r *BunUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get user by ID: %w", err)
	}
	return user, nil
}

// GetByUsername retrieves a user by their case-folded username
func (r *BunUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("username = ?", strings.ToLower(username)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by their email (case-insensitive)
func (r *BunUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("lower(email) = ?", strings.ToLower(email)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user with email %s: %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

// Update updates an existing user
func (r *BunUserRepository) Update(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now()
	result, err := r.db.NewUpdate().
		Model(user).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("user %s: %w", user.ID, ErrNotFound)
	}

	return nil
}

// List retrieves users with pagination and a total count
func (r *BunUserRepository) List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.User, int, error) {
	var users []models.User
	q := r.db.NewSelect().Model(&users)
	if filter.Search != "" {
		q = q.Where("username LIKE ?", "%"+strings.ToLower(filter.Search)+"%")
	}
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	total, err := q.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	return users, total, nil
}

// UpdateLastLogin updates the last_login_at timestamp for a user
func (r *BunUserRepository) UpdateLastLogin(ctx context.Context, id string) error {
	now := time.Now()
	_, err := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("last_login_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// SetPasswordHash updates the stored bcrypt hash for a user's credentials.
func (r *BunUserRepository) SetPasswordHash(ctx context.Context, id string, passwordHash string) error {
	_, err := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("password_hash = ?", passwordHash).
		Set("must_change_password = ?", false).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set password hash: %w", err)
	}
	return nil
}

// RecordLoginFailure increments failed_login_attempts and sets the lockout
// window when the counter reaches the threshold. Runs in one transaction so
// concurrent failures cannot skip the lockout.
func (r *BunUserRepository) RecordLoginFailure(ctx context.Context, id string, threshold int, lockout time.Duration) (int, error) {
	var attempts int
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user := new(models.User)
		if err := tx.NewSelect().Model(user).Where("id = ?", id).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("user %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("load user: %w", err)
		}

		attempts = user.FailedLoginAttempts + 1
		q := tx.NewUpdate().
			Model((*models.User)(nil)).
			Set("failed_login_attempts = ?", attempts).
			Set("updated_at = ?", time.Now()).
			Where("id = ?", id)
		if attempts >= threshold {
			q = q.Set("locked_until = ?", time.Now().Add(lockout))
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("record login failure: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// ResetLoginFailures clears the failure counter and lockout window
func (r *BunUserRepository) ResetLoginFailures(ctx context.Context, id string) error {
	_, err := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("failed_login_attempts = ?", 0).
		Set("locked_until = ?", nil).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("reset login failures: %w", err)
	}
	return nil
}

// Delete removes a user and cascades to dependent records
func (r *BunUserRepository) Delete(ctx context.Context, id string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Dependent records first; FK constraints are not relied on for
		// cascade because SQLite deployments may predate them.
		dependents := []struct {
			model any
			where string
		}{
			{(*models.Session)(nil), "user_id = ?"},
			{(*models.PasswordHistory)(nil), "user_id = ?"},
			{(*models.PasswordResetRequest)(nil), "user_id = ?"},
			{(*models.EmailVerificationRequest)(nil), "user_id = ?"},
			{(*models.UserRole)(nil), "user_id = ?"},
			{(*models.ConsentGrant)(nil), "user_id = ?"},
			{(*models.AccessToken)(nil), "user_id = ?"},
			{(*models.RefreshToken)(nil), "user_id = ?"},
			{(*models.LoginAttempt)(nil), "user_id = ?"},
		}
		for _, d := range dependents {
			if _, err := tx.NewDelete().Model(d.model).Where(d.where, id).Exec(ctx); err != nil {
				return fmt.Errorf("delete user dependents (%T): %w", d.model, err)
			}
		}

		result, err := tx.NewDelete().
			Model((*models.User)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
