package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/keygate/keygate/internal/db/models"
)

// BunCredentialRepository implements CredentialRepository using Bun ORM
type BunCredentialRepository struct {
	db *bun.DB
}

// NewBunCredentialRepository creates a new Bun-based credential repository
func NewBunCredentialRepository(db *bun.DB) *BunCredentialRepository {
	return &BunCredentialRepository{db: db}
}

// AddPasswordHistory appends a password hash to the user's history
func (r *BunCredentialRepository) AddPasswordHistory(ctx context.Context, entry *models.PasswordHistory) error {
	_, err := r.db.NewInsert().
		Model(entry).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("add password history: %w", err)
	}
	return nil
}

// ListPasswordHistory returns the most recent n entries, newest first
func (r *BunCredentialRepository) ListPasswordHistory(ctx context.Context, userID string, n int) ([]models.PasswordHistory, error) {
	var entries []models.PasswordHistory
	err := r.db.NewSelect().
		Model(&entries).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(n).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list password history: %w", err)
	}
	return entries, nil
}

// TrimPasswordHistory deletes all but the newest keep entries for a user
func (r *BunCredentialRepository) TrimPasswordHistory(ctx context.Context, userID string, keep int) error {
	var keepIDs []string
	err := r.db.NewSelect().
		Model((*models.PasswordHistory)(nil)).
		Column("id").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(keep).
		Scan(ctx, &keepIDs)
	if err != nil {
		return fmt.Errorf("select history to keep: %w", err)
	}
	q := r.db.NewDelete().
		Model((*models.PasswordHistory)(nil)).
		Where("user_id = ?", userID)
	if len(keepIDs) > 0 {
		q = q.Where("id NOT IN (?)", bun.In(keepIDs))
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("trim password history: %w", err)
	}
	return nil
}

// CreateResetRequest inserts a password reset request
func (r *BunCredentialRepository) CreateResetRequest(ctx context.Context, req *models.PasswordResetRequest) error {
	_, err := r.db.NewInsert().
		Model(req).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create reset request: %w", err)
	}
	return nil
}

// ConsumeResetRequest atomically marks a reset token used and returns it.
// The conditional update is the serialization point: missing, expired, and
// already-used tokens all surface as ErrNotFound so callers cannot tell the
// cases apart.
func (r *BunCredentialRepository) ConsumeResetRequest(ctx context.Context, tokenHash string) (*models.PasswordResetRequest, error) {
	req := new(models.PasswordResetRequest)
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*models.PasswordResetRequest)(nil)).
			Set("is_used = ?", true).
			Where("token_hash = ?", tokenHash).
			Where("is_used = ?", false).
			Where("expires_at > ?", time.Now()).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("mark reset request used: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("reset request: %w", ErrNotFound)
		}

		if err := tx.NewSelect().
			Model(req).
			Where("token_hash = ?", tokenHash).
			Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("reset request: %w", ErrNotFound)
			}
			return fmt.Errorf("load consumed reset request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// InvalidateResetRequests marks every unused reset token of a user as used,
// so only the latest issued token can ever succeed
func (r *BunCredentialRepository) InvalidateResetRequests(ctx context.Context, userID string) error {
	_, err := r.db.NewUpdate().
		Model((*models.PasswordResetRequest)(nil)).
		Set("is_used = ?", true).
		Where("user_id = ?", userID).
		Where("is_used = ?", false).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("invalidate reset requests: %w", err)
	}
	return nil
}

// CreateEmailVerification inserts an email verification request
func (r *BunCredentialRepository) CreateEmailVerification(ctx context.Context, req *models.EmailVerificationRequest) error {
	_, err := r.db.NewInsert().
		Model(req).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create email verification: %w", err)
	}
	return nil
}

// ConsumeEmailVerification atomically marks a verification token used and
// returns it. Same single-use discipline as ConsumeResetRequest.
func (r *BunCredentialRepository) ConsumeEmailVerification(ctx context.Context, tokenHash string) (*models.EmailVerificationRequest, error) {
	req := new(models.EmailVerificationRequest)
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*models.EmailVerificationRequest)(nil)).
			Set("is_used = ?", true).
			Where("token_hash = ?", tokenHash).
			Where("is_used = ?", false).
			Where("expires_at > ?", time.Now()).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("mark verification used: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("email verification: %w", ErrNotFound)
		}

		if err := tx.NewSelect().
			Model(req).
			Where("token_hash = ?", tokenHash).
			Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("email verification: %w", ErrNotFound)
			}
			return fmt.Errorf("load consumed verification: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// RecordLoginAttempt appends an authentication attempt record
func (r *BunCredentialRepository) RecordLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	_, err := r.db.NewInsert().
		Model(attempt).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}
