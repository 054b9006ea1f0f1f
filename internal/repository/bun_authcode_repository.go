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

// BunAuthCodeRepository implements AuthCodeRepository using Bun ORM
type BunAuthCodeRepository struct {
	db *bun.DB
}

// NewBunAuthCodeRepository creates a new Bun-based authorization code repository
func NewBunAuthCodeRepository(db *bun.DB) *BunAuthCodeRepository {
	return &BunAuthCodeRepository{db: db}
}

// Create inserts a new authorization code record
func (r *BunAuthCodeRepository) Create(ctx context.Context, code *models.AuthorizationCode) error {
	_, err := r.db.NewInsert().
		Model(code).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create authorization code: %w", err)
	}
	return nil
}

// Consume atomically marks the code consumed and returns it. The conditional
// update is the serialization point: of two concurrent redemptions, exactly
// one observes rows_affected=1; the loser gets ErrAlreadyConsumed.
func (r *BunAuthCodeRepository) Consume(ctx context.Context, codeHash string) (*models.AuthorizationCode, error) {
	code := new(models.AuthorizationCode)
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*models.AuthorizationCode)(nil)).
			Set("consumed_at = ?", time.Now()).
			Where("code_hash = ?", codeHash).
			Where("consumed_at IS NULL").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("mark code consumed: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			// Either the code never existed or it was already redeemed.
			exists, err := tx.NewSelect().
				Model((*models.AuthorizationCode)(nil)).
				Where("code_hash = ?", codeHash).
				Exists(ctx)
			if err != nil {
				return fmt.Errorf("check code existence: %w", err)
			}
			if exists {
				return ErrAlreadyConsumed
			}
			return fmt.Errorf("authorization code: %w", ErrNotFound)
		}

		if err := tx.NewSelect().
			Model(code).
			Where("code_hash = ?", codeHash).
			Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("authorization code: %w", ErrNotFound)
			}
			return fmt.Errorf("load consumed code: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return code, nil
}

// DeleteExpired removes codes past their expiry for table hygiene
func (r *BunAuthCodeRepository) DeleteExpired(ctx context.Context) error {
	_, err := r.db.NewDelete().
		Model((*models.AuthorizationCode)(nil)).
		Where("expires_at < ?", time.Now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete expired codes: %w", err)
	}
	return nil
}
