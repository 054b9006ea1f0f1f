package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/db/models"
)

// BunConsentRepository implements ConsentRepository using Bun ORM
type BunConsentRepository struct {
	db *bun.DB
}

// NewBunConsentRepository creates a new Bun-based consent repository
func NewBunConsentRepository(db *bun.DB) *BunConsentRepository {
	return &BunConsentRepository{db: db}
}

// Get retrieves the consent grant for a (user, client) pair
func (r *BunConsentRepository) Get(ctx context.Context, userID, clientID string) (*models.ConsentGrant, error) {
	grant := new(models.ConsentGrant)
	err := r.db.NewSelect().
		Model(grant).
		Where("user_id = ?", userID).
		Where("client_id = ?", clientID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("consent grant: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get consent grant: %w", err)
	}
	return grant, nil
}

// Upsert creates or replaces the consent grant for a (user, client) pair
func (r *BunConsentRepository) Upsert(ctx context.Context, grant *models.ConsentGrant) error {
	if grant.ID == "" {
		grant.ID = bunx.NewUUIDv7()
	}
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*models.ConsentGrant)(nil)).
			Where("user_id = ?", grant.UserID).
			Where("client_id = ?", grant.ClientID).
			Exec(ctx); err != nil {
			return fmt.Errorf("replace consent grant: %w", err)
		}
		if _, err := tx.NewInsert().
			Model(grant).
			Exec(ctx); err != nil {
			return fmt.Errorf("insert consent grant: %w", err)
		}
		return nil
	})
}

// Delete removes the consent grant for a (user, client) pair
func (r *BunConsentRepository) Delete(ctx context.Context, userID, clientID string) error {
	_, err := r.db.NewDelete().
		Model((*models.ConsentGrant)(nil)).
		Where("user_id = ?", userID).
		Where("client_id = ?", clientID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete consent grant: %w", err)
	}
	return nil
}
