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

// BunTokenRepository implements TokenRepository using Bun ORM
type BunTokenRepository struct {
	db *bun.DB
}

// NewBunTokenRepository creates a new Bun-based token repository
func NewBunTokenRepository(db *bun.DB) *BunTokenRepository {
	return &BunTokenRepository{db: db}
}

// CreateAccess inserts an access token record
func (r *BunTokenRepository) CreateAccess(ctx context.Context, token *models.AccessToken) error {
	_, err := r.db.NewInsert().
		Model(token).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create access token: %w", err)
	}
	return nil
}

// CreateRefresh inserts a refresh token record
func (r *BunTokenRepository) CreateRefresh(ctx context.Context, token *models.RefreshToken) error {
	_, err := r.db.NewInsert().
		Model(token).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// GetAccessByJTI retrieves an access token record by its JTI
func (r *BunTokenRepository) GetAccessByJTI(ctx context.Context, jti string) (*models.AccessToken, error) {
	token := new(models.AccessToken)
	err := r.db.NewSelect().
		Model(token).
		Where("jti = ?", jti).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("access token %s: %w", jti, ErrNotFound)
		}
		return nil, fmt.Errorf("get access token: %w", err)
	}
	return token, nil
}

// GetRefreshByJTI retrieves a refresh token record by its JTI
func (r *BunTokenRepository) GetRefreshByJTI(ctx context.Context, jti string) (*models.RefreshToken, error) {
	token := new(models.RefreshToken)
	err := r.db.NewSelect().
		Model(token).
		Where("jti = ?", jti).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("refresh token %s: %w", jti, ErrNotFound)
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return token, nil
}

// Rotate performs refresh token rotation in one transaction: the new token
// is inserted with previous_token_id pointing at the old JTI, the old token
// is marked revoked, and the old JTI joins the blacklist for its remaining
// lifetime.
func (r *BunTokenRepository) Rotate(ctx context.Context, oldJTI string, newToken *models.RefreshToken) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		old := new(models.RefreshToken)
		if err := tx.NewSelect().
			Model(old).
			Where("jti = ?", oldJTI).
			Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("refresh token %s: %w", oldJTI, ErrNotFound)
			}
			return fmt.Errorf("load refresh token: %w", err)
		}
		if old.IsRevoked {
			return fmt.Errorf("refresh token %s already revoked", oldJTI)
		}

		now := time.Now()
		if _, err := tx.NewUpdate().
			Model((*models.RefreshToken)(nil)).
			Set("is_revoked = ?", true).
			Set("revoked_at = ?", now).
			Where("jti = ?", oldJTI).
			Exec(ctx); err != nil {
			return fmt.Errorf("revoke old refresh token: %w", err)
		}

		prev := oldJTI
		newToken.PreviousTokenID = &prev
		if _, err := tx.NewInsert().
			Model(newToken).
			Exec(ctx); err != nil {
			return fmt.Errorf("insert rotated refresh token: %w", err)
		}

		entry := &models.TokenBlacklist{
			JTI:       oldJTI,
			TokenType: models.TokenTypeRefresh,
			ExpiresAt: old.ExpiresAt,
		}
		if _, err := tx.NewInsert().
			Model(entry).
			On("CONFLICT DO NOTHING").
			Exec(ctx); err != nil {
			return fmt.Errorf("blacklist old refresh token: %w", err)
		}
		return nil
	})
}

// RevokeRefreshCascade blacklists the refresh JTI and every live access
// token sharing its user and client. One select for candidates, one bulk
// insert into the blacklist; no per-token round trips.
func (r *BunTokenRepository) RevokeRefreshCascade(ctx context.Context, jti string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return revokeRefreshCascadeTx(ctx, tx, jti)
	})
}

func revokeRefreshCascadeTx(ctx context.Context, tx bun.Tx, jti string) error {
	refresh := new(models.RefreshToken)
	if err := tx.NewSelect().
		Model(refresh).
		Where("jti = ?", jti).
		Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("refresh token %s: %w", jti, ErrNotFound)
		}
		return fmt.Errorf("load refresh token: %w", err)
	}

	now := time.Now()
	if _, err := tx.NewUpdate().
		Model((*models.RefreshToken)(nil)).
		Set("is_revoked = ?", true).
		Set("revoked_at = ?", now).
		Where("jti = ?", jti).
		Where("is_revoked = ?", false).
		Exec(ctx); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	entries := []models.TokenBlacklist{{
		JTI:       jti,
		TokenType: models.TokenTypeRefresh,
		ExpiresAt: refresh.ExpiresAt,
	}}

	var candidates []models.AccessToken
	q := tx.NewSelect().
		Model(&candidates).
		Where("client_id = ?", refresh.ClientID).
		Where("expires_at > ?", now)
	if refresh.UserID != nil {
		q = q.Where("user_id = ?", *refresh.UserID)
	} else {
		q = q.Where("user_id IS NULL")
	}
	if err := q.Scan(ctx); err != nil {
		return fmt.Errorf("load cascade candidates: %w", err)
	}

	for _, at := range candidates {
		entries = append(entries, models.TokenBlacklist{
			JTI:       at.JTI,
			TokenType: models.TokenTypeAccess,
			ExpiresAt: at.ExpiresAt,
		})
	}

	if _, err := tx.NewInsert().
		Model(&entries).
		On("CONFLICT DO NOTHING").
		Exec(ctx); err != nil {
		return fmt.Errorf("bulk blacklist tokens: %w", err)
	}
	return nil
}

// RevokeSuccessors walks the rotation chain forward from jti and cascades
// revocation of every descendant. A replayed rotated token therefore takes
// its replacement down with it.
func (r *BunTokenRepository) RevokeSuccessors(ctx context.Context, jti string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current := jti
		for {
			successor := new(models.RefreshToken)
			err := tx.NewSelect().
				Model(successor).
				Where("previous_token_id = ?", current).
				Scan(ctx)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil // end of chain
				}
				return fmt.Errorf("load successor token: %w", err)
			}
			if err := revokeRefreshCascadeTx(ctx, tx, successor.JTI); err != nil {
				return err
			}
			current = successor.JTI
		}
	})
}

// Blacklist adds a JTI to the deny-list
func (r *BunTokenRepository) Blacklist(ctx context.Context, jti, tokenType string, expiresAt time.Time) error {
	entry := &models.TokenBlacklist{
		JTI:       jti,
		TokenType: tokenType,
		ExpiresAt: expiresAt,
	}
	_, err := r.db.NewInsert().
		Model(entry).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}
	return nil
}

// IsBlacklisted checks if a JTI exists in the deny-list
// Uses SELECT EXISTS pattern for efficient boolean check
func (r *BunTokenRepository) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	exists, err := r.db.NewSelect().
		Model((*models.TokenBlacklist)(nil)).
		Where("jti = ?", jti).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return exists, nil
}

// PurgeExpired removes blacklist entries whose underlying tokens have
// expired; they can no longer verify, so the deny-list row is dead weight.
func (r *BunTokenRepository) PurgeExpired(ctx context.Context) error {
	_, err := r.db.NewDelete().
		Model((*models.TokenBlacklist)(nil)).
		Where("expires_at < ?", time.Now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("purge expired blacklist entries: %w", err)
	}
	return nil
}
