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

// BunClientRepository implements ClientRepository using Bun ORM
type BunClientRepository struct {
	db *bun.DB
}

// NewBunClientRepository creates a new Bun-based client repository
func NewBunClientRepository(db *bun.DB) *BunClientRepository {
	return &BunClientRepository{db: db}
}

// Create inserts a new client into the database
func (r *BunClientRepository) Create(ctx context.Context, client *models.Client) error {
	if client.Type == models.ClientTypePublic {
		// Public clients never hold a secret and must do PKCE
		if client.ClientSecretHash != nil {
			return fmt.Errorf("public client must not have a secret")
		}
		if client.TokenEndpointAuthMethod != models.AuthMethodNone {
			return fmt.Errorf("public client must use token_endpoint_auth_method=none")
		}
		client.RequirePKCE = true
	}
	_, err := r.db.NewInsert().
		Model(client).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

// GetByID retrieves a client by its database ID
func (r *BunClientRepository) GetByID(ctx context.Context, id string) (*models.Client, error) {
	client := new(models.Client)
	err := r.db.NewSelect().
		Model(client).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get client by ID: %w", err)
	}
	return client, nil
}

// GetByClientID retrieves a client by its public client_id
func (r *BunClientRepository) GetByClientID(ctx context.Context, clientID string) (*models.Client, error) {
	client := new(models.Client)
	err := r.db.NewSelect().
		Model(client).
		Where("client_id = ?", clientID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("client %s: %w", clientID, ErrNotFound)
		}
		return nil, fmt.Errorf("get client by client_id: %w", err)
	}
	return client, nil
}

// Update updates an existing client
func (r *BunClientRepository) Update(ctx context.Context, client *models.Client) error {
	client.UpdatedAt = time.Now()
	result, err := r.db.NewUpdate().
		Model(client).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("client %s: %w", client.ID, ErrNotFound)
	}
	return nil
}

// List retrieves clients with pagination and a total count
func (r *BunClientRepository) List(ctx context.Context, limit, offset int, filter ListFilter) ([]models.Client, int, error) {
	var clients []models.Client
	q := r.db.NewSelect().Model(&clients)
	if filter.Search != "" {
		q = q.Where("name LIKE ?", "%"+strings.ToLower(filter.Search)+"%")
	}
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	total, err := q.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list clients: %w", err)
	}
	return clients, total, nil
}

// Delete removes a client. Fails when non-revoked refresh tokens remain.
func (r *BunClientRepository) Delete(ctx context.Context, id string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		outstanding, err := tx.NewSelect().
			Model((*models.RefreshToken)(nil)).
			Where("client_id = ?", id).
			Where("is_revoked = ?", false).
			Where("expires_at > ?", time.Now()).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("check outstanding tokens: %w", err)
		}
		if outstanding {
			return fmt.Errorf("client %s has outstanding refresh tokens", id)
		}

		result, err := tx.NewDelete().
			Model((*models.Client)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete client: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("client %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
