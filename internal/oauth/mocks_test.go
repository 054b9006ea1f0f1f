package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/repository"
)

// In-memory fakes of the repository ports. They keep the same atomicity
// guarantees the Bun implementations provide, minus real transactions.

type fakeUserRepo struct {
	users map[string]*models.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*models.User)}
}

func (f *fakeUserRepo) Create(_ context.Context, user *models.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeUserRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, repository.ErrNotFound)
	}
	return user, nil
}

func (f *fakeUserRepo) GetByUsername(_ context.Context, username string) (*models.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", username, repository.ErrNotFound)
}

func (f *fakeUserRepo) GetByEmail(_ context.Context, email string) (*models.User, error) {
	for _, u := range f.users {
		if u.Email != nil && *u.Email == email {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user with email %s: %w", email, repository.ErrNotFound)
}

func (f *fakeUserRepo) Update(_ context.Context, user *models.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeUserRepo) List(context.Context, int, int, repository.ListFilter) ([]models.User, int, error) {
	return nil, 0, nil
}

func (f *fakeUserRepo) UpdateLastLogin(context.Context, string) error { return nil }

func (f *fakeUserRepo) SetPasswordHash(_ context.Context, id, hash string) error {
	if u, ok := f.users[id]; ok {
		u.PasswordHash = hash
	}
	return nil
}

func (f *fakeUserRepo) RecordLoginFailure(_ context.Context, id string, threshold int, lockout time.Duration) (int, error) {
	u, ok := f.users[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= threshold {
		until := time.Now().Add(lockout)
		u.LockedUntil = &until
	}
	return u.FailedLoginAttempts, nil
}

func (f *fakeUserRepo) ResetLoginFailures(_ context.Context, id string) error {
	if u, ok := f.users[id]; ok {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	}
	return nil
}

func (f *fakeUserRepo) Delete(_ context.Context, id string) error {
	delete(f.users, id)
	return nil
}

type fakeClientRepo struct {
	clients map[string]*models.Client // keyed by public client_id
}

func newFakeClientRepo() *fakeClientRepo {
	return &fakeClientRepo{clients: make(map[string]*models.Client)}
}

func (f *fakeClientRepo) Create(_ context.Context, client *models.Client) error {
	f.clients[client.ClientID] = client
	return nil
}

func (f *fakeClientRepo) GetByID(_ context.Context, id string) (*models.Client, error) {
	for _, c := range f.clients {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("client %s: %w", id, repository.ErrNotFound)
}

func (f *fakeClientRepo) GetByClientID(_ context.Context, clientID string) (*models.Client, error) {
	c, ok := f.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, repository.ErrNotFound)
	}
	return c, nil
}

func (f *fakeClientRepo) Update(_ context.Context, client *models.Client) error {
	f.clients[client.ClientID] = client
	return nil
}

func (f *fakeClientRepo) List(context.Context, int, int, repository.ListFilter) ([]models.Client, int, error) {
	return nil, 0, nil
}

func (f *fakeClientRepo) Delete(context.Context, string) error { return nil }

type fakeCodeRepo struct {
	codes map[string]*models.AuthorizationCode // keyed by code hash
}

func newFakeCodeRepo() *fakeCodeRepo {
	return &fakeCodeRepo{codes: make(map[string]*models.AuthorizationCode)}
}

func (f *fakeCodeRepo) Create(_ context.Context, code *models.AuthorizationCode) error {
	f.codes[code.CodeHash] = code
	return nil
}

func (f *fakeCodeRepo) Consume(_ context.Context, codeHash string) (*models.AuthorizationCode, error) {
	code, ok := f.codes[codeHash]
	if !ok {
		return nil, fmt.Errorf("authorization code: %w", repository.ErrNotFound)
	}
	if code.ConsumedAt != nil {
		return nil, repository.ErrAlreadyConsumed
	}
	now := time.Now()
	code.ConsumedAt = &now
	return code, nil
}

func (f *fakeCodeRepo) DeleteExpired(context.Context) error { return nil }

type fakeTokenRepo struct {
	access    map[string]*models.AccessToken
	refresh   map[string]*models.RefreshToken
	blacklist map[string]bool
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{
		access:    make(map[string]*models.AccessToken),
		refresh:   make(map[string]*models.RefreshToken),
		blacklist: make(map[string]bool),
	}
}

func (f *fakeTokenRepo) CreateAccess(_ context.Context, t *models.AccessToken) error {
	f.access[t.JTI] = t
	return nil
}

func (f *fakeTokenRepo) CreateRefresh(_ context.Context, t *models.RefreshToken) error {
	f.refresh[t.JTI] = t
	return nil
}

func (f *fakeTokenRepo) GetAccessByJTI(_ context.Context, jti string) (*models.AccessToken, error) {
	t, ok := f.access[jti]
	if !ok {
		return nil, fmt.Errorf("access token %s: %w", jti, repository.ErrNotFound)
	}
	return t, nil
}

func (f *fakeTokenRepo) GetRefreshByJTI(_ context.Context, jti string) (*models.RefreshToken, error) {
	t, ok := f.refresh[jti]
	if !ok {
		return nil, fmt.Errorf("refresh token %s: %w", jti, repository.ErrNotFound)
	}
	return t, nil
}

func (f *fakeTokenRepo) Rotate(_ context.Context, oldJTI string, newToken *models.RefreshToken) error {
	old, ok := f.refresh[oldJTI]
	if !ok {
		return fmt.Errorf("refresh token %s: %w", oldJTI, repository.ErrNotFound)
	}
	if old.IsRevoked {
		return fmt.Errorf("refresh token %s already revoked", oldJTI)
	}
	now := time.Now()
	old.IsRevoked = true
	old.RevokedAt = &now
	prev := oldJTI
	newToken.PreviousTokenID = &prev
	f.refresh[newToken.JTI] = newToken
	f.blacklist[oldJTI] = true
	return nil
}

func (f *fakeTokenRepo) RevokeRefreshCascade(_ context.Context, jti string) error {
	rt, ok := f.refresh[jti]
	if !ok {
		return fmt.Errorf("refresh token %s: %w", jti, repository.ErrNotFound)
	}
	now := time.Now()
	rt.IsRevoked = true
	rt.RevokedAt = &now
	f.blacklist[jti] = true
	for _, at := range f.access {
		if at.ClientID != rt.ClientID || !at.ExpiresAt.After(now) {
			continue
		}
		if (at.UserID == nil) != (rt.UserID == nil) {
			continue
		}
		if at.UserID != nil && *at.UserID != *rt.UserID {
			continue
		}
		f.blacklist[at.JTI] = true
	}
	return nil
}

func (f *fakeTokenRepo) RevokeSuccessors(ctx context.Context, jti string) error {
	current := jti
	for {
		var successor *models.RefreshToken
		for _, rt := range f.refresh {
			if rt.PreviousTokenID != nil && *rt.PreviousTokenID == current {
				successor = rt
				break
			}
		}
		if successor == nil {
			return nil
		}
		if err := f.RevokeRefreshCascade(ctx, successor.JTI); err != nil {
			return err
		}
		current = successor.JTI
	}
}

func (f *fakeTokenRepo) Blacklist(_ context.Context, jti, _ string, _ time.Time) error {
	f.blacklist[jti] = true
	return nil
}

func (f *fakeTokenRepo) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	return f.blacklist[jti], nil
}

func (f *fakeTokenRepo) PurgeExpired(context.Context) error { return nil }

type fakeConsentRepo struct {
	grants map[string]*models.ConsentGrant // keyed by userID+"/"+clientID
}

func newFakeConsentRepo() *fakeConsentRepo {
	return &fakeConsentRepo{grants: make(map[string]*models.ConsentGrant)}
}

func (f *fakeConsentRepo) Get(_ context.Context, userID, clientID string) (*models.ConsentGrant, error) {
	g, ok := f.grants[userID+"/"+clientID]
	if !ok {
		return nil, fmt.Errorf("consent grant: %w", repository.ErrNotFound)
	}
	return g, nil
}

func (f *fakeConsentRepo) Upsert(_ context.Context, grant *models.ConsentGrant) error {
	f.grants[grant.UserID+"/"+grant.ClientID] = grant
	return nil
}

func (f *fakeConsentRepo) Delete(_ context.Context, userID, clientID string) error {
	delete(f.grants, userID+"/"+clientID)
	return nil
}

// staticPermissions is a PermissionSource returning a fixed set.
type staticPermissions []string

func (s staticPermissions) EffectivePermissionNames(context.Context, string) ([]string, error) {
	return s, nil
}
