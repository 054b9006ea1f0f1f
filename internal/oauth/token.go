package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/crypto"
	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/repository"
	"github.com/keygate/keygate/internal/token"
)

// Default token lifetimes, used when a client carries no override.
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultIDTokenTTL      = 15 * time.Minute
)

// Typed per-grant requests. The token endpoint parses the form once into
// the variant matching grant_type and dispatches on it.

// AuthorizationCodeRequest is a grant_type=authorization_code exchange.
type AuthorizationCodeRequest struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// RefreshTokenRequest is a grant_type=refresh_token exchange. Scope, when
// present, requests downscoping and must be a subset of the stored scope.
type RefreshTokenRequest struct {
	RefreshToken string
	Scope        string
}

// ClientCredentialsRequest is a grant_type=client_credentials exchange.
type ClientCredentialsRequest struct {
	Scope string
}

// TokenResponse is the RFC 6749 token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope"`
}

// PermissionSource resolves a user's effective permission names for
// embedding into access tokens.
type PermissionSource interface {
	EffectivePermissionNames(ctx context.Context, userID string) ([]string, error)
}

// TokenEngine implements the token endpoint grant handlers.
type TokenEngine struct {
	users  repository.UserRepository
	codes  repository.AuthCodeRepository
	tokens repository.TokenRepository
	codec  *token.Codec
	perms  PermissionSource

	// ReplayDetection revokes the whole successor chain when a rotated
	// refresh token is presented again.
	ReplayDetection bool
}

// NewTokenEngine creates the token grant engine. Replay detection is on by
// default.
func NewTokenEngine(users repository.UserRepository, codes repository.AuthCodeRepository, tokens repository.TokenRepository, codec *token.Codec, perms PermissionSource) *TokenEngine {
	return &TokenEngine{
		users:           users,
		codes:           codes,
		tokens:          tokens,
		codec:           codec,
		perms:           perms,
		ReplayDetection: true,
	}
}

// ExchangeAuthorizationCode redeems an authorization code for tokens.
func (e *TokenEngine) ExchangeAuthorizationCode(ctx context.Context, client *models.Client, req AuthorizationCodeRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if !client.AllowsGrantType("authorization_code") {
		return nil, ErrUnauthorizedClient("client may not use authorization_code")
	}

	code, err := e.codes.Consume(ctx, crypto.HashToken(req.Code))
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyConsumed) || errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidGrant("authorization code is invalid or already used")
		}
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if time.Now().After(code.ExpiresAt) {
		return nil, ErrInvalidGrant("authorization code has expired")
	}
	if code.ClientID != client.ID {
		return nil, ErrInvalidGrant("authorization code was issued to another client")
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if !crypto.VerifyPKCE(req.CodeVerifier, code.CodeChallenge) {
		return nil, ErrInvalidGrant("PKCE verification failed")
	}

	user, err := e.users.GetByID(ctx, code.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidGrant("user no longer exists")
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrInvalidGrant("user is disabled")
	}

	return e.issueForUser(ctx, client, user, code.Scope, nonceOf(code), time.Now())
}

// Refresh rotates a refresh token and issues a fresh access token.
func (e *TokenEngine) Refresh(ctx context.Context, client *models.Client, req RefreshTokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	if !client.AllowsGrantType("refresh_token") {
		return nil, ErrUnauthorizedClient("client may not use refresh_token")
	}

	claims, err := e.codec.Verify(req.RefreshToken)
	if err != nil {
		return nil, ErrInvalidGrant("refresh token is invalid")
	}
	if claims.TokenUse != token.UseRefresh {
		return nil, ErrInvalidGrant("token is not a refresh token")
	}

	blacklisted, err := e.tokens.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check blacklist: %w", err)
	}

	record, err := e.tokens.GetRefreshByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidGrant("refresh token is unknown")
		}
		return nil, fmt.Errorf("load refresh token: %w", err)
	}

	if blacklisted || record.IsRevoked {
		// A rotated token came back. Take its descendants down with it so a
		// stolen pre-rotation token yields nothing.
		if e.ReplayDetection {
			if err := e.tokens.RevokeSuccessors(ctx, record.JTI); err != nil {
				return nil, fmt.Errorf("revoke successors: %w", err)
			}
		}
		return nil, ErrInvalidGrant("refresh token has been revoked")
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, ErrInvalidGrant("refresh token has expired")
	}
	if record.ClientID != client.ID {
		return nil, ErrInvalidGrant("refresh token was issued to another client")
	}

	scope := record.Scope
	if req.Scope != "" {
		if !ScopeSubset(req.Scope, record.Scope) {
			return nil, ErrInvalidScope("requested scope exceeds the refresh token scope")
		}
		scope = req.Scope
	}

	var user *models.User
	if record.UserID != nil {
		user, err = e.users.GetByID(ctx, *record.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrInvalidGrant("user no longer exists")
			}
			return nil, fmt.Errorf("load user: %w", err)
		}
		if !user.IsActive {
			return nil, ErrInvalidGrant("user is disabled")
		}
	}

	subject := client.ClientID
	username := ""
	var permissions []string
	if user != nil {
		subject = user.ID
		username = user.Username
		permissions, err = e.effectivePermissions(ctx, user.ID)
		if err != nil {
			return nil, err
		}
	}

	newRefresh, err := e.codec.MintRefreshToken(token.AccessParams{
		Subject:  subject,
		ClientID: client.ClientID,
		Scope:    record.Scope, // rotation keeps the full grant; downscoping is per access token
		TTL:      refreshTTL(client),
	})
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}

	replacement := &models.RefreshToken{
		JTI:       newRefresh.JTI,
		TokenHash: crypto.HashToken(newRefresh.Token),
		UserID:    record.UserID,
		ClientID:  client.ID,
		Scope:     record.Scope,
		ExpiresAt: newRefresh.ExpiresAt,
	}
	if err := e.tokens.Rotate(ctx, record.JTI, replacement); err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	access, err := e.mintAccess(ctx, client, subject, record.UserID, username, scope, permissions)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  access.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int(time.Until(access.ExpiresAt).Seconds()),
		RefreshToken: newRefresh.Token,
		Scope:        scope,
	}, nil
}

// ClientCredentials issues a user-less access token to a confidential
// client. No refresh token is ever issued for this grant.
func (e *TokenEngine) ClientCredentials(ctx context.Context, client *models.Client, req ClientCredentialsRequest) (*TokenResponse, error) {
	if client.IsPublic() {
		return nil, ErrUnauthorizedClient("public clients may not use client_credentials")
	}
	if !client.AllowsGrantType("client_credentials") {
		return nil, ErrUnauthorizedClient("client may not use client_credentials")
	}

	scopes, err := ValidateScopes(client, strings.Fields(req.Scope))
	if err != nil {
		return nil, err
	}
	scope := strings.Join(scopes, " ")

	access, err := e.mintAccess(ctx, client, client.ClientID, nil, "", scope, nil)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken: access.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(access.ExpiresAt).Seconds()),
		Scope:       scope,
	}, nil
}

// issueForUser mints the access, refresh, and ID tokens for a user grant.
func (e *TokenEngine) issueForUser(ctx context.Context, client *models.Client, user *models.User, scope, nonce string, authTime time.Time) (*TokenResponse, error) {
	permissions, err := e.effectivePermissions(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	userID := user.ID
	access, err := e.mintAccess(ctx, client, user.ID, &userID, user.Username, scope, permissions)
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: access.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(access.ExpiresAt).Seconds()),
		Scope:       scope,
	}

	builder := token.NewClaimsBuilder(user, scope)

	// Refresh tokens are opt-in per client, or via offline_access.
	if client.AllowRefreshTokens || builder.HasScope("offline_access") {
		refresh, err := e.codec.MintRefreshToken(token.AccessParams{
			Subject:  user.ID,
			ClientID: client.ClientID,
			Scope:    scope,
			TTL:      refreshTTL(client),
		})
		if err != nil {
			return nil, fmt.Errorf("mint refresh token: %w", err)
		}
		if err := e.tokens.CreateRefresh(ctx, &models.RefreshToken{
			JTI:       refresh.JTI,
			TokenHash: crypto.HashToken(refresh.Token),
			UserID:    &userID,
			ClientID:  client.ID,
			Scope:     scope,
			ExpiresAt: refresh.ExpiresAt,
		}); err != nil {
			return nil, fmt.Errorf("persist refresh token: %w", err)
		}
		resp.RefreshToken = refresh.Token
	}

	if builder.HasScope("openid") {
		idToken, err := e.codec.MintIDToken(builder.IDParams(client.ClientID, nonce, authTime, DefaultIDTokenTTL))
		if err != nil {
			return nil, fmt.Errorf("mint id token: %w", err)
		}
		resp.IDToken = idToken.Token
	}

	return resp, nil
}

func (e *TokenEngine) mintAccess(ctx context.Context, client *models.Client, subject string, userID *string, username, scope string, permissions []string) (*token.Minted, error) {
	access, err := e.codec.MintAccessToken(token.AccessParams{
		Subject:     subject,
		ClientID:    client.ClientID,
		Scope:       scope,
		Username:    username,
		Permissions: permissions,
		TTL:         accessTTL(client),
	})
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	if err := e.tokens.CreateAccess(ctx, &models.AccessToken{
		JTI:       access.JTI,
		TokenHash: crypto.HashToken(access.Token),
		UserID:    userID,
		ClientID:  client.ID,
		Scope:     scope,
		ExpiresAt: access.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("persist access token: %w", err)
	}
	return access, nil
}

func (e *TokenEngine) effectivePermissions(ctx context.Context, userID string) ([]string, error) {
	if e.perms == nil {
		return nil, nil
	}
	perms, err := e.perms.EffectivePermissionNames(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve permissions: %w", err)
	}
	return perms, nil
}

func accessTTL(client *models.Client) time.Duration {
	if client.AccessTokenTTL > 0 {
		return time.Duration(client.AccessTokenTTL) * time.Second
	}
	return DefaultAccessTokenTTL
}

func refreshTTL(client *models.Client) time.Duration {
	if client.RefreshTokenTTL > 0 {
		return time.Duration(client.RefreshTokenTTL) * time.Second
	}
	return DefaultRefreshTokenTTL
}

func nonceOf(code *models.AuthorizationCode) string {
	if code.Nonce == nil {
		return ""
	}
	return *code.Nonce
}
