package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/repository"
	"github.com/keygate/keygate/internal/token"
)

// IntrospectionResponse is the RFC 7662 response body. All fields beyond
// active are omitted when the token is not active.
type IntrospectionResponse struct {
	Active      bool     `json:"active"`
	Scope       string   `json:"scope,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	Username    string   `json:"username,omitempty"`
	TokenType   string   `json:"token_type,omitempty"`
	Exp         int64    `json:"exp,omitempty"`
	Iat         int64    `json:"iat,omitempty"`
	Sub         string   `json:"sub,omitempty"`
	JTI         string   `json:"jti,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

var inactive = &IntrospectionResponse{Active: false}

// Introspector answers RFC 7662 token introspection queries.
type Introspector struct {
	users  repository.UserRepository
	tokens repository.TokenRepository
	codec  *token.Codec
}

// NewIntrospector creates a token introspector.
func NewIntrospector(users repository.UserRepository, tokens repository.TokenRepository, codec *token.Codec) *Introspector {
	return &Introspector{users: users, tokens: tokens, codec: codec}
}

// Introspect evaluates a token in a fixed order: signature and claims,
// then the blacklist, then the at-rest record, then user status. Any
// failure yields {active:false} without distinguishing the cause.
// Infrastructure errors are returned so the handler can 500 instead of
// asserting a token inactive it could not check.
func (i *Introspector) Introspect(ctx context.Context, tokenString string) (*IntrospectionResponse, error) {
	claims, err := i.codec.Verify(tokenString)
	if err != nil {
		return inactive, nil
	}

	blacklisted, err := i.tokens.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return inactive, nil
	}

	var (
		userID    *string
		expiresAt time.Time
		tokenType string
	)
	switch claims.TokenUse {
	case token.UseAccess:
		record, err := i.tokens.GetAccessByJTI(ctx, claims.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return inactive, nil
		}
		if err != nil {
			return nil, err
		}
		userID = record.UserID
		expiresAt = record.ExpiresAt
		tokenType = "Bearer"
	case token.UseRefresh:
		record, err := i.tokens.GetRefreshByJTI(ctx, claims.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return inactive, nil
		}
		if err != nil {
			return nil, err
		}
		if record.IsRevoked {
			return inactive, nil
		}
		userID = record.UserID
		expiresAt = record.ExpiresAt
		tokenType = "refresh_token"
	default:
		return inactive, nil
	}

	if time.Now().After(expiresAt) {
		return inactive, nil
	}

	username := claims.Username
	if userID != nil {
		user, err := i.users.GetByID(ctx, *userID)
		if errors.Is(err, repository.ErrNotFound) {
			return inactive, nil
		}
		if err != nil {
			return nil, err
		}
		if !user.IsActive {
			return inactive, nil
		}
		username = user.Username
	}

	return &IntrospectionResponse{
		Active:      true,
		Scope:       claims.Scope,
		ClientID:    claims.ClientID,
		Username:    username,
		TokenType:   tokenType,
		Exp:         claims.ExpiresAt.Unix(),
		Iat:         claims.IssuedAt.Unix(),
		Sub:         claims.Subject,
		JTI:         claims.ID,
		Permissions: claims.Permissions,
	}, nil
}

// Revoker implements RFC 7009 token revocation.
type Revoker struct {
	tokens repository.TokenRepository
	codec  *token.Codec
}

// NewRevoker creates a token revoker.
func NewRevoker(tokens repository.TokenRepository, codec *token.Codec) *Revoker {
	return &Revoker{tokens: tokens, codec: codec}
}

// Revoke invalidates a token presented by its owning client. The operation
// is idempotent: unparseable, unknown, expired, and foreign tokens are all
// silently ignored, matching RFC 7009's 200-regardless contract. Revoking
// a refresh token cascades to the access tokens issued alongside it.
func (r *Revoker) Revoke(ctx context.Context, client *models.Client, tokenString string) error {
	claims, err := r.codec.Verify(tokenString)
	if err != nil {
		return nil
	}
	// A client may only revoke its own tokens.
	if claims.ClientID != client.ClientID {
		return nil
	}

	switch claims.TokenUse {
	case token.UseRefresh:
		err := r.tokens.RevokeRefreshCascade(ctx, claims.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	case token.UseAccess:
		if err := r.tokens.Blacklist(ctx, claims.ID, models.TokenTypeAccess, claims.ExpiresAt.Time); err != nil {
			return err
		}
	}
	return nil
}
