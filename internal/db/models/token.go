package models

import (
	"time"

	"github.com/uptrace/bun"
)

// AuthorizationCode is a short-lived one-time credential binding an
// authenticated session to a client and PKCE challenge.
// Only the SHA-256 hash of the code is stored.
type AuthorizationCode struct {
	bun.BaseModel `bun:"table:authorization_codes,alias:ac"`

	ID                  string     `bun:"id,pk,type:uuid"`
	CodeHash            string     `bun:"code_hash,notnull,unique"`
	UserID              string     `bun:"user_id,notnull,type:uuid"`
	ClientID            string     `bun:"client_id,notnull,type:uuid"` // FK to clients(id)
	RedirectURI         string     `bun:"redirect_uri,notnull"`
	Scope               string     `bun:"scope,notnull"` // space-joined
	CodeChallenge       string     `bun:"code_challenge,notnull"`
	CodeChallengeMethod string     `bun:"code_challenge_method,notnull"` // S256 only
	Nonce               *string    `bun:"nonce"`
	ExpiresAt           time.Time  `bun:"expires_at,notnull"`
	ConsumedAt          *time.Time `bun:"consumed_at"`
	CreatedAt           time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}

// AccessToken is the at-rest record of an issued access token.
// TokenHash is the SHA-256 hex digest of the full JWT string; the raw token
// is never stored.
type AccessToken struct {
	bun.BaseModel `bun:"table:access_tokens,alias:at"`

	JTI       string    `bun:"jti,pk"`
	TokenHash string    `bun:"token_hash,notnull,unique"`
	UserID    *string   `bun:"user_id,type:uuid"` // nil for client_credentials
	ClientID  string    `bun:"client_id,notnull,type:uuid"`
	Scope     string    `bun:"scope,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// RefreshToken is the at-rest record of an issued refresh token.
// PreviousTokenID links a rotated token to the one it replaced.
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rt"`

	JTI             string     `bun:"jti,pk"`
	TokenHash       string     `bun:"token_hash,notnull,unique"`
	UserID          *string    `bun:"user_id,type:uuid"`
	ClientID        string     `bun:"client_id,notnull,type:uuid"`
	Scope           string     `bun:"scope,notnull"`
	ExpiresAt       time.Time  `bun:"expires_at,notnull"`
	IsRevoked       bool       `bun:"is_revoked,notnull,default:false"`
	RevokedAt       *time.Time `bun:"revoked_at"`
	PreviousTokenID *string    `bun:"previous_token_id"` // rotation chain
	CreatedAt       time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}

// Blacklist token types
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenBlacklist is the deny-list of JTIs. Membership overrides any
// otherwise-valid token. Rows are purgeable once ExpiresAt < now.
type TokenBlacklist struct {
	bun.BaseModel `bun:"table:token_blacklist,alias:tb"`

	JTI       string    `bun:"jti,pk"`
	TokenType string    `bun:"token_type,notnull"` // access or refresh
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
