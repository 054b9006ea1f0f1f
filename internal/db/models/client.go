package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Client types
const (
	ClientTypePublic       = "PUBLIC"
	ClientTypeConfidential = "CONFIDENTIAL"
)

// Token endpoint authentication methods
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// Client represents a registered OAuth client.
//
// Invariants enforced at creation time: public clients have a nil secret
// hash, RequirePKCE=true and TokenEndpointAuthMethod="none"; redirect URIs
// presented at runtime must exact-string match an entry in RedirectURIs.
type Client struct {
	bun.BaseModel `bun:"table:clients,alias:c"`

	ID                        string     `bun:"id,pk,type:uuid"`
	ClientID                  string     `bun:"client_id,notnull,unique"`
	ClientSecretHash          *string    `bun:"client_secret_hash"` // nil iff public
	Name                      string     `bun:"name,notnull"`
	Type                      string     `bun:"type,notnull"` // PUBLIC or CONFIDENTIAL
	RedirectURIs              StringList `bun:"redirect_uris,notnull"`
	AllowedScopes             StringList `bun:"allowed_scopes,notnull"`
	GrantTypes                StringList `bun:"grant_types,notnull"`
	ResponseTypes             StringList `bun:"response_types,notnull"`
	TokenEndpointAuthMethod   string     `bun:"token_endpoint_auth_method,notnull"`
	RequirePKCE               bool       `bun:"require_pkce,notnull,default:true"`
	RequireConsent            bool       `bun:"require_consent,notnull,default:true"`
	AllowRefreshTokens        bool       `bun:"allow_refresh_tokens,notnull,default:false"`
	AccessTokenTTL            int        `bun:"access_token_ttl,notnull"`  // seconds
	RefreshTokenTTL           int        `bun:"refresh_token_ttl,notnull"` // seconds
	AuthorizationCodeLifetime int        `bun:"authorization_code_lifetime,notnull"`
	IsActive                  bool       `bun:"is_active,notnull,default:true"`
	CreatedAt                 time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt                 time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

// IsPublic reports whether the client is a public (secret-less) client.
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// AllowsGrantType reports whether the client may use the given grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	return c.GrantTypes.Contains(grantType)
}

// Scope is a named unit of delegated access.
type Scope struct {
	bun.BaseModel `bun:"table:scopes,alias:sc"`

	ID          string    `bun:"id,pk,type:uuid"`
	Name        string    `bun:"name,notnull,unique"`
	Description string    `bun:"description"`
	IsPublic    bool      `bun:"is_public,notnull,default:true"`
	IsActive    bool      `bun:"is_active,notnull,default:true"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// ConsentGrant records a user's approval of scopes for a client.
// Scope is space-joined, matching the wire format.
type ConsentGrant struct {
	bun.BaseModel `bun:"table:consent_grants,alias:cg"`

	ID        string     `bun:"id,pk,type:uuid"`
	UserID    string     `bun:"user_id,notnull,type:uuid"`
	ClientID  string     `bun:"client_id,notnull,type:uuid"` // FK to clients(id)
	Scope     string     `bun:"scope,notnull"`
	IssuedAt  time.Time  `bun:"issued_at,notnull,default:current_timestamp"`
	ExpiresAt *time.Time `bun:"expires_at"`
}
