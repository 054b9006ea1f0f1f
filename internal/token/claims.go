package token

import (
	"strings"
	"time"

	"github.com/keygate/keygate/internal/db/models"
)

// ClaimsBuilder assembles scope-filtered OIDC claims for a user. The same
// filtering feeds both ID token minting and the UserInfo endpoint, so the
// two surfaces can never disagree about what a scope exposes.
type ClaimsBuilder struct {
	user   *models.User
	scopes map[string]bool
}

// NewClaimsBuilder creates a builder for the given user and granted scope
// string (space-joined).
func NewClaimsBuilder(user *models.User, scope string) *ClaimsBuilder {
	scopes := make(map[string]bool)
	for _, s := range strings.Fields(scope) {
		scopes[s] = true
	}
	return &ClaimsBuilder{user: user, scopes: scopes}
}

// HasScope reports whether the named scope was granted.
func (b *ClaimsBuilder) HasScope(name string) bool {
	return b.scopes[name]
}

// IDParams fills the scope-filtered identity claims of an ID token.
// Subject is always present; profile and email claims require their scopes.
func (b *ClaimsBuilder) IDParams(clientID, nonce string, authTime time.Time, ttl time.Duration) IDParams {
	p := IDParams{
		Subject:  b.user.ID,
		ClientID: clientID,
		Nonce:    nonce,
		AuthTime: authTime,
		TTL:      ttl,
	}
	if b.HasScope("profile") {
		p.Username = b.user.Username
		p.GivenName = b.user.GivenName
		p.FamilyName = b.user.FamilyName
	}
	if b.HasScope("email") && b.user.Email != nil {
		p.Email = *b.user.Email
		verified := b.user.EmailVerified
		p.EmailVerified = &verified
	}
	return p
}

// UserInfo builds the scope-filtered UserInfo response body.
func (b *ClaimsBuilder) UserInfo() map[string]any {
	info := map[string]any{
		"sub": b.user.ID,
	}
	if b.HasScope("profile") {
		info["preferred_username"] = b.user.Username
		if b.user.GivenName != "" {
			info["given_name"] = b.user.GivenName
		}
		if b.user.FamilyName != "" {
			info["family_name"] = b.user.FamilyName
		}
		if name := joinName(b.user.GivenName, b.user.FamilyName); name != "" {
			info["name"] = name
		}
	}
	if b.HasScope("email") && b.user.Email != nil {
		info["email"] = *b.user.Email
		info["email_verified"] = b.user.EmailVerified
	}
	return info
}
