package server

import (
	"net/http"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/keygate/keygate/internal/middleware"
	"github.com/keygate/keygate/internal/oauth"
	"github.com/keygate/keygate/internal/token"
)

// handleDiscovery serves the OIDC discovery document. Every URL is derived
// from the configured issuer so the document stays consistent behind
// proxies.
func (h *handlers) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	issuer := h.Cfg.Issuer

	doc := &oidc.DiscoveryConfiguration{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/authorize",
		TokenEndpoint:         issuer + "/token",
		IntrospectionEndpoint: issuer + "/introspect",
		UserinfoEndpoint:      issuer + "/userinfo",
		RevocationEndpoint:    issuer + "/revoke",
		JwksURI:               issuer + "/jwks",
		ScopesSupported:       []string{"openid", "profile", "email", "offline_access"},
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []oidc.GrantType{
			oidc.GrantTypeCode,
			oidc.GrantTypeRefreshToken,
			oidc.GrantTypeClientCredentials,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []oidc.AuthMethod{
			oidc.AuthMethodBasic,
			oidc.AuthMethodPost,
			oidc.AuthMethodNone,
		},
		CodeChallengeMethodsSupported: []oidc.CodeChallengeMethod{
			oidc.CodeChallengeMethodS256,
		},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce",
			"preferred_username", "given_name", "family_name", "name",
			"email", "email_verified",
		},
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, doc)
}

// handleJWKS publishes the signing public key. The kid matches the kid
// header of every issued token.
func (h *handlers) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	set := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       h.Signer.PublicKey(),
				KeyID:     h.Signer.KeyID(),
				Algorithm: "RS256",
				Use:       "sig",
			},
		},
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, set)
}

// handleUserInfo serves scope-filtered claims for the bearer access token.
// Client-only tokens are rejected: there is no user to describe.
func (h *handlers) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.AuthFromContext(r.Context())
	if !ok || auth.UserID == nil {
		writeOAuthError(w, oauth.ErrInvalidRequest("access token has no user subject"))
		return
	}

	if !hasScope(auth.Scope, "openid") {
		writeOAuthError(w, oauth.ErrInvalidScope("openid scope is required"))
		return
	}

	user, err := h.Users.GetByID(r.Context(), *auth.UserID)
	if err != nil {
		writeOAuthError(w, oauth.ErrServerError(""))
		return
	}

	info := token.NewClaimsBuilder(user, auth.Scope).UserInfo()
	writeJSON(w, http.StatusOK, info)
}

// hasScope reports whether a space-joined scope string contains name.
func hasScope(scope, name string) bool {
	for _, s := range strings.Fields(scope) {
		if s == name {
			return true
		}
	}
	return false
}
