package oauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/keygate/keygate/internal/crypto"
)

func validAuthorizeRequest() AuthorizeRequest {
	verifier := oauth2.GenerateVerifier()
	return AuthorizeRequest{
		ClientID:            "c1",
		RedirectURI:         "https://app/cb",
		ResponseType:        "code",
		Scope:               "openid profile",
		State:               "xyz",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
	}
}

func TestAuthorizeEngine_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.authorize.Authorize(ctx, validAuthorizeRequest(), env.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "xyz", result.State)
	assert.Equal(t, "https://app/cb", result.RedirectURI)
	assert.GreaterOrEqual(t, len(result.Code), 43) // 32 bytes base64url

	stored, ok := env.codes.codes[crypto.HashToken(result.Code)]
	require.True(t, ok, "code stored by hash, not raw")
	assert.Equal(t, env.user.ID, stored.UserID)
	assert.Equal(t, env.client.ID, stored.ClientID)
	assert.Equal(t, "openid profile", stored.Scope)
}

func TestAuthorizeEngine_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("unknown client is a JSON error", func(t *testing.T) {
		req := validAuthorizeRequest()
		req.ClientID = "ghost"
		_, err := env.authorize.Authorize(ctx, req, env.user.ID)
		oe := AsError(err)
		assert.Equal(t, "invalid_client", oe.Code)
		assert.False(t, oe.Redirectable)
	})

	t.Run("unregistered redirect is never redirected to", func(t *testing.T) {
		req := validAuthorizeRequest()
		req.RedirectURI = "https://app/cb/" // trailing slash fails exact match
		_, err := env.authorize.Authorize(ctx, req, env.user.ID)
		oe := AsError(err)
		assert.Equal(t, "invalid_request", oe.Code)
		assert.False(t, oe.Redirectable)
	})

	t.Run("missing PKCE challenge", func(t *testing.T) {
		req := validAuthorizeRequest()
		req.CodeChallenge = ""
		_, err := env.authorize.Authorize(ctx, req, env.user.ID)
		oe := AsError(err)
		assert.Equal(t, "invalid_request", oe.Code)
		assert.True(t, oe.Redirectable)
	})

	t.Run("plain challenge method rejected", func(t *testing.T) {
		req := validAuthorizeRequest()
		req.CodeChallengeMethod = "plain"
		_, err := env.authorize.Authorize(ctx, req, env.user.ID)
		oe := AsError(err)
		assert.Equal(t, "invalid_request", oe.Code)
		assert.True(t, oe.Redirectable)
	})

	t.Run("scope outside client allowlist", func(t *testing.T) {
		req := validAuthorizeRequest()
		req.Scope = "openid payments:write"
		_, err := env.authorize.Authorize(ctx, req, env.user.ID)
		oe := AsError(err)
		assert.Equal(t, "invalid_scope", oe.Code)
		assert.True(t, oe.Redirectable)
	})

	t.Run("unsupported response type", func(t *testing.T) {
		req := validAuthorizeRequest()
		req.ResponseType = "token"
		_, err := env.authorize.Authorize(ctx, req, env.user.ID)
		assert.Equal(t, "unsupported_response_type", AsError(err).Code)
	})
}

func TestAuthorizeEngine_SessionAndConsentGates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("no session redirects to login", func(t *testing.T) {
		_, err := env.authorize.Authorize(ctx, validAuthorizeRequest(), "")
		assert.ErrorIs(t, err, ErrLoginRequired)
	})

	t.Run("missing consent redirects to consent", func(t *testing.T) {
		env.consents.Delete(ctx, env.user.ID, env.client.ID)
		_, err := env.authorize.Authorize(ctx, validAuthorizeRequest(), env.user.ID)
		assert.ErrorIs(t, err, ErrConsentRequired)
	})

	t.Run("consent not covering all scopes redirects to consent", func(t *testing.T) {
		env = newTestEnv(t)
		env.consents.grants[env.user.ID+"/"+env.client.ID].Scope = "openid"
		_, err := env.authorize.Authorize(ctx, validAuthorizeRequest(), env.user.ID)
		assert.ErrorIs(t, err, ErrConsentRequired)
	})

	t.Run("consent skipped when client does not require it", func(t *testing.T) {
		env = newTestEnv(t)
		env.client.RequireConsent = false
		env.consents.Delete(ctx, env.user.ID, env.client.ID)
		_, err := env.authorize.Authorize(ctx, validAuthorizeRequest(), env.user.ID)
		assert.NoError(t, err)
	})
}
