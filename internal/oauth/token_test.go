package oauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/keygate/keygate/internal/token"
)

// issueCode runs the front channel and returns the raw code and verifier.
func issueCode(t *testing.T, env *testEnv, scope string) (code, verifier string) {
	t.Helper()
	verifier = oauth2.GenerateVerifier()
	req := AuthorizeRequest{
		ClientID:            "c1",
		RedirectURI:         "https://app/cb",
		ResponseType:        "code",
		Scope:               scope,
		State:               "xyz",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
		Nonce:               "n-0S6_WzA2Mj",
	}
	result, err := env.authorize.Authorize(context.Background(), req, env.user.ID)
	require.NoError(t, err)
	return result.Code, verifier
}

func TestTokenEngine_AuthorizationCodeExchange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code, verifier := issueCode(t, env, "openid profile")

	resp, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
		Code:         code,
		RedirectURI:  "https://app/cb",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer", resp.TokenType)
	assert.InDelta(t, 3600, resp.ExpiresIn, 5)
	assert.Equal(t, "openid profile", resp.Scope)
	assert.NotEmpty(t, resp.RefreshToken, "client allows refresh tokens")
	assert.NotEmpty(t, resp.IDToken, "openid scope requested")

	claims, err := env.codec.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, env.user.ID, claims.Subject)
	assert.Equal(t, "c1", claims.ClientID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, []string{"articles:read"}, claims.Permissions)
	assert.Equal(t, token.UseAccess, claims.TokenUse)

	_, ok := env.tokens.access[claims.ID]
	assert.True(t, ok, "access token record persisted")

	t.Run("code reuse fails", func(t *testing.T) {
		_, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
			Code:         code,
			RedirectURI:  "https://app/cb",
			CodeVerifier: verifier,
		})
		assert.Equal(t, "invalid_grant", AsError(err).Code)
	})
}

func TestTokenEngine_AuthorizationCodeRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("wrong verifier", func(t *testing.T) {
		code, _ := issueCode(t, env, "openid")
		_, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
			Code:         code,
			RedirectURI:  "https://app/cb",
			CodeVerifier: oauth2.GenerateVerifier(),
		})
		assert.Equal(t, "invalid_grant", AsError(err).Code)
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		code, verifier := issueCode(t, env, "openid")
		_, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
			Code:         code,
			RedirectURI:  "https://app/cb/",
			CodeVerifier: verifier,
		})
		assert.Equal(t, "invalid_grant", AsError(err).Code)
	})

	t.Run("foreign client", func(t *testing.T) {
		code, verifier := issueCode(t, env, "openid")
		other := *env.client
		other.ID = "client-row-2"
		other.ClientID = "c2"
		_, err := env.engine.ExchangeAuthorizationCode(ctx, &other, AuthorizationCodeRequest{
			Code:         code,
			RedirectURI:  "https://app/cb",
			CodeVerifier: verifier,
		})
		assert.Equal(t, "invalid_grant", AsError(err).Code)
	})

	t.Run("disabled user", func(t *testing.T) {
		code, verifier := issueCode(t, env, "openid")
		env.user.IsActive = false
		defer func() { env.user.IsActive = true }()
		_, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
			Code:         code,
			RedirectURI:  "https://app/cb",
			CodeVerifier: verifier,
		})
		assert.Equal(t, "invalid_grant", AsError(err).Code)
	})
}

func TestTokenEngine_RefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code, verifier := issueCode(t, env, "openid profile offline_access")
	first, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
		Code: code, RedirectURI: "https://app/cb", CodeVerifier: verifier,
	})
	require.NoError(t, err)
	r1 := first.RefreshToken
	require.NotEmpty(t, r1)

	second, err := env.engine.Refresh(ctx, env.client, RefreshTokenRequest{RefreshToken: r1})
	require.NoError(t, err)
	r2 := second.RefreshToken
	require.NotEmpty(t, r2)
	assert.NotEqual(t, r1, r2)

	t.Run("old token is revoked and blacklisted", func(t *testing.T) {
		claims, err := env.codec.Verify(r1)
		require.NoError(t, err)
		assert.True(t, env.tokens.refresh[claims.ID].IsRevoked)
		assert.True(t, env.tokens.blacklist[claims.ID])
	})

	t.Run("replay revokes the successor chain", func(t *testing.T) {
		_, err := env.engine.Refresh(ctx, env.client, RefreshTokenRequest{RefreshToken: r1})
		assert.Equal(t, "invalid_grant", AsError(err).Code)

		// R2 must now be dead as well.
		_, err = env.engine.Refresh(ctx, env.client, RefreshTokenRequest{RefreshToken: r2})
		assert.Equal(t, "invalid_grant", AsError(err).Code)
	})
}

func TestTokenEngine_RefreshScopeDownscoping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code, verifier := issueCode(t, env, "openid profile offline_access")
	first, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
		Code: code, RedirectURI: "https://app/cb", CodeVerifier: verifier,
	})
	require.NoError(t, err)

	t.Run("subset is honored", func(t *testing.T) {
		resp, err := env.engine.Refresh(ctx, env.client, RefreshTokenRequest{
			RefreshToken: first.RefreshToken,
			Scope:        "openid",
		})
		require.NoError(t, err)
		assert.Equal(t, "openid", resp.Scope)
	})

	t.Run("superset is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		code, verifier := issueCode(t, env, "openid offline_access")
		first, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
			Code: code, RedirectURI: "https://app/cb", CodeVerifier: verifier,
		})
		require.NoError(t, err)

		_, err = env.engine.Refresh(ctx, env.client, RefreshTokenRequest{
			RefreshToken: first.RefreshToken,
			Scope:        "openid profile email",
		})
		assert.Equal(t, "invalid_scope", AsError(err).Code)
	})
}

func TestTokenEngine_NoRefreshTokenWhenNotPermitted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.client.AllowRefreshTokens = false

	code, verifier := issueCode(t, env, "openid profile")
	resp, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
		Code: code, RedirectURI: "https://app/cb", CodeVerifier: verifier,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken)

	t.Run("offline_access still grants one", func(t *testing.T) {
		code, verifier := issueCode(t, env, "openid offline_access")
		resp, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
			Code: code, RedirectURI: "https://app/cb", CodeVerifier: verifier,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.RefreshToken)
	})
}

func TestTokenEngine_ClientCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.ClientCredentials(ctx, env.client, ClientCredentialsRequest{Scope: "openid"})
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken, "no refresh token for client_credentials")

	claims, err := env.codec.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "c1", claims.Subject, "subject is the client itself")
	assert.Empty(t, claims.Username)

	t.Run("public client rejected", func(t *testing.T) {
		public := *env.client
		public.Type = "PUBLIC"
		_, err := env.engine.ClientCredentials(ctx, &public, ClientCredentialsRequest{})
		assert.Equal(t, "unauthorized_client", AsError(err).Code)
	})
}
