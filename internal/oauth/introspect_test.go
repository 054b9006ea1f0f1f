package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntrospector(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	introspector := NewIntrospector(env.users, env.tokens, env.codec)

	code, verifier := issueCode(t, env, "openid profile offline_access")
	grant, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
		Code: code, RedirectURI: "https://app/cb", CodeVerifier: verifier,
	})
	require.NoError(t, err)

	t.Run("active access token returns full claims", func(t *testing.T) {
		resp, err := introspector.Introspect(ctx, grant.AccessToken)
		require.NoError(t, err)
		assert.True(t, resp.Active)
		assert.Equal(t, "c1", resp.ClientID)
		assert.Equal(t, "alice", resp.Username)
		assert.Equal(t, "Bearer", resp.TokenType)
		assert.Equal(t, env.user.ID, resp.Sub)
		assert.NotEmpty(t, resp.JTI)
		assert.NotZero(t, resp.Exp)
		assert.Equal(t, []string{"articles:read"}, resp.Permissions)
	})

	t.Run("active refresh token reports refresh_token type", func(t *testing.T) {
		resp, err := introspector.Introspect(ctx, grant.RefreshToken)
		require.NoError(t, err)
		assert.True(t, resp.Active)
		assert.Equal(t, "refresh_token", resp.TokenType)
	})

	t.Run("garbage is inactive with no claims", func(t *testing.T) {
		resp, err := introspector.Introspect(ctx, "not-a-jwt")
		require.NoError(t, err)
		assert.False(t, resp.Active)
		assert.Empty(t, resp.ClientID)
		assert.Empty(t, resp.Sub)
	})

	t.Run("blacklisted token is inactive", func(t *testing.T) {
		claims, err := env.codec.Verify(grant.AccessToken)
		require.NoError(t, err)
		env.tokens.blacklist[claims.ID] = true
		defer delete(env.tokens.blacklist, claims.ID)

		resp, err := introspector.Introspect(ctx, grant.AccessToken)
		require.NoError(t, err)
		assert.False(t, resp.Active)
	})

	t.Run("expired record is inactive", func(t *testing.T) {
		claims, err := env.codec.Verify(grant.AccessToken)
		require.NoError(t, err)
		record := env.tokens.access[claims.ID]
		saved := record.ExpiresAt
		record.ExpiresAt = time.Now().Add(-time.Minute)
		defer func() { record.ExpiresAt = saved }()

		resp, err := introspector.Introspect(ctx, grant.AccessToken)
		require.NoError(t, err)
		assert.False(t, resp.Active)
	})

	t.Run("disabled user makes tokens inactive", func(t *testing.T) {
		env.user.IsActive = false
		defer func() { env.user.IsActive = true }()

		resp, err := introspector.Introspect(ctx, grant.AccessToken)
		require.NoError(t, err)
		assert.False(t, resp.Active)
	})
}

func TestRevoker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	revoker := NewRevoker(env.tokens, env.codec)
	introspector := NewIntrospector(env.users, env.tokens, env.codec)

	code, verifier := issueCode(t, env, "openid offline_access")
	grant, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
		Code: code, RedirectURI: "https://app/cb", CodeVerifier: verifier,
	})
	require.NoError(t, err)

	t.Run("revoking a refresh token cascades to access tokens", func(t *testing.T) {
		require.NoError(t, revoker.Revoke(ctx, env.client, grant.RefreshToken))

		resp, err := introspector.Introspect(ctx, grant.RefreshToken)
		require.NoError(t, err)
		assert.False(t, resp.Active)

		resp, err = introspector.Introspect(ctx, grant.AccessToken)
		require.NoError(t, err)
		assert.False(t, resp.Active, "cascade reaches access tokens")
	})

	t.Run("revocation is idempotent", func(t *testing.T) {
		assert.NoError(t, revoker.Revoke(ctx, env.client, grant.RefreshToken))
		assert.NoError(t, revoker.Revoke(ctx, env.client, "garbage"))
	})

	t.Run("foreign tokens are silently ignored", func(t *testing.T) {
		env := newTestEnv(t)
		code, verifier := issueCode(t, env, "openid")
		grant, err := env.engine.ExchangeAuthorizationCode(ctx, env.client, AuthorizationCodeRequest{
			Code: code, RedirectURI: "https://app/cb", CodeVerifier: verifier,
		})
		require.NoError(t, err)

		other := *env.client
		other.ClientID = "c2"
		require.NoError(t, NewRevoker(env.tokens, env.codec).Revoke(ctx, &other, grant.AccessToken))

		resp, err := NewIntrospector(env.users, env.tokens, env.codec).Introspect(ctx, grant.AccessToken)
		require.NoError(t, err)
		assert.True(t, resp.Active, "another client cannot revoke the token")
	})
}
