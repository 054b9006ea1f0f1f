package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/crypto"
	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/token"
)

// testEnv wires the engines against in-memory fakes with one user, one
// confidential client, and standing consent.
type testEnv struct {
	users    *fakeUserRepo
	clients  *fakeClientRepo
	codes    *fakeCodeRepo
	tokens   *fakeTokenRepo
	consents *fakeConsentRepo

	codec     *token.Codec
	authorize *AuthorizeEngine
	engine    *TokenEngine

	user   *models.User
	client *models.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	signer, err := crypto.NewSigner("")
	require.NoError(t, err)

	env := &testEnv{
		users:    newFakeUserRepo(),
		clients:  newFakeClientRepo(),
		codes:    newFakeCodeRepo(),
		tokens:   newFakeTokenRepo(),
		consents: newFakeConsentRepo(),
		codec:    token.NewCodec("https://auth.example.com", "keygate-api", signer),
	}
	env.authorize = NewAuthorizeEngine(env.clients, env.codes, env.consents)
	env.engine = NewTokenEngine(env.users, env.codes, env.tokens, env.codec, staticPermissions{"articles:read"})

	email := "alice@example.com"
	env.user = &models.User{
		ID:            "user-1",
		Username:      "alice",
		Email:         &email,
		EmailVerified: true,
		GivenName:     "Alice",
		FamilyName:    "Doe",
		IsActive:      true,
	}
	env.users.users[env.user.ID] = env.user

	secretHash, err := crypto.HashPassword("s3cret")
	require.NoError(t, err)
	env.client = &models.Client{
		ID:                        "client-row-1",
		ClientID:                  "c1",
		ClientSecretHash:          &secretHash,
		Name:                      "Test App",
		Type:                      models.ClientTypeConfidential,
		RedirectURIs:              models.StringList{"https://app/cb"},
		AllowedScopes:             models.StringList{"openid", "profile", "email", "offline_access"},
		GrantTypes:                models.StringList{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes:             models.StringList{"code"},
		TokenEndpointAuthMethod:   models.AuthMethodBasic,
		RequirePKCE:               true,
		RequireConsent:            true,
		AllowRefreshTokens:        true,
		AccessTokenTTL:            3600,
		RefreshTokenTTL:           86400 * 30,
		AuthorizationCodeLifetime: 600,
		IsActive:                  true,
	}
	env.clients.clients[env.client.ClientID] = env.client

	env.consents.grants[env.user.ID+"/"+env.client.ID] = &models.ConsentGrant{
		UserID:   env.user.ID,
		ClientID: env.client.ID,
		Scope:    "openid profile email offline_access",
		IssuedAt: time.Now(),
	}

	return env
}
