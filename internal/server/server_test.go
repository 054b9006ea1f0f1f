package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/keygate/keygate/internal/account"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/crypto"
	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/migrations"
	"github.com/keygate/keygate/internal/oauth"
	"github.com/keygate/keygate/internal/rbac"
	"github.com/keygate/keygate/internal/repository"
	"github.com/keygate/keygate/internal/token"
)

const (
	testUserPassword = "Str0ngPassw0rd"
	testClientSecret = "s3cret-value"
	testRedirectURI  = "https://app.example.com/callback"
)

// captureSink records audit events synchronously for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (c *captureSink) Record(event *models.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureSink) lastAction(action string) *models.AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Action == action {
			return c.events[i]
		}
	}
	return nil
}

type testEnv struct {
	t      *testing.T
	db     *bun.DB
	router chi.Router
	sink   *captureSink

	codec    *token.Codec
	accounts *account.Service
	rbacSvc  *rbac.Service

	users     repository.UserRepository
	clients   repository.ClientRepository
	roles     repository.RoleRepository
	perms     repository.PermissionRepository
	tokenRepo repository.TokenRepository
	consents  repository.ConsentRepository

	user         *models.User
	client       *models.Client
	clientSecret string
}

// setupServer builds a full router over an in-memory database with one
// active user (alice) and one confidential client seeded.
func setupServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)

	users := repository.NewBunUserRepository(db)
	clients := repository.NewBunClientRepository(db)
	scopes := repository.NewBunScopeRepository(db)
	roles := repository.NewBunRoleRepository(db)
	perms := repository.NewBunPermissionRepository(db)
	codes := repository.NewBunAuthCodeRepository(db)
	tokenRepo := repository.NewBunTokenRepository(db)
	consents := repository.NewBunConsentRepository(db)
	sessions := repository.NewBunSessionRepository(db)
	creds := repository.NewBunCredentialRepository(db)
	auditRepo := repository.NewBunAuditRepository(db)

	signer, err := crypto.NewSigner("")
	require.NoError(t, err)

	cfg := &config.Config{
		Issuer:          "https://auth.example.com",
		Audience:        "keygate-api",
		AccessTokenTTL:  3600,
		RefreshTokenTTL: 30 * 24 * 3600,
		AuthCodeTTL:     600,
		SessionTTL:      12 * 3600,
		CookieSecure:    false,
	}

	codec := token.NewCodec(cfg.Issuer, cfg.Audience, signer)
	rbacSvc, err := rbac.NewService(roles, perms)
	require.NoError(t, err)

	accounts := account.NewService(users, creds, sessions)
	sink := &captureSink{}

	router, err := NewRouter(RouterOptions{
		Cfg:          cfg,
		Signer:       signer,
		Codec:        codec,
		ClientAuth:   oauth.NewAuthenticator(clients),
		Authorize:    oauth.NewAuthorizeEngine(clients, codes, consents),
		Tokens:       oauth.NewTokenEngine(users, codes, tokenRepo, codec, rbacSvc),
		Introspector: oauth.NewIntrospector(users, tokenRepo, codec),
		Revoker:      oauth.NewRevoker(tokenRepo, codec),
		Accounts:     accounts,
		RBAC:         rbacSvc,
		Audit:        sink,
		Users:        users,
		Clients:      clients,
		Scopes:       scopes,
		Roles:        roles,
		Perms:        perms,
		Consents:     consents,
		TokenRepo:    tokenRepo,
		AuditLog:     auditRepo,
	})
	require.NoError(t, err)

	env := &testEnv{
		t:         t,
		db:        db,
		router:    router,
		sink:      sink,
		codec:     codec,
		accounts:  accounts,
		rbacSvc:   rbacSvc,
		users:     users,
		clients:   clients,
		roles:     roles,
		perms:     perms,
		tokenRepo: tokenRepo,
		consents:  consents,
	}
	env.user = env.seedUser("alice", "alice@example.com")
	env.client, env.clientSecret = env.seedClient()
	return env
}

func (e *testEnv) seedUser(username, email string) *models.User {
	e.t.Helper()

	hash, err := crypto.HashPassword(testUserPassword)
	require.NoError(e.t, err)
	user := &models.User{
		ID:            bunx.NewUUIDv7(),
		Username:      username,
		Email:         &email,
		PasswordHash:  hash,
		GivenName:     "Alice",
		FamilyName:    "Doe",
		IsActive:      true,
		EmailVerified: true,
	}
	require.NoError(e.t, e.users.Create(context.Background(), user))
	return user
}

func (e *testEnv) seedClient() (*models.Client, string) {
	e.t.Helper()

	secretHash, err := crypto.HashPassword(testClientSecret)
	require.NoError(e.t, err)
	client := &models.Client{
		ID:                        bunx.NewUUIDv7(),
		ClientID:                  "web-app",
		ClientSecretHash:          &secretHash,
		Name:                      "Web App",
		Type:                      models.ClientTypeConfidential,
		RedirectURIs:              models.StringList{testRedirectURI},
		AllowedScopes:             models.StringList{"openid", "profile", "email", "offline_access"},
		GrantTypes:                models.StringList{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes:             models.StringList{"code"},
		TokenEndpointAuthMethod:   models.AuthMethodBasic,
		RequirePKCE:               true,
		RequireConsent:            true,
		AllowRefreshTokens:        true,
		AccessTokenTTL:            3600,
		RefreshTokenTTL:           30 * 24 * 3600,
		AuthorizationCodeLifetime: 600,
		IsActive:                  true,
	}
	require.NoError(e.t, e.clients.Create(context.Background(), client))
	return client, testClientSecret
}

// login performs POST /login and returns the session cookie.
func (e *testEnv) login(username, password string) (*http.Cookie, *httptest.ResponseRecorder) {
	e.t.Helper()

	form := "username=" + username + "&password=" + password
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName && c.Value != "" {
			return c, rec
		}
	}
	return nil, rec
}

// grantConsent stores a standing consent for the seeded user and client.
func (e *testEnv) grantConsent(userID, scope string) {
	e.t.Helper()
	require.NoError(e.t, e.consents.Upsert(context.Background(), &models.ConsentGrant{
		UserID:   userID,
		ClientID: e.client.ID,
		Scope:    scope,
		IssuedAt: time.Now(),
	}))
}

// adminToken mints a bearer access token carrying the given permissions and
// registers its issuance record.
func (e *testEnv) adminToken(userID string, permissions []string) string {
	e.t.Helper()

	minted, err := e.codec.MintAccessToken(token.AccessParams{
		Subject:     userID,
		ClientID:    e.client.ClientID,
		Scope:       "openid profile email",
		Username:    "alice",
		Permissions: permissions,
		TTL:         time.Hour,
	})
	require.NoError(e.t, err)

	uid := userID
	require.NoError(e.t, e.tokenRepo.CreateAccess(context.Background(), &models.AccessToken{
		JTI:       minted.JTI,
		TokenHash: crypto.HashToken(minted.Token),
		UserID:    &uid,
		ClientID:  e.client.ID,
		Scope:     "openid profile email",
		ExpiresAt: minted.ExpiresAt,
	}))
	return minted.Token
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}
