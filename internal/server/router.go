package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/keygate/keygate/internal/account"
	"github.com/keygate/keygate/internal/audit"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/crypto"
	kgmw "github.com/keygate/keygate/internal/middleware"
	"github.com/keygate/keygate/internal/oauth"
	"github.com/keygate/keygate/internal/rbac"
	"github.com/keygate/keygate/internal/repository"
	"github.com/keygate/keygate/internal/token"
)

// RouterOptions bundles everything the HTTP surface needs. All fields are
// required unless noted.
type RouterOptions struct {
	Cfg *config.Config

	Signer *crypto.Signer
	Codec  *token.Codec

	ClientAuth   *oauth.Authenticator
	Authorize    *oauth.AuthorizeEngine
	Tokens       *oauth.TokenEngine
	Introspector *oauth.Introspector
	Revoker      *oauth.Revoker

	Accounts *account.Service
	RBAC     *rbac.Service
	Audit    audit.Sink

	Users     repository.UserRepository
	Clients   repository.ClientRepository
	Scopes    repository.ScopeRepository
	Roles     repository.RoleRepository
	Perms     repository.PermissionRepository
	Consents  repository.ConsentRepository
	TokenRepo repository.TokenRepository
	AuditLog  repository.AuditRepository

	// CORSOptions overrides the default development CORS policy.
	CORSOptions *cors.Options
}

// handlers carries the shared collaborators behind every endpoint.
type handlers struct {
	RouterOptions
}

// DefaultCORSOptions returns the shared development CORS policy.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles the chi router: public OAuth/OIDC endpoints, the
// browser account endpoints, and the bearer-protected admin API.
func NewRouter(opts RouterOptions) (chi.Router, error) {
	if opts.Cfg == nil {
		return nil, errors.New("router requires config")
	}

	h := &handlers{RouterOptions: opts}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	r.Get("/health", healthHandler)

	// OAuth 2.1 / OIDC protocol surface.
	r.Get("/.well-known/openid-configuration", h.handleDiscovery)
	r.Get("/jwks", h.handleJWKS)
	r.Get("/authorize", h.handleAuthorize)
	r.Post("/token", h.handleToken)
	r.Post("/introspect", h.handleIntrospect)
	r.Post("/revoke", h.handleRevoke)

	// Browser / account surface (cookie sessions).
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/consent", h.handleConsentGet)
	r.Post("/consent", h.handleConsentPost)
	r.Post("/password/forgot", h.handlePasswordForgot)
	r.Post("/password/reset", h.handlePasswordReset)
	r.Post("/email/verify", h.handleEmailVerify)
	r.Post("/email/verify/request", h.handleEmailVerifyRequest)

	// Bearer-protected surface.
	authn, err := kgmw.NewAuthnMiddleware(kgmw.AuthnDependencies{
		Codec:  opts.Codec,
		Tokens: opts.TokenRepo,
	})
	if err != nil {
		return nil, err
	}

	r.Group(func(pr chi.Router) {
		pr.Use(authn)
		pr.Get("/userinfo", h.handleUserInfo)
		pr.Route("/api/admin", func(ar chi.Router) {
			h.mountAdmin(ar)
		})
	})

	return r, nil
}

// NewH2CHandler wraps the router with an h2c server for HTTP/2 over
// cleartext.
func NewH2CHandler(opts RouterOptions) (http.Handler, error) {
	router, err := NewRouter(opts)
	if err != nil {
		return nil, err
	}
	return h2c.NewHandler(router, &http2.Server{}), nil
}
