package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/keygate/keygate/internal/repository"
	"github.com/keygate/keygate/internal/token"
)

const (
	// blacklistCacheSize bounds the per-process revocation cache.
	blacklistCacheSize = 4096

	// blacklistCacheTTL bounds how long a cached revocation verdict is
	// trusted before the database is consulted again. Revocations issued
	// on another instance propagate within this window.
	blacklistCacheTTL = 30 * time.Second
)

// AuthnDependencies bundles collaborators required by the bearer token
// authentication middleware.
type AuthnDependencies struct {
	Codec  *token.Codec
	Tokens repository.TokenRepository
}

// NewAuthnMiddleware authenticates API requests carrying a bearer access
// token. Tokens must verify against the signing key, be access tokens, not
// be blacklisted, and have a live issuance record. The resolved identity is
// stored on the request context for the authorization middleware.
func NewAuthnMiddleware(deps AuthnDependencies) (func(http.Handler) http.Handler, error) {
	if deps.Codec == nil {
		return nil, errors.New("authn middleware requires token codec")
	}
	if deps.Tokens == nil {
		return nil, errors.New("authn middleware requires token repository")
	}

	cache := expirable.NewLRU[string, bool](blacklistCacheSize, nil, blacklistCacheTTL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			raw, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			claims, err := deps.Codec.Verify(raw)
			if err != nil {
				writeUnauthorized(w, "token verification failed")
				return
			}
			if claims.TokenUse != token.UseAccess {
				writeUnauthorized(w, "not an access token")
				return
			}

			blacklisted, cached := cache.Get(claims.ID)
			if !cached {
				blacklisted, err = deps.Tokens.IsBlacklisted(ctx, claims.ID)
				if err != nil {
					log.Printf("authn: blacklist check for %s %s: %v", r.Method, r.URL.Path, err)
					writeAuthError(w, http.StatusInternalServerError, "server_error", "authentication check failed")
					return
				}
				cache.Add(claims.ID, blacklisted)
			}
			if blacklisted {
				writeUnauthorized(w, "token has been revoked")
				return
			}

			record, err := deps.Tokens.GetAccessByJTI(ctx, claims.ID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					writeUnauthorized(w, "unknown token")
					return
				}
				log.Printf("authn: token lookup for %s %s: %v", r.Method, r.URL.Path, err)
				writeAuthError(w, http.StatusInternalServerError, "server_error", "authentication check failed")
				return
			}
			auth := AuthContext{
				UserID:      record.UserID,
				ClientID:    claims.ClientID,
				Subject:     claims.Subject,
				Scope:       claims.Scope,
				Permissions: claims.Permissions,
				JTI:         claims.ID,
			}
			next.ServeHTTP(w, r.WithContext(SetAuthContext(ctx, auth)))
		})
	}, nil
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="invalid_token", error_description="%s"`, description))
	writeAuthError(w, http.StatusUnauthorized, "invalid_token", description)
}

func writeAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
