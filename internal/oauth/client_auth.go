package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/keygate/keygate/internal/crypto"
	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/repository"
)

// ClientCredentials are the credentials extracted from a token-endpoint
// request, together with the mechanism that carried them.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	Method       string // client_secret_basic, client_secret_post, or none
}

// CredentialsFromRequest extracts client credentials in precedence order:
// HTTP Basic, then form body, then bare client_id (public clients).
// The form must already be parsed.
func CredentialsFromRequest(r *http.Request) (*ClientCredentials, error) {
	if id, secret, ok := r.BasicAuth(); ok {
		return &ClientCredentials{
			ClientID:     id,
			ClientSecret: secret,
			Method:       models.AuthMethodBasic,
		}, nil
	}

	id := r.PostFormValue("client_id")
	if id == "" {
		return nil, ErrInvalidClient("client authentication required")
	}
	if secret := r.PostFormValue("client_secret"); secret != "" {
		return &ClientCredentials{
			ClientID:     id,
			ClientSecret: secret,
			Method:       models.AuthMethodPost,
		}, nil
	}
	return &ClientCredentials{ClientID: id, Method: models.AuthMethodNone}, nil
}

// Authenticator resolves and authenticates OAuth clients.
type Authenticator struct {
	clients repository.ClientRepository
}

// NewAuthenticator creates a client authenticator.
func NewAuthenticator(clients repository.ClientRepository) *Authenticator {
	return &Authenticator{clients: clients}
}

// Authenticate resolves the client and verifies its credentials. The
// mechanism used must match the client's registered auth method, and
// confidential clients must present a secret matching the stored hash.
func (a *Authenticator) Authenticate(ctx context.Context, creds *ClientCredentials) (*models.Client, error) {
	if creds == nil || creds.ClientID == "" {
		return nil, ErrInvalidClient("client authentication required")
	}

	client, err := a.clients.GetByClientID(ctx, creds.ClientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, fmt.Errorf("resolve client: %w", err)
	}
	if !client.IsActive {
		return nil, ErrInvalidClient("client is disabled")
	}

	if creds.Method != client.TokenEndpointAuthMethod {
		return nil, ErrInvalidClient("authentication method not allowed for this client")
	}

	if client.IsPublic() {
		if creds.ClientSecret != "" {
			return nil, ErrInvalidClient("public client must not present a secret")
		}
		return client, nil
	}

	if client.ClientSecretHash == nil || creds.ClientSecret == "" {
		return nil, ErrInvalidClient("client secret required")
	}
	if !crypto.VerifyPassword(*client.ClientSecretHash, creds.ClientSecret) {
		return nil, ErrInvalidClient("invalid client credentials")
	}
	return client, nil
}

// ValidateRedirectURI requires an exact string match against the client's
// registered redirect URIs. No normalization, no prefix matching.
func ValidateRedirectURI(client *models.Client, uri string) bool {
	if uri == "" {
		return false
	}
	return client.RedirectURIs.Contains(uri)
}

// ValidateScopes checks each requested scope against the client's allowed
// set and returns the granted scopes. An empty request defaults to the
// client's full allowed set.
func ValidateScopes(client *models.Client, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), client.AllowedScopes...), nil
	}
	for _, s := range requested {
		if !client.AllowedScopes.Contains(s) {
			return nil, ErrInvalidScope(fmt.Sprintf("scope %q not allowed for client", s))
		}
	}
	return requested, nil
}

// ScopeSubset reports whether every scope in requested appears in granted.
// Both are space-joined scope strings.
func ScopeSubset(requested, granted string) bool {
	have := make(map[string]bool)
	for _, s := range strings.Fields(granted) {
		have[s] = true
	}
	for _, s := range strings.Fields(requested) {
		if !have[s] {
			return false
		}
	}
	return true
}
