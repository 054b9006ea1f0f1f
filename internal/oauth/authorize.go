package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/crypto"
	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/repository"
)

// DefaultAuthCodeTTL applies when a client has no code lifetime configured.
const DefaultAuthCodeTTL = 10 * time.Minute

// AuthorizeRequest carries the query parameters of a GET /authorize call.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// AuthorizeResult is a minted authorization code ready for redirect.
type AuthorizeResult struct {
	Code        string
	State       string
	RedirectURI string
}

// AuthorizeEngine drives the authorization code flow: parameter and client
// validation, session and consent gating, and code issuance.
type AuthorizeEngine struct {
	clients  repository.ClientRepository
	codes    repository.AuthCodeRepository
	consents repository.ConsentRepository
}

// NewAuthorizeEngine creates the authorization code engine.
func NewAuthorizeEngine(clients repository.ClientRepository, codes repository.AuthCodeRepository, consents repository.ConsentRepository) *AuthorizeEngine {
	return &AuthorizeEngine{clients: clients, codes: codes, consents: consents}
}

// Authorize runs the authorize state machine for an optionally authenticated
// user (userID empty means no valid session).
//
// Error delivery rule: until the redirect URI has been validated against the
// client, failures are plain (JSON) errors. Afterwards they are marked
// Redirectable and the handler delivers them via the redirect URI with the
// state echoed. ErrLoginRequired and ErrConsentRequired are returned for the
// handler to redirect to the login or consent page.
func (e *AuthorizeEngine) Authorize(ctx context.Context, req AuthorizeRequest, userID string) (*AuthorizeResult, error) {
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := e.clients.GetByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, fmt.Errorf("resolve client: %w", err)
	}
	if !client.IsActive {
		return nil, ErrInvalidClient("client is disabled")
	}
	if !ValidateRedirectURI(client, req.RedirectURI) {
		// Never redirect to an unregistered URI.
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	// The redirect URI is trusted from here on; errors may flow through it.
	if req.ResponseType != "code" {
		return nil, redirectable(ErrUnsupportedResponseType("only response_type=code is supported"))
	}
	if !client.ResponseTypes.Contains("code") {
		return nil, redirectable(ErrUnauthorizedClient("client may not use response_type=code"))
	}

	if client.RequirePKCE || client.IsPublic() {
		if req.CodeChallenge == "" {
			return nil, redirectable(ErrInvalidRequest("code_challenge is required"))
		}
	}
	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod != crypto.CodeChallengeMethodS256 {
			return nil, redirectable(ErrInvalidRequest("code_challenge_method must be S256"))
		}
		if l := len(req.CodeChallenge); l < 43 || l > 128 {
			return nil, redirectable(ErrInvalidRequest("malformed code_challenge"))
		}
	}

	scopes, err := ValidateScopes(client, strings.Fields(req.Scope))
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			return nil, redirectable(oe)
		}
		return nil, err
	}
	scope := strings.Join(scopes, " ")

	if userID == "" {
		return nil, ErrLoginRequired
	}

	if client.RequireConsent {
		granted, err := e.consents.Get(ctx, userID, client.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrConsentRequired
		case err != nil:
			return nil, fmt.Errorf("load consent: %w", err)
		}
		if granted.ExpiresAt != nil && granted.ExpiresAt.Before(time.Now()) {
			return nil, ErrConsentRequired
		}
		if !ScopeSubset(scope, granted.Scope) {
			return nil, ErrConsentRequired
		}
	}

	code, err := crypto.NewToken()
	if err != nil {
		return nil, fmt.Errorf("mint authorization code: %w", err)
	}

	ttl := DefaultAuthCodeTTL
	if client.AuthorizationCodeLifetime > 0 {
		ttl = time.Duration(client.AuthorizationCodeLifetime) * time.Second
	}

	record := &models.AuthorizationCode{
		ID:                  bunx.NewUUIDv7(),
		CodeHash:            crypto.HashToken(code),
		UserID:              userID,
		ClientID:            client.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           time.Now().Add(ttl),
	}
	if req.Nonce != "" {
		nonce := req.Nonce
		record.Nonce = &nonce
	}
	if err := e.codes.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("persist authorization code: %w", err)
	}

	return &AuthorizeResult{
		Code:        code,
		State:       req.State,
		RedirectURI: req.RedirectURI,
	}, nil
}
