package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/oauth"
)

// SessionCookieName is the browser session cookie.
const SessionCookieName = "keygate_session"

// record emits one audit event; sink absence is tolerated for tests.
func (h *handlers) record(r *http.Request, action string, actorID *string, resource string, success bool, meta models.Metadata) {
	if h.Audit == nil {
		return
	}
	h.Audit.Record(&models.AuditEvent{
		Action:    action,
		ActorID:   actorID,
		Resource:  resource,
		Success:   success,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Metadata:  meta,
	})
}

// sessionUserID resolves the browser session cookie to a user ID.
// Returns "" when there is no valid session.
func (h *handlers) sessionUserID(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	session, err := h.Accounts.ValidateSession(r.Context(), cookie.Value)
	if err != nil {
		return ""
	}
	return session.UserID
}

// handleAuthorize runs the authorization code flow. Errors before the
// redirect URI is validated come back as JSON; afterwards they are delivered
// through the redirect URI with the state echoed. Missing login or consent
// redirects to the corresponding page with the full authorize URL preserved.
func (h *handlers) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := oauth.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
	}

	userID := h.sessionUserID(r)

	result, err := h.Authorize.Authorize(r.Context(), req, userID)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrLoginRequired):
			h.redirectToPage(w, r, "/login")
		case errors.Is(err, oauth.ErrConsentRequired):
			h.redirectToPage(w, r, "/consent")
		default:
			oe := oauth.AsError(err)
			h.record(r, models.AuditAuthorize, nil, req.ClientID, false, models.Metadata{"error": oe.Code})
			if oe.Redirectable {
				redirectOAuthError(w, r, req.RedirectURI, req.State, oe)
				return
			}
			writeOAuthError(w, err)
		}
		return
	}

	h.record(r, models.AuditAuthorize, &userID, req.ClientID, true, nil)

	target, perr := url.Parse(result.RedirectURI)
	if perr != nil {
		writeOAuthError(w, oauth.ErrServerError(""))
		return
	}
	rq := target.Query()
	rq.Set("code", result.Code)
	if result.State != "" {
		rq.Set("state", result.State)
	}
	target.RawQuery = rq.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// redirectToPage sends the browser to the login or consent page with the
// full authorize URL preserved so the flow can resume.
func (h *handlers) redirectToPage(w http.ResponseWriter, r *http.Request, page string) {
	returnTo := r.URL.RequestURI()
	http.Redirect(w, r, page+"?return_to="+url.QueryEscape(returnTo), http.StatusFound)
}

// handleToken dispatches POST /token on grant_type.
func (h *handlers) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest("malformed form body"))
		return
	}

	creds, err := oauth.CredentialsFromRequest(r)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	client, err := h.ClientAuth.Authenticate(r.Context(), creds)
	if err != nil {
		h.record(r, models.AuditTokenIssue, nil, creds.ClientID, false, models.Metadata{"error": "invalid_client"})
		writeOAuthError(w, err)
		return
	}

	grantType := r.PostFormValue("grant_type")
	if grantType == "" {
		writeOAuthError(w, oauth.ErrInvalidRequest("grant_type is required"))
		return
	}
	if !client.AllowsGrantType(grantType) {
		writeOAuthError(w, oauth.ErrUnauthorizedClient("client may not use grant type "+grantType))
		return
	}

	var (
		resp   *oauth.TokenResponse
		action = models.AuditTokenIssue
	)
	switch grantType {
	case "authorization_code":
		resp, err = h.Tokens.ExchangeAuthorizationCode(r.Context(), client, oauth.AuthorizationCodeRequest{
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			CodeVerifier: r.PostFormValue("code_verifier"),
		})
	case "refresh_token":
		action = models.AuditTokenRefresh
		resp, err = h.Tokens.Refresh(r.Context(), client, oauth.RefreshTokenRequest{
			RefreshToken: r.PostFormValue("refresh_token"),
			Scope:        r.PostFormValue("scope"),
		})
	case "client_credentials":
		resp, err = h.Tokens.ClientCredentials(r.Context(), client, oauth.ClientCredentialsRequest{
			Scope: r.PostFormValue("scope"),
		})
	default:
		err = oauth.ErrUnsupportedGrantType("unknown grant type " + grantType)
	}

	actor := client.ClientID
	if err != nil {
		oe := oauth.AsError(err)
		h.record(r, action, &actor, grantType, false, models.Metadata{"error": oe.Code})
		writeOAuthError(w, err)
		return
	}
	h.record(r, action, &actor, grantType, true, nil)

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// handleIntrospect implements RFC 7662 for authenticated resource servers.
// Unknown, expired, or revoked tokens all yield {"active": false} without
// distinguishing the cause.
func (h *handlers) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest("malformed form body"))
		return
	}
	creds, err := oauth.CredentialsFromRequest(r)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	client, err := h.ClientAuth.Authenticate(r.Context(), creds)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	if client.IsPublic() {
		writeOAuthError(w, oauth.ErrInvalidClient("public clients may not introspect"))
		return
	}

	raw := r.PostFormValue("token")
	if raw == "" {
		writeOAuthError(w, oauth.ErrInvalidRequest("token is required"))
		return
	}

	resp, err := h.Introspector.Introspect(r.Context(), raw)
	actor := client.ClientID
	if err != nil {
		h.record(r, models.AuditIntrospect, &actor, "", false, nil)
		writeOAuthError(w, err)
		return
	}
	h.record(r, models.AuditIntrospect, &actor, "", true, models.Metadata{"active": resp.Active})
	writeJSON(w, http.StatusOK, resp)
}

// handleRevoke implements RFC 7009. Revocation is idempotent: unknown or
// foreign tokens still return 200.
func (h *handlers) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest("malformed form body"))
		return
	}
	creds, err := oauth.CredentialsFromRequest(r)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	client, err := h.ClientAuth.Authenticate(r.Context(), creds)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	raw := r.PostFormValue("token")
	if raw == "" {
		writeOAuthError(w, oauth.ErrInvalidRequest("token is required"))
		return
	}

	actor := client.ClientID
	if err := h.Revoker.Revoke(r.Context(), client, raw); err != nil {
		h.record(r, models.AuditTokenRevoke, &actor, "", false, nil)
		writeOAuthError(w, oauth.ErrServerError(""))
		return
	}
	h.record(r, models.AuditTokenRevoke, &actor, "", true, nil)
	w.WriteHeader(http.StatusOK)
}
