package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/account"
	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/repository"
)

func requestMeta(r *http.Request) account.RequestMeta {
	return account.RequestMeta{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

// decodeBody accepts both JSON and form-encoded request bodies.
func decodeBody(r *http.Request, dst any, fields map[string]*string) error {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		return json.NewDecoder(r.Body).Decode(dst)
	}
	if err := r.ParseForm(); err != nil {
		return err
	}
	for name, target := range fields {
		*target = r.PostFormValue(name)
	}
	return nil
}

// safeReturnTo accepts only local paths so the login flow cannot be used as
// an open redirector.
func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return ""
	}
	return raw
}

func (h *handlers) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.Cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.Cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ReturnTo string `json:"return_to"`
}

// handleLogin authenticates a user and establishes a browser session.
// All failure modes return the same neutral message.
func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req, map[string]*string{
		"username":  &req.Username,
		"password":  &req.Password,
		"return_to": &req.ReturnTo,
	}); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "malformed request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "username and password are required")
		return
	}

	user, err := h.Accounts.Authenticate(r.Context(), req.Username, req.Password, requestMeta(r))
	if err != nil {
		h.record(r, models.AuditLogin, nil, req.Username, false, nil)
		if errors.Is(err, account.ErrInvalidCredentials) {
			writeAPIError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
			return
		}
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "login failed")
		return
	}

	rawToken, session, err := h.Accounts.CreateSession(r.Context(), user.ID, requestMeta(r))
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "login failed")
		return
	}
	h.setSessionCookie(w, rawToken, session.ExpiresAt)
	h.record(r, models.AuditLogin, &user.ID, user.Username, true, nil)

	if returnTo := safeReturnTo(req.ReturnTo); returnTo != "" {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}
	writeAPIData(w, http.StatusOK, map[string]any{
		"user_id":              user.ID,
		"username":             user.Username,
		"must_change_password": user.MustChangePassword,
	})
}

// handleLogout revokes the browser session and clears the cookie.
func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := h.Accounts.Logout(r.Context(), cookie.Value); err != nil {
			log.Printf("server: logout: %v", err)
		}
	}
	h.clearSessionCookie(w)
	h.record(r, models.AuditLogout, nil, "", true, nil)
	writeAPIData(w, http.StatusOK, nil)
}

// handleConsentGet describes the pending consent decision: the client and
// the requested scopes with their descriptions.
func (h *handlers) handleConsentGet(w http.ResponseWriter, r *http.Request) {
	userID := h.sessionUserID(r)
	if userID == "" {
		writeAPIError(w, http.StatusUnauthorized, "login_required", "no active session")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	scope := r.URL.Query().Get("scope")
	if clientID == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "client_id is required")
		return
	}

	client, err := h.Clients.GetByClientID(r.Context(), clientID)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, codeNotFound, "unknown client")
		return
	}

	type scopeInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	var scopes []scopeInfo
	for _, name := range strings.Fields(scope) {
		info := scopeInfo{Name: name}
		if sc, err := h.Scopes.GetByName(r.Context(), name); err == nil {
			info.Description = sc.Description
		}
		scopes = append(scopes, info)
	}

	writeAPIData(w, http.StatusOK, map[string]any{
		"client_id":   client.ClientID,
		"client_name": client.Name,
		"scopes":      scopes,
	})
}

type consentRequest struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	Approve  string `json:"approve"`
	ReturnTo string `json:"return_to"`
}

// handleConsentPost records or refuses a consent grant. Approval stores a
// standing grant and resumes the authorize flow via return_to.
func (h *handlers) handleConsentPost(w http.ResponseWriter, r *http.Request) {
	userID := h.sessionUserID(r)
	if userID == "" {
		writeAPIError(w, http.StatusUnauthorized, "login_required", "no active session")
		return
	}

	var req consentRequest
	if err := decodeBody(r, &req, map[string]*string{
		"client_id": &req.ClientID,
		"scope":     &req.Scope,
		"approve":   &req.Approve,
		"return_to": &req.ReturnTo,
	}); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "malformed request body")
		return
	}
	if req.ClientID == "" || req.Scope == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "client_id and scope are required")
		return
	}

	client, err := h.Clients.GetByClientID(r.Context(), req.ClientID)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, codeNotFound, "unknown client")
		return
	}

	approved := req.Approve == "true" || req.Approve == "1"
	h.record(r, models.AuditConsent, &userID, client.ClientID, approved, models.Metadata{"scope": req.Scope})

	if !approved {
		writeAPIError(w, http.StatusForbidden, "access_denied", "consent was refused")
		return
	}

	if err := h.Consents.Upsert(r.Context(), &models.ConsentGrant{
		UserID:   userID,
		ClientID: client.ID,
		Scope:    req.Scope,
		IssuedAt: time.Now(),
	}); err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to store consent")
		return
	}

	if returnTo := safeReturnTo(req.ReturnTo); returnTo != "" {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}
	writeAPIData(w, http.StatusOK, nil)
}

type passwordForgotRequest struct {
	Email string `json:"email"`
}

// handlePasswordForgot starts a password reset. The response never reveals
// whether the email is registered.
func (h *handlers) handlePasswordForgot(w http.ResponseWriter, r *http.Request) {
	var req passwordForgotRequest
	if err := decodeBody(r, &req, map[string]*string{"email": &req.Email}); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "malformed request body")
		return
	}
	if req.Email == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "email is required")
		return
	}

	rawToken, user, err := h.Accounts.StartPasswordReset(r.Context(), req.Email)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "request failed")
		return
	}
	if user != nil {
		// No mail transport is wired up; surface the token in the server
		// log so operators can relay it.
		log.Printf("password reset token for %s: %s", user.Username, rawToken)
		h.record(r, models.AuditPasswordReset, &user.ID, "forgot", true, nil)
	}

	writeAPIData(w, http.StatusAccepted, map[string]string{
		"message": "If the address is registered, a reset link has been sent.",
	})
}

type passwordResetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// handlePasswordReset completes a password reset with a single-use token.
func (h *handlers) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeBody(r, &req, map[string]*string{
		"token":        &req.Token,
		"new_password": &req.NewPassword,
	}); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "malformed request body")
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "token and new_password are required")
		return
	}

	err := h.Accounts.CompletePasswordReset(r.Context(), req.Token, req.NewPassword)
	if err != nil {
		h.record(r, models.AuditPasswordReset, nil, "reset", false, nil)
		switch {
		case errors.Is(err, account.ErrInvalidToken):
			writeAPIError(w, http.StatusBadRequest, "invalid_token", err.Error())
		case errors.Is(err, account.ErrPasswordReused):
			writeAPIError(w, http.StatusBadRequest, "password_reused", err.Error())
		default:
			writeAPIError(w, http.StatusBadRequest, "weak_password", err.Error())
		}
		return
	}

	h.record(r, models.AuditPasswordReset, nil, "reset", true, nil)
	writeAPIData(w, http.StatusOK, nil)
}

type emailVerifyRequest struct {
	Token string `json:"token"`
}

// handleEmailVerify confirms an email address with a single-use token.
func (h *handlers) handleEmailVerify(w http.ResponseWriter, r *http.Request) {
	var req emailVerifyRequest
	if err := decodeBody(r, &req, map[string]*string{"token": &req.Token}); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "malformed request body")
		return
	}
	if req.Token == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "token is required")
		return
	}

	if err := h.Accounts.ConfirmEmail(r.Context(), req.Token); err != nil {
		h.record(r, models.AuditEmailVerify, nil, "", false, nil)
		writeAPIError(w, http.StatusBadRequest, "invalid_token", account.ErrInvalidToken.Error())
		return
	}
	h.record(r, models.AuditEmailVerify, nil, "", true, nil)
	writeAPIData(w, http.StatusOK, nil)
}

// handleEmailVerifyRequest issues a fresh verification token for the
// session's user.
func (h *handlers) handleEmailVerifyRequest(w http.ResponseWriter, r *http.Request) {
	userID := h.sessionUserID(r)
	if userID == "" {
		writeAPIError(w, http.StatusUnauthorized, "login_required", "no active session")
		return
	}

	rawToken, err := h.Accounts.StartEmailVerification(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, codeNotFound, "user not found")
			return
		}
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}

	// Same situation as password reset: no mail transport, log the token.
	log.Printf("email verification token for user %s: %s", userID, rawToken)
	writeAPIData(w, http.StatusAccepted, map[string]string{
		"message": "Verification email sent.",
	})
}
