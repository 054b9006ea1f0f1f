package server

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"

	"github.com/keygate/keygate/internal/oauth"
)

// apiErrorBody is the error half of the admin API envelope.
type apiErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type apiEnvelope struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *apiErrorBody `json:"error,omitempty"`
}

// Admin API error codes.
const (
	codeNotFound     = "not_found"
	codeInvalidInput = "invalid_input"
	codeConflict     = "conflict"
	codeInternal     = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeAPIData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, apiEnvelope{Success: true, Data: data})
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiEnvelope{
		Success: false,
		Error:   &apiErrorBody{Code: code, Message: message},
	})
}

// writeOAuthError renders an RFC 6749 error body. Protocol error codes and
// descriptions are written verbatim; anything else becomes server_error.
func writeOAuthError(w http.ResponseWriter, err error) {
	oe := oauth.AsError(err)
	if oe.Code == "server_error" {
		log.Printf("server: oauth request failed: %v", err)
	}
	if oe.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token endpoint"`)
	}
	body := map[string]string{"error": oe.Code}
	if oe.Description != "" {
		body["error_description"] = oe.Description
	}
	writeJSON(w, oe.Status, body)
}

// redirectOAuthError delivers a protocol error through the validated
// redirect URI with the state echoed, per the authorize error rules.
func redirectOAuthError(w http.ResponseWriter, r *http.Request, redirectURI, state string, oe *oauth.Error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, oe)
		return
	}
	q := target.Query()
	q.Set("error", oe.Code)
	if oe.Description != "" {
		q.Set("error_description", oe.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
