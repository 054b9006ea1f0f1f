package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an RFC 6749 protocol error. Code and Description go to the
// client verbatim; Status selects the HTTP status for JSON responses.
// Redirectable marks errors that may be delivered via the validated
// redirect URI instead of a JSON body.
type Error struct {
	Code         string
	Description  string
	Status       int
	Redirectable bool
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// AsError unwraps an *Error from err, mapping everything else to a
// server_error so internal causes never reach the wire.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ErrServerError("")
}

func newError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// ErrInvalidRequest reports a malformed or incomplete request.
func ErrInvalidRequest(description string) *Error {
	return newError("invalid_request", description, http.StatusBadRequest)
}

// ErrInvalidClient reports failed client authentication.
func ErrInvalidClient(description string) *Error {
	return newError("invalid_client", description, http.StatusUnauthorized)
}

// ErrInvalidGrant reports an invalid, expired, consumed, or mismatched grant.
func ErrInvalidGrant(description string) *Error {
	return newError("invalid_grant", description, http.StatusBadRequest)
}

// ErrInvalidScope reports a scope outside the client's allowed set.
func ErrInvalidScope(description string) *Error {
	return newError("invalid_scope", description, http.StatusBadRequest)
}

// ErrUnauthorizedClient reports a grant type the client may not use.
func ErrUnauthorizedClient(description string) *Error {
	return newError("unauthorized_client", description, http.StatusBadRequest)
}

// ErrUnsupportedGrantType reports an unknown grant_type value.
func ErrUnsupportedGrantType(description string) *Error {
	return newError("unsupported_grant_type", description, http.StatusBadRequest)
}

// ErrUnsupportedResponseType reports a response_type other than code.
func ErrUnsupportedResponseType(description string) *Error {
	return newError("unsupported_response_type", description, http.StatusBadRequest)
}

// ErrAccessDenied reports that the resource owner refused the request.
func ErrAccessDenied(description string) *Error {
	return newError("access_denied", description, http.StatusForbidden)
}

// ErrServerError reports an internal failure without exposing the cause.
func ErrServerError(description string) *Error {
	return newError("server_error", description, http.StatusInternalServerError)
}

// redirectable marks an error as deliverable through the redirect URI.
func redirectable(e *Error) *Error {
	e.Redirectable = true
	return e
}

// Front-channel control-flow sentinels. They are not protocol errors: the
// authorize handler turns them into redirects to the login or consent page.
var (
	ErrLoginRequired   = errors.New("login required")
	ErrConsentRequired = errors.New("consent required")
)
