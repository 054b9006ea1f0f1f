package middleware

import "context"

// AuthContext carries the authenticated token's identity through the
// request context.
type AuthContext struct {
	// UserID is nil for client_credentials tokens.
	UserID *string
	// ClientID is the public client identifier the token was issued to.
	ClientID string
	// Subject is the token's sub claim (user ID or client ID).
	Subject string
	// Scope is the space-delimited granted scope.
	Scope string
	// Permissions are the resource:action names embedded in the token.
	Permissions []string
	// JTI is the token's unique identifier.
	JTI string
}

// HasPermission reports whether the token carries the named permission.
func (a AuthContext) HasPermission(name string) bool {
	for _, p := range a.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

type authContextKey struct{}

// SetAuthContext stores the authenticated token identity on the context.
func SetAuthContext(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// AuthFromContext retrieves the authenticated token identity.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey{}).(AuthContext)
	return auth, ok
}
