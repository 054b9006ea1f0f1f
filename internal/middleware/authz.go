package middleware

import (
	"net/http"

	"github.com/keygate/keygate/internal/audit"
	"github.com/keygate/keygate/internal/db/models"
)

// RequirePermission gates a route on the token carrying every named
// permission. Denials are recorded as AUTHZ_DENY audit events.
func RequirePermission(sink audit.Sink, required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, ok := AuthFromContext(r.Context())
			if !ok {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			for _, name := range required {
				if !auth.HasPermission(name) {
					recordDenial(sink, r, auth, name)
					writeAuthError(w, http.StatusForbidden, "insufficient_permissions",
						"token does not carry permission "+name)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func recordDenial(sink audit.Sink, r *http.Request, auth AuthContext, permission string) {
	if sink == nil {
		return
	}
	actor := auth.Subject
	sink.Record(&models.AuditEvent{
		Action:    models.AuditAuthzDeny,
		ActorID:   &actor,
		Resource:  r.Method + " " + r.URL.Path,
		Success:   false,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Metadata:  models.Metadata{"permission": permission},
	})
}
