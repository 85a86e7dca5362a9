// Package authmw is the minimal, concrete stand-in for the authentication
// layer spec.md §1 scopes out as an external collaborator: something
// upstream of the shell-manager core establishes who the caller is before
// any of the seven endpoints run. A real deployment replaces this
// middleware with its own session/cookie/SSO logic; shellgate needs
// something here so the repository compiles and its tests can exercise the
// notLoggedIn path end to end.
package authmw

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/toddlipcon/hue/internal/protocol"
)

type contextKey struct{}

var userKey = contextKey{}

// HeaderName is the header this trivial scheme trusts verbatim as the
// caller's username.
const HeaderName = "X-Hue-User"

// Middleware denies requests with no HeaderName value by writing
// {notLoggedIn: true} and short-circuiting; otherwise it stores the
// username in the request context for downstream handlers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := r.Header.Get(HeaderName)
		if username == "" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(protocol.CreateResponse{NotLoggedIn: true})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, username)))
	})
}

// UserFromContext returns the username Middleware stored on r.Context().
func UserFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userKey).(string)
	return v, ok
}
