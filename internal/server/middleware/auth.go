package middleware

import (
	"net/http"

	"github.com/rstudio/rstudio-sub009/internal/auth"
	"github.com/rstudio/rstudio-sub009/internal/usersession"
)

// NoCookieRefreshHeader suppresses the throttled auth cookie refresh for a
// request. Background polls set it so an idle browser tab does not keep the
// session alive forever.
const NoCookieRefreshHeader = "X-RS-No-Cookie-Refresh"

// Authenticate identifies the request's user from the auth cookie and, when
// valid, stores the username in the request context, stamps session activity,
// and renews the cookie through the manager's refresh throttle. Requests that
// fail identification pass through unauthenticated; route handlers decide how
// to answer them.
func Authenticate(m *auth.Manager, sessions *usersession.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, _, err := m.IdentifyUser(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if sessions != nil {
				sessions.UpdateLastActive(username)
			}
			if r.Header.Get(NoCookieRefreshHeader) == "" {
				if h := m.Handler(); h != nil && h.RefreshCredentials != nil {
					h.RefreshCredentials(w, r)
				}
			}
			next.ServeHTTP(w, r.WithContext(WithUsername(r.Context(), username)))
		})
	}
}
