package auth

import (
	"context"
	"net/http"
)

// Handler is the pluggable record of authentication behaviors. The server core
// owns cookie lifecycle, refresh throttling, sign-in rate limiting, and
// licensing; a Handler supplies everything specific to how identities are
// established and where sign-in pages live. Exactly one Handler is registered
// at startup.
type Handler struct {
	// IdentifyUser extracts the authenticated username from the request,
	// returning "" when the request carries no valid identity.
	IdentifyUser func(r *http.Request) string

	// LocalUsername maps an authenticated identifier to the local system
	// account the session process runs as.
	LocalUsername func(identifier string) (string, error)

	// MainPageFilter runs before the main page is served. Returning false
	// means the filter wrote the response and handling stops.
	MainPageFilter func(w http.ResponseWriter, r *http.Request) bool

	// SignInRedirect sends an unauthenticated client to the sign-in page,
	// preserving appURI so sign-in can return the user to where they were.
	SignInRedirect func(w http.ResponseWriter, r *http.Request, appURI string)

	// RefreshCredentials renews the client's credentials on request activity.
	RefreshCredentials func(w http.ResponseWriter, r *http.Request)

	// SignOut tears down the client's credentials.
	SignOut func(w http.ResponseWriter, r *http.Request)

	// UpdateCredentials re-issues credentials after an external change, e.g. a
	// password update.
	UpdateCredentials func(w http.ResponseWriter, r *http.Request)
}

// CredentialsValidator checks a username/password pair. Implemented by the
// local-accounts provider; alternative providers (PAM, proxied auth) plug in
// the same way.
type CredentialsValidator interface {
	Validate(ctx context.Context, username, password string) error
}
