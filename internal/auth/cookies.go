package auth

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Cookie names shared with the web client.
const (
	CookieUserID     = "user-id"
	CookieCSRF       = "csrf-token"
	CookieUserListID = "user-list-id"
	CookiePersist    = "persist-auth"
	CookiePortToken  = "port-token"
)

// setCookie writes a session or persistent cookie scoped to the server root.
// A zero expires yields a session cookie.
func setCookie(w http.ResponseWriter, name, value string, expires time.Time, httpOnly bool) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: httpOnly,
		SameSite: http.SameSiteLaxMode,
	}
	if !expires.IsZero() {
		c.Expires = expires
	}
	http.SetCookie(w, c)
}

// clearCookie expires the named cookie immediately.
func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:    name,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
		MaxAge:  -1,
	})
}

// NewCSRFToken issues a fresh CSRF token as a session cookie and returns it.
// The cookie is readable by page scripts so forms can echo it back.
func NewCSRFToken(w http.ResponseWriter) string {
	token := uuid.New().String()
	setCookie(w, CookieCSRF, token, time.Time{}, false)
	return token
}

// readCookie returns the named cookie's value, or "" when absent.
func readCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
