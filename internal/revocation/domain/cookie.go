package domain

import "time"

// RevokedCookie is a revoked auth cookie together with the expiry encoded in it.
// Entries are kept until Expiration passes; after that the cookie can no longer
// validate anyway and the entry is swept.
type RevokedCookie struct {
	CookieData string
	Expiration time.Time
}
