package security

import "time"

// Test signing key for unit tests only. Do not use in production.
var testCookieKey = []byte("0123456789abcdef0123456789abcdef")

// NewTestCookieProvider returns a CookieProvider using a fixed test key.
// For unit tests only.
func NewTestCookieProvider() *CookieProvider {
	return NewCookieProvider(testCookieKey, "test-rserver", time.Hour, 24*time.Hour)
}
