// Package security provides the secure-cookie provider, signing key
// management, and password hashing for the proxy server.
package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidCookie is returned when a cookie is malformed, tampered with, or expired.
var ErrInvalidCookie = errors.New("invalid cookie")

// CookieClaims holds the claims embedded in a signed auth cookie. The cookie
// self-encodes its expiry (exp), which the revocation registry reads back out
// when deciding how long a revoked cookie must be remembered.
type CookieClaims struct {
	jwt.RegisteredClaims
	Persistent bool `json:"persist,omitempty"`
}

// CookieProvider signs and verifies auth cookies using HS256 with a shared key.
// All nodes in a cluster must load the same key so cookies issued by one node
// validate on any other.
type CookieProvider struct {
	key        []byte
	issuer     string
	defaultTTL time.Duration
	persistTTL time.Duration
}

// NewCookieProvider returns a CookieProvider signing with key. defaultTTL is
// the cookie lifetime for ordinary sign-ins; persistTTL applies when the user
// asked to stay signed in.
func NewCookieProvider(key []byte, issuer string, defaultTTL, persistTTL time.Duration) *CookieProvider {
	return &CookieProvider{
		key:        key,
		issuer:     issuer,
		defaultTTL: defaultTTL,
		persistTTL: persistTTL,
	}
}

// Issue signs a new auth cookie for username. persistent selects the longer
// stay-signed-in lifetime. Returns the cookie value and its expiration.
func (p *CookieProvider) Issue(username string, persistent bool) (cookie string, expiresAt time.Time, err error) {
	ttl := p.defaultTTL
	if persistent {
		ttl = p.persistTTL
	}
	now := time.Now().UTC()
	expiresAt = now.Add(ttl)
	claims := CookieClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   username,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Persistent: persistent,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	cookie, err = t.SignedString(p.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return cookie, expiresAt, nil
}

// Validate parses and verifies cookie (signature, exp, iss). Returns the
// username, expiry, and persistent flag.
func (p *CookieProvider) Validate(cookie string) (username string, expiresAt time.Time, persistent bool, err error) {
	claims, err := p.parse(cookie, true)
	if err != nil {
		return "", time.Time{}, false, err
	}
	return claims.Subject, claims.ExpiresAt.Time, claims.Persistent, nil
}

// Decode parses cookie without enforcing expiry. The revocation registry uses
// this to recover the username and embedded expiration from cookies that may
// already be past their lifetime. The signature is still verified.
func (p *CookieProvider) Decode(cookie string) (username string, expiresAt time.Time, err error) {
	claims, err := p.parse(cookie, false)
	if err != nil {
		return "", time.Time{}, err
	}
	return claims.Subject, claims.ExpiresAt.Time, nil
}

func (p *CookieProvider) parse(cookie string, checkExpiry bool) (*CookieClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if !checkExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	token, err := jwt.ParseWithClaims(cookie, &CookieClaims{}, func(token *jwt.Token) (interface{}, error) {
		return p.key, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidCookie
	}
	claims, ok := token.Claims.(*CookieClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCookie
	}
	if claims.Issuer != p.issuer || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidCookie
	}
	return claims, nil
}
