// Package urlports scrambles published TCP ports into opaque URL tokens so a
// user cannot reach another session's localhost ports by editing an integer in
// the proxied URL.
package urlports

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// DefaultToken is used when the browser has not been issued a port-token
// cookie (e.g. the very first request of a session).
const DefaultToken = "680b8a277b9d7d86"

// serverRouteBit marks an id whose target should be routed through the server
// rather than dialed directly; encoded as a ninth hex digit.
const serverRouteBit = uint64(1) << 32

// NewToken returns a fresh random port token for delivery via the port-token
// cookie. Tokens are 16 hex digits.
func NewToken() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// mask derives the 32-bit scramble mask from a token. Any token string works;
// unknown tokens simply produce ids that fail to unscramble elsewhere.
func mask(token string) uint32 {
	if token == "" {
		token = DefaultToken
	}
	sum := sha256.Sum256([]byte(token))
	return binary.BigEndian.Uint32(sum[:4])
}

// Scramble transforms port into an opaque id under token. The transform is
// deterministic so repeated requests for the same port produce stable URLs.
// serverRoute marks the id for server-side routing and widens it to 9 digits.
func Scramble(token string, port int, serverRoute bool) string {
	v := uint64(uint32(port) ^ mask(token))
	if serverRoute {
		return fmt.Sprintf("%09x", v|serverRouteBit)
	}
	return fmt.Sprintf("%08x", v)
}

// Unscramble recovers the port hidden in id under token. Returns a negative
// port when id is not a valid scrambled port for this token; callers must
// treat that as "not found" and answer 404, never as an internal error.
func Unscramble(token string, id string) (port int, serverRoute bool) {
	id = strings.ToLower(id)
	if len(id) != 8 && len(id) != 9 {
		return -1, false
	}
	v, err := parseHex(id)
	if err != nil {
		return -1, false
	}
	if len(id) == 9 {
		if v&serverRouteBit == 0 {
			return -1, false
		}
		serverRoute = true
		v &^= serverRouteBit
	}
	if v > 0xFFFFFFFF {
		return -1, false
	}
	p := uint32(v) ^ mask(token)
	if p == 0 || p > 65535 {
		return -1, false
	}
	return int(p), serverRoute
}

func parseHex(s string) (uint64, error) {
	var v uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		default:
			return 0, fmt.Errorf("invalid hex digit %q", c)
		}
		v = v<<4 | d
	}
	return v, nil
}
