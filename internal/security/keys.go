package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrInvalidKey is returned when the cookie key file content is not a valid key.
var ErrInvalidKey = errors.New("invalid cookie key")

const cookieKeyBytes = 32

// LoadOrCreateCookieKey reads the hex-encoded cookie signing key from path,
// generating and persisting a fresh random key (mode 0600) when the file does
// not exist. Every node of a cluster must point at the same key file (or a
// copy of it) for cookies to validate cross-node.
func LoadOrCreateCookieKey(path string) ([]byte, error) {
	if path == "" {
		return nil, ErrInvalidKey
	}
	data, err := os.ReadFile(path)
	if err == nil {
		key, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(key) != cookieKeyBytes {
			return nil, fmt.Errorf("%w: %s", ErrInvalidKey, path)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key := make([]byte, cookieKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
