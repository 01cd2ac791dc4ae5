package auth

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/rstudio/rstudio-sub009/internal/security"
)

// LocalAccounts validates credentials against a password file of
// username:bcrypt-hash lines. It is the default provider, so the server works
// standalone without an external authenticator.
type LocalAccounts struct {
	hasher *security.Hasher
	users  map[string]string
	listID string
}

// NewLocalAccounts loads the password file at path. Blank lines and lines
// starting with # are skipped. The returned provider also carries a user-list
// revision id derived from the file contents.
func NewLocalAccounts(path string, hasher *security.Hasher) (*LocalAccounts, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("auth: open users file: %w", err)
	}
	defer f.Close()

	users := make(map[string]string)
	digest := sha256.New()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("auth: users file line %d: want username:hash", lineNo)
		}
		users[name] = hash
		digest.Write([]byte(line))
		digest.Write([]byte{'\n'})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("auth: read users file: %w", err)
	}
	return &LocalAccounts{
		hasher: hasher,
		users:  users,
		listID: hex.EncodeToString(digest.Sum(nil))[:16],
	}, nil
}

// Validate checks the password for username against the stored bcrypt hash.
func (l *LocalAccounts) Validate(ctx context.Context, username, password string) error {
	hash, ok := l.users[username]
	if !ok {
		return ErrInvalidCredentials
	}
	if err := l.hasher.Compare(hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// UserListID returns the revision id of the loaded user list.
func (l *LocalAccounts) UserListID() string { return l.listID }

// LookupUID resolves the local system uid for username. Used for license
// bookkeeping and stream ownership checks.
func LookupUID(username string) (int, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, fmt.Errorf("auth: non-numeric uid for %s: %w", username, err)
	}
	return uid, nil
}

// NewLocalHandler builds the handler record for local-accounts deployments:
// identities come from the manager's cookie, the local username is the
// identifier itself, and sign-in lives at signInPath.
func NewLocalHandler(m *Manager, signInPath string) *Handler {
	return &Handler{
		IdentifyUser: func(r *http.Request) string {
			username, _, err := m.IdentifyUser(r)
			if err != nil {
				return ""
			}
			return username
		},
		LocalUsername: func(identifier string) (string, error) {
			return identifier, nil
		},
		MainPageFilter: func(w http.ResponseWriter, r *http.Request) bool {
			return true
		},
		SignInRedirect: func(w http.ResponseWriter, r *http.Request, appURI string) {
			target := signInPath
			if appURI != "" {
				target += "?appUri=" + url.QueryEscape(appURI)
			}
			http.Redirect(w, r, target, http.StatusFound)
		},
		RefreshCredentials: func(w http.ResponseWriter, r *http.Request) {
			username, _, err := m.IdentifyUser(r)
			if err != nil {
				return
			}
			persistent := readCookie(r, CookiePersist) == "1"
			if err := m.RefreshCredentials(r.Context(), w, username, persistent); err != nil {
				return
			}
		},
		SignOut: func(w http.ResponseWriter, r *http.Request) {
			_, _ = m.SignOut(r.Context(), w, r)
		},
		UpdateCredentials: func(w http.ResponseWriter, r *http.Request) {
			username, _, err := m.IdentifyUser(r)
			if err != nil {
				return
			}
			persistent := readCookie(r, CookiePersist) == "1"
			_ = m.RefreshCredentials(r.Context(), w, username, persistent)
		},
	}
}
