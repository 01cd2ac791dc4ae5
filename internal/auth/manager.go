// Package auth owns the auth cookie lifecycle: sign-in, refresh, sign-out,
// revocation checks, sign-in rate limiting, and named-user license
// enforcement. Credential validation itself is supplied by a registered
// Handler and CredentialsValidator.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rstudio/rstudio-sub009/internal/audit"
	"github.com/rstudio/rstudio-sub009/internal/authz"
	"github.com/rstudio/rstudio-sub009/internal/licensing"
	"github.com/rstudio/rstudio-sub009/internal/revocation"
	"github.com/rstudio/rstudio-sub009/internal/security"
	"github.com/rstudio/rstudio-sub009/internal/urlports"
	"github.com/rstudio/rstudio-sub009/internal/usersession"
)

var (
	// ErrUnauthorized means the request carries no valid, unrevoked identity.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrRateLimited means sign-in attempts for the username arrive faster
	// than the configured minimum interval.
	ErrRateLimited = errors.New("auth: sign-in rate limited")
	// ErrInvalidCredentials means the username/password pair did not validate.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrPolicyDenied means the sign-in authorization policy rejected the user.
	ErrPolicyDenied = errors.New("auth: denied by sign-in policy")
)

// Manager coordinates cookies, the user session registry, the revocation
// registry, and the licensing policy.
type Manager struct {
	cookies     *security.CookieProvider
	sessions    *usersession.Registry
	revocations *revocation.Registry
	policy      licensing.Policy
	authz       authz.Evaluator
	validator   CredentialsValidator
	auditor     audit.AuditLogger
	handler     *Handler

	refreshMinInterval time.Duration
	signInMinInterval  time.Duration
	userListID         string

	mu         sync.Mutex
	loginTimes map[string]time.Time
}

// ManagerConfig carries the collaborators and tunables for NewManager.
type ManagerConfig struct {
	Cookies            *security.CookieProvider
	Sessions           *usersession.Registry
	Revocations        *revocation.Registry
	Policy             licensing.Policy
	Authz              authz.Evaluator
	Validator          CredentialsValidator
	Auditor            audit.AuditLogger
	RefreshMinInterval time.Duration
	SignInMinInterval  time.Duration
	// UserListID identifies the current revision of the user list. Cookies
	// carrying a stale revision are rejected so list edits take effect
	// without waiting for cookie expiry.
	UserListID string
}

// NewManager creates an auth manager. The licensing policy defaults to
// Unlimited when nil.
func NewManager(cfg ManagerConfig) *Manager {
	policy := cfg.Policy
	if policy == nil {
		policy = licensing.Unlimited{}
	}
	evaluator := cfg.Authz
	if evaluator == nil {
		evaluator = authz.AllowAll{}
	}
	return &Manager{
		cookies:            cfg.Cookies,
		sessions:           cfg.Sessions,
		revocations:        cfg.Revocations,
		policy:             policy,
		authz:              evaluator,
		validator:          cfg.Validator,
		auditor:            cfg.Auditor,
		refreshMinInterval: cfg.RefreshMinInterval,
		signInMinInterval:  cfg.SignInMinInterval,
		userListID:         cfg.UserListID,
		loginTimes:         make(map[string]time.Time),
	}
}

// RegisterHandler installs the pluggable auth handler record. Must be called
// once before serving traffic.
func (m *Manager) RegisterHandler(h *Handler) { m.handler = h }

// Handler returns the registered handler record.
func (m *Manager) Handler() *Handler { return m.handler }

// UserListID returns the current user-list revision identifier.
func (m *Manager) UserListID() string { return m.userListID }

// IdentifyUser returns the authenticated username and the raw cookie for the
// request. ErrUnauthorized covers every failure mode: no cookie, bad
// signature, expiry, revocation, and a stale user-list revision.
func (m *Manager) IdentifyUser(r *http.Request) (username, cookie string, err error) {
	cookie = readCookie(r, CookieUserID)
	if cookie == "" {
		return "", "", ErrUnauthorized
	}
	username, _, _, err = m.cookies.Validate(cookie)
	if err != nil {
		return "", "", ErrUnauthorized
	}
	if m.revocations != nil && m.revocations.IsRevoked(cookie) {
		return "", "", ErrUnauthorized
	}
	if m.userListID != "" {
		if got := readCookie(r, CookieUserListID); got != "" && got != m.userListID {
			return "", "", ErrUnauthorized
		}
	}
	return username, cookie, nil
}

// AllowSignInAttempt enforces the per-username minimum interval between
// sign-in attempts. The attempt is recorded whether or not it is allowed, so
// hammering resets the window.
func (m *Manager) AllowSignInAttempt(username string) bool {
	if m.signInMinInterval <= 0 {
		return true
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.loginTimes[username]
	m.loginTimes[username] = now
	return !ok || now.Sub(last) >= m.signInMinInterval
}

// SignIn validates credentials, enforces licensing, and issues the session
// cookies. uid is the local account id used for license bookkeeping. Returns
// ErrRateLimited, ErrInvalidCredentials, or a licensing error on denial.
func (m *Manager) SignIn(ctx context.Context, w http.ResponseWriter, r *http.Request, username, password string, uid int, persistent bool) error {
	ip := clientIP(r)
	if !m.AllowSignInAttempt(username) {
		m.logEvent(ctx, username, audit.ActionSignInDenied, ip, "rate limited")
		return ErrRateLimited
	}
	if m.validator != nil {
		if err := m.validator.Validate(ctx, username, password); err != nil {
			m.logEvent(ctx, username, audit.ActionSignInDenied, ip, "invalid credentials")
			return ErrInvalidCredentials
		}
	}
	allowed, err := m.authz.Allow(ctx, authz.SignInInput{Username: username, IP: ip, Persistent: persistent})
	if err != nil {
		return fmt.Errorf("auth: sign-in policy: %w", err)
	}
	if !allowed {
		m.logEvent(ctx, username, audit.ActionSignInDenied, ip, "policy denied")
		return ErrPolicyDenied
	}
	if err := m.policy.Authorize(ctx, username, uid); err != nil {
		m.logEvent(ctx, username, audit.ActionSignInDenied, ip, err.Error())
		return err
	}
	if err := m.issueCookies(w, username, persistent); err != nil {
		return err
	}
	m.logEvent(ctx, username, audit.ActionSignIn, ip, "")
	return nil
}

// RefreshCredentials re-issues the user's auth cookie if the per-user refresh
// throttle allows it. Refreshing more often than the minimum interval would
// burn CPU and inflate the set of cookies sign-out must revoke, so within the
// window the call is a no-op.
func (m *Manager) RefreshCredentials(ctx context.Context, w http.ResponseWriter, username string, persistent bool) error {
	last := m.sessions.LastCookieRefresh(username)
	if !last.IsZero() && time.Since(last) < m.refreshMinInterval {
		return nil
	}
	cookie, expires, err := m.cookies.Issue(username, persistent)
	if err != nil {
		return fmt.Errorf("auth: refresh cookie: %w", err)
	}
	m.sessions.InsertSessionCookie(username, cookie)
	cookieExpiry := time.Time{}
	if persistent {
		cookieExpiry = expires
	}
	setCookie(w, CookieUserID, cookie, cookieExpiry, true)
	return nil
}

// SignOut revokes the request's cookie, tears down the user session (revoking
// every cookie it ever issued), and clears the client's cookies. Safe to call
// for requests that turn out to be unauthenticated.
func (m *Manager) SignOut(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error) {
	username, cookie, err := m.IdentifyUser(r)
	if err == nil {
		if m.revocations != nil {
			m.revocations.Revoke(ctx, cookie)
		}
		m.sessions.Invalidate(ctx, username)
		m.logEvent(ctx, username, audit.ActionSignOut, clientIP(r), "")
	}
	for _, name := range []string{CookieUserID, CookieCSRF, CookiePersist, CookiePortToken} {
		clearCookie(w, name)
	}
	if err != nil {
		return "", err
	}
	return username, nil
}

// ForceSignOut invalidates username's session server-side without a client
// request, for admin-initiated sign-out. Returns false when no session existed.
func (m *Manager) ForceSignOut(ctx context.Context, username, byIP string) bool {
	ok := m.sessions.Invalidate(ctx, username)
	if ok {
		m.logEvent(ctx, username, audit.ActionForcedSignOut, byIP, "")
	}
	return ok
}

// issueCookies writes the full sign-in cookie set and records the session.
func (m *Manager) issueCookies(w http.ResponseWriter, username string, persistent bool) error {
	cookie, expires, err := m.cookies.Issue(username, persistent)
	if err != nil {
		return fmt.Errorf("auth: issue cookie: %w", err)
	}
	m.sessions.InsertSessionCookie(username, cookie)

	portToken := m.sessions.PortToken(username)
	if portToken == "" {
		portToken, err = urlports.NewToken()
		if err != nil {
			return fmt.Errorf("auth: port token: %w", err)
		}
		m.sessions.SetPortToken(username, portToken)
	}

	cookieExpiry := time.Time{}
	persistValue := "0"
	if persistent {
		cookieExpiry = expires
		persistValue = "1"
	}
	setCookie(w, CookieUserID, cookie, cookieExpiry, true)
	setCookie(w, CookieCSRF, uuid.New().String(), cookieExpiry, false)
	setCookie(w, CookiePersist, persistValue, cookieExpiry, true)
	setCookie(w, CookiePortToken, portToken, cookieExpiry, true)
	if m.userListID != "" {
		setCookie(w, CookieUserListID, m.userListID, cookieExpiry, true)
	}
	return nil
}

// logEvent writes an audit entry when an auditor is configured.
func (m *Manager) logEvent(ctx context.Context, username, action, ip, metadata string) {
	if m.auditor != nil {
		m.auditor.LogEvent(ctx, username, action, ip, metadata)
	}
}

// clientIP extracts the peer address without the port.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
