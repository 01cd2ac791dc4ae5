// Package usersession tracks in-memory per-user state for signed-in users of
// this server instance: issued cookies, activity timestamps, and open
// long-lived connection counts. The registry drives idle-session invalidation
// and gives sign-out its list of cookies to revoke.
package usersession

import (
	"context"
	"log"
	"sync"
	"time"
)

// UserSession is the live state for one signed-in username. All fields are
// guarded by the owning registry's mutex; callers outside this package only
// see copies via Snapshot.
type UserSession struct {
	username             string
	sessionCookies       map[string]struct{}
	portToken            string
	lastActiveTime       time.Time
	lastSocketActiveTime time.Time
	lastCookieRefresh    time.Time
	numConnections       int
}

// Snapshot is a copy of a session's state safe to use without holding the
// registry lock. Used by admin listings and the reaper's audit trail.
type Snapshot struct {
	Username         string
	PortToken        string
	LastActive       time.Time
	LastSocketActive time.Time
	NumConnections   int
	NumCookies       int
}

// CookieRevoker revokes a single auth cookie. Wired to the revocation
// registry at startup; nil disables cookie revocation on sign-out.
type CookieRevoker func(ctx context.Context, cookie string)

// Registry is the process-wide map of active user sessions. One mutex guards
// every entry; no I/O happens while it is held. Cookie revocation runs after
// the lock is released.
type Registry struct {
	revoke CookieRevoker

	mu       sync.Mutex
	sessions map[string]*UserSession
}

// NewRegistry creates an empty session registry.
func NewRegistry(revoke CookieRevoker) *Registry {
	return &Registry{revoke: revoke, sessions: make(map[string]*UserSession)}
}

// GetOrCreate returns the session for username, creating it if needed.
// Concurrent callers for the same username converge on one instance; a second
// browser signing in as the same user reuses the session of the first.
func (r *Registry) GetOrCreate(username string) *UserSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(username)
}

func (r *Registry) getOrCreateLocked(username string) *UserSession {
	if s, ok := r.sessions[username]; ok {
		return s
	}
	now := time.Now()
	s := &UserSession{
		username:             username,
		sessionCookies:       make(map[string]struct{}),
		lastActiveTime:       now,
		lastSocketActiveTime: now,
	}
	r.sessions[username] = s
	return s
}

// Exists reports whether a session is currently tracked for username.
func (r *Registry) Exists(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[username]
	return ok
}

// InsertSessionCookie records a cookie issued to username, creating the
// session if needed, and marks the cookie refresh time.
func (r *Registry) InsertSessionCookie(username, cookie string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(username)
	s.sessionCookies[cookie] = struct{}{}
	s.lastCookieRefresh = time.Now()
}

// LastCookieRefresh returns when username last had a cookie issued or
// refreshed. Zero time when the user has no session.
func (r *Registry) LastCookieRefresh(username string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[username]; ok {
		return s.lastCookieRefresh
	}
	return time.Time{}
}

// SetPortToken records the per-user port scrambling token.
func (r *Registry) SetPortToken(username, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(username).portToken = token
}

// PortToken returns username's port scrambling token, or "" when unset.
func (r *Registry) PortToken(username string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[username]; ok {
		return s.portToken
	}
	return ""
}

// AddConnection brackets the start of a long-lived proxied socket
// (WebSocket upgrade, events stream) for username.
func (r *Registry) AddConnection(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(username)
	s.numConnections++
	s.lastSocketActiveTime = time.Now()
}

// RemoveConnection brackets the end of a long-lived proxied socket. The count
// never goes below zero; an excess remove is logged and clamped.
func (r *Registry) RemoveConnection(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[username]
	if !ok {
		log.Printf("usersession: connection removed for untracked user %s", username)
		return
	}
	if s.numConnections <= 0 {
		log.Printf("usersession: connection count for %s would go negative, clamping to 0", username)
		s.numConnections = 0
		return
	}
	s.numConnections--
	s.lastSocketActiveTime = time.Now()
}

// NumConnections returns username's open connection count.
func (r *Registry) NumConnections(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[username]; ok {
		return s.numConnections
	}
	return 0
}

// UpdateLastActive marks HTTP request activity for username if tracked.
func (r *Registry) UpdateLastActive(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[username]; ok {
		s.lastActiveTime = time.Now()
	}
}

// UpdateSocketLastActive marks raw-socket activity for username if tracked.
// Tracked separately from request activity so a user who stopped clicking but
// is still streaming from a long-lived app tab is not treated as idle.
func (r *Registry) UpdateSocketLastActive(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[username]; ok {
		s.lastSocketActiveTime = time.Now()
	}
}

// Invalidate signs out username everywhere: every cookie the session ever
// issued is revoked and the session is removed, regardless of open
// connections. Returns false when no session existed.
func (r *Registry) Invalidate(ctx context.Context, username string) bool {
	r.mu.Lock()
	s, ok := r.sessions[username]
	if !ok {
		r.mu.Unlock()
		return false
	}
	cookies := make([]string, 0, len(s.sessionCookies))
	for c := range s.sessionCookies {
		cookies = append(cookies, c)
	}
	delete(r.sessions, username)
	r.mu.Unlock()

	if r.revoke != nil {
		for _, c := range cookies {
			r.revoke(ctx, c)
		}
	}
	return true
}

// ReapExpired removes sessions whose request activity is older than timeout,
// unless the session still has open connections with recent socket activity.
// Those are preserved so reaping never severs live embedded-app traffic.
// Returns the usernames removed. Reaping does not revoke cookies; the cookies
// expire on their own schedule.
func (r *Registry) ReapExpired(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	var reaped []string
	for username, s := range r.sessions {
		if s.lastActiveTime.After(cutoff) {
			continue
		}
		if s.numConnections > 0 && s.lastSocketActiveTime.After(cutoff) {
			log.Printf("usersession: %s idle but has %d live connections, preserved", username, s.numConnections)
			continue
		}
		delete(r.sessions, username)
		reaped = append(reaped, username)
	}
	r.mu.Unlock()

	for _, username := range reaped {
		log.Printf("usersession: reaped idle session for %s", username)
	}
	return reaped
}

// List returns a snapshot of every tracked session, for admin reporting.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Snapshot{
			Username:         s.username,
			PortToken:        s.portToken,
			LastActive:       s.lastActiveTime,
			LastSocketActive: s.lastSocketActiveTime,
			NumConnections:   s.numConnections,
			NumCookies:       len(s.sessionCookies),
		})
	}
	return out
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// UsernameForCookie returns the tracked user that was issued the given
// cookie, or "" if no session recorded it. Used when a remote revocation
// arrives so that node-local session state is torn down too.
func (r *Registry) UsernameForCookie(cookie string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for username, s := range r.sessions {
		if _, ok := s.sessionCookies[cookie]; ok {
			return username
		}
	}
	return ""
}
