// Package sessionctx maps an authenticated user and session scope to the local
// domain socket of that user's running session process.
package sessionctx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ScopeState describes whether a session scope can back a launched session.
type ScopeState int

const (
	// ScopeValid means the scope resolves to a launchable session target.
	ScopeValid ScopeState = iota
	// ScopeMissingProject means the scope names a project whose directory does
	// not exist; retrying a connect will never succeed.
	ScopeMissingProject
	// ScopeInvalidSession means the scope itself is malformed.
	ScopeInvalidSession
)

// String returns the machine-readable state code carried in InvalidSession errors.
func (s ScopeState) String() string {
	switch s {
	case ScopeValid:
		return "valid"
	case ScopeMissingProject:
		return "missing_project"
	case ScopeInvalidSession:
		return "invalid_session"
	default:
		return "unknown"
	}
}

// SessionScope identifies which project/workspace a session is bound to.
// The zero value is the user's default (no-project) scope.
type SessionScope struct {
	// Project is the project directory path, empty for the default scope.
	Project string
	// ID is a short discriminator letting one user run several sessions against
	// the same project.
	ID string
}

// IsDefault reports whether the scope is the user's default scope.
func (s SessionScope) IsDefault() bool {
	return s.Project == "" && s.ID == ""
}

// SessionContext identifies one user's running session process.
type SessionContext struct {
	Username string
	Scope    SessionScope
}

// ErrNoSessionContext is returned by resolvers when no mapping exists for the request.
var ErrNoSessionContext = errors.New("no session context for request")

// Resolver derives the session context for an authenticated request. Owned by
// an external collaborator; the proxy core only consumes it.
type Resolver func(username string, requestPath string) (SessionContext, error)

// DefaultResolver maps every request to the user's default scope session.
func DefaultResolver(username string, requestPath string) (SessionContext, error) {
	if username == "" {
		return SessionContext{}, ErrNoSessionContext
	}
	return SessionContext{Username: username}, nil
}

// StreamPath returns the filesystem path of the domain socket for ctx under
// streamDir. Sockets live in a per-user subdirectory so ownership checks can
// be applied to the directory as well as the socket.
func StreamPath(streamDir string, ctx SessionContext) string {
	name := "default.sock"
	if !ctx.Scope.IsDefault() {
		name = fmt.Sprintf("%s-%s.sock", sanitize(ctx.Scope.Project), ctx.Scope.ID)
	}
	return filepath.Join(streamDir, "stream", ctx.Username, name)
}

// ValidateScope checks whether ctx's scope can back a session. A scope naming
// a project directory that does not exist is reported as ScopeMissingProject
// so callers stop retrying instead of waiting out the launch window.
func ValidateScope(ctx SessionContext) ScopeState {
	if ctx.Username == "" {
		return ScopeInvalidSession
	}
	if ctx.Scope.IsDefault() {
		return ScopeValid
	}
	if ctx.Scope.Project == "" {
		return ScopeInvalidSession
	}
	info, err := os.Stat(ctx.Scope.Project)
	if err != nil || !info.IsDir() {
		return ScopeMissingProject
	}
	return ScopeValid
}

// sanitize flattens a project path into a single socket filename segment.
func sanitize(project string) string {
	s := strings.Trim(project, "/")
	s = strings.ReplaceAll(s, "/", "-")
	if s == "" {
		s = "project"
	}
	return s
}
