// Package audit records auth and session lifecycle events. Logging is
// best-effort: a failed write never affects the caller.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/rstudio/rstudio-sub009/internal/audit/domain"
	auditrepo "github.com/rstudio/rstudio-sub009/internal/audit/repository"
)

// Actions recorded by the auth and session code paths.
const (
	ActionSignIn        = "sign_in"
	ActionSignInDenied  = "sign_in_denied"
	ActionSignOut       = "sign_out"
	ActionCookieRevoked = "cookie_revoked"
	ActionSessionReaped = "session_reaped"
	ActionForcedSignOut = "forced_sign_out"
)

// AuditLogger writes a single audit event. LogEvent is best-effort: failures
// are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, username, action, ip, metadata string)
}

// Logger implements AuditLogger using the audit repository.
type Logger struct {
	repo auditrepo.Repository
}

// NewLogger returns an AuditLogger that persists to repo.
func NewLogger(repo auditrepo.Repository) *Logger {
	return &Logger{repo: repo}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, username, action, ip, metadata string) {
	if l == nil || l.repo == nil {
		return
	}
	if ip == "" {
		ip = "unknown"
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		Username:  username,
		Action:    action,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		log.Printf("audit: failed to log event %s for %s: %v", action, username, err)
	}
}
