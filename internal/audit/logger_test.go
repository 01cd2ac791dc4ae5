package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/rstudio/rstudio-sub009/internal/audit/domain"
)

type mockRepository struct {
	created   []*domain.AuditLog
	createErr error
}

func (m *mockRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, a)
	return nil
}

func (m *mockRepository) ListByUsername(ctx context.Context, username string, limit, offset int32) ([]*domain.AuditLog, error) {
	return nil, nil
}

func TestLogEvent(t *testing.T) {
	repo := &mockRepository{}
	l := NewLogger(repo)

	l.LogEvent(context.Background(), "alice", ActionSignIn, "10.0.0.1", "")

	if len(repo.created) != 1 {
		t.Fatalf("created = %d entries, want 1", len(repo.created))
	}
	got := repo.created[0]
	if got.Username != "alice" || got.Action != ActionSignIn || got.IP != "10.0.0.1" {
		t.Errorf("entry = %+v", got)
	}
	if got.ID == "" {
		t.Error("entry should get a generated id")
	}
	if got.CreatedAt.IsZero() {
		t.Error("entry should get a timestamp")
	}
}

func TestLogEventEmptyIP(t *testing.T) {
	repo := &mockRepository{}
	l := NewLogger(repo)

	l.LogEvent(context.Background(), "alice", ActionSignOut, "", "")

	if repo.created[0].IP != "unknown" {
		t.Errorf("IP = %q, want unknown", repo.created[0].IP)
	}
}

func TestLogEventBestEffort(t *testing.T) {
	repo := &mockRepository{createErr: errors.New("connection refused")}
	l := NewLogger(repo)

	// Must not panic or propagate the error.
	l.LogEvent(context.Background(), "alice", ActionSignIn, "10.0.0.1", "")
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	l.LogEvent(context.Background(), "alice", ActionSignIn, "10.0.0.1", "")
}
