package domain

import "time"

// AuditLog represents one auth or session lifecycle event.
type AuditLog struct {
	ID        string
	Username  string
	Action    string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
