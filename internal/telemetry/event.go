// Package telemetry defines the event envelope emitted for proxy and auth
// activity, and the EventEmitter interface its sinks implement.
package telemetry

import (
	"context"
	"encoding/json"
	"time"
)

// Event types emitted by the server.
const (
	EventHTTPRequest    = "http_request"
	EventSignIn         = "sign_in"
	EventSignInDenied   = "sign_in_denied"
	EventSignOut        = "sign_out"
	EventSessionLaunch  = "session_launch"
	EventSessionReaped  = "session_reaped"
	EventCookieRevoked  = "cookie_revoked"
	EventRetryExhausted = "retry_exhausted"
)

// Event is one telemetry record. Username is empty for unauthenticated
// traffic. Metadata carries event-specific JSON.
type Event struct {
	Username  string          `json:"username,omitempty"`
	EventType string          `json:"eventType"`
	Source    string          `json:"source"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// EventEmitter emits telemetry events. Callers use it best-effort: log and
// ignore errors.
type EventEmitter interface {
	// Emit sends a single event. Implementations may block briefly; call from
	// a goroutine if needed.
	Emit(ctx context.Context, event *Event) error
}
