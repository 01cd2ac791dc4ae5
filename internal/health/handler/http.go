// Package handler exposes the health-check endpoint for load balancers and
// orchestration probes.
package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Pinger is the readiness slice of *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker verifies the sign-in policy evaluator is usable (e.g. the
// compiled Rego policy still evaluates).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Handler answers GET /health-check. A nil Pinger or PolicyChecker skips that
// check: the server is healthy on the surfaces it actually has.
type Handler struct {
	db     Pinger
	policy PolicyChecker
}

// NewHandler returns a health handler over the optional dependencies.
func NewHandler(db Pinger, policy PolicyChecker) *Handler {
	return &Handler{db: db, policy: policy}
}

type healthResponse struct {
	Status string `json:"status"`
}

// ServeHTTP reports 200 {"status":"ok"} when every configured dependency is
// reachable and 503 {"status":"unavailable"} otherwise. Failures are logged
// but never detailed in the response body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	healthy := true
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			log.Printf("health: database ping failed: %v", err)
			healthy = false
		}
	}
	if healthy && h.policy != nil {
		if err := h.policy.HealthCheck(ctx); err != nil {
			log.Printf("health: policy check failed: %v", err)
			healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "unavailable"})
		return
	}
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
}
