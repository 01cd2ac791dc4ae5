// Package handler exposes the admin surface: active session listing, licensed
// user management, and forced sign-out. Every route requires an authenticated
// admin user.
package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/rstudio/rstudio-sub009/internal/auth"
	licdomain "github.com/rstudio/rstudio-sub009/internal/licensing/domain"
	licrepo "github.com/rstudio/rstudio-sub009/internal/licensing/repository"
	"github.com/rstudio/rstudio-sub009/internal/usersession"
)

// Handler serves the /admin/ routes.
type Handler struct {
	manager  *auth.Manager
	sessions *usersession.Registry
	users    licrepo.Repository
}

// NewHandler returns the admin handler.
func NewHandler(manager *auth.Manager, sessions *usersession.Registry, users licrepo.Repository) *Handler {
	return &Handler{manager: manager, sessions: sessions, users: users}
}

// Routes registers the admin endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/sessions", h.wrap(h.listSessions))
	mux.HandleFunc("GET /admin/users", h.wrap(h.listUsers))
	mux.HandleFunc("POST /admin/users/lock", h.wrap(h.setLocked))
	mux.HandleFunc("POST /admin/sign-out", h.wrap(h.forceSignOut))
}

// wrap gates a route on the caller being a signed-in admin.
func (h *Handler) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, _, err := h.manager.IdentifyUser(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		admin, err := h.isAdmin(r.Context(), username)
		if err != nil {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		if !admin {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAdmin(ctx context.Context, username string) (bool, error) {
	if h.users == nil {
		return false, nil
	}
	u, err := h.users.GetByUsername(ctx, username)
	if err != nil {
		log.Printf("admin: lookup %s: %v", username, err)
		return false, err
	}
	return u != nil && u.IsAdmin, nil
}

type sessionView struct {
	Username         string    `json:"username"`
	LastActive       time.Time `json:"lastActive"`
	LastSocketActive time.Time `json:"lastSocketActive"`
	NumConnections   int       `json:"numConnections"`
	NumCookies       int       `json:"numCookies"`
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	snapshots := h.sessions.List()
	out := make([]sessionView, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, sessionView{
			Username:         s.Username,
			LastActive:       s.LastActive,
			LastSocketActive: s.LastSocketActive,
			NumConnections:   s.NumConnections,
			NumCookies:       s.NumCookies,
		})
	}
	writeJSON(w, map[string]interface{}{"sessions": out})
}

type userView struct {
	Username   string    `json:"username"`
	UserID     int       `json:"userId"`
	LastSignIn time.Time `json:"lastSignIn"`
	Locked     bool      `json:"locked"`
	IsAdmin    bool      `json:"isAdmin"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	if h.users == nil {
		writeJSON(w, map[string]interface{}{"users": []userView{}})
		return
	}
	users, err := h.users.List(r.Context())
	if err != nil {
		log.Printf("admin: list users: %v", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, viewOf(u))
	}
	writeJSON(w, map[string]interface{}{"users": out})
}

type lockRequest struct {
	Username string `json:"username"`
	Locked   bool   `json:"locked"`
}

// setLocked locks or unlocks a licensed user. A locked user keeps any running
// session; pair with forceSignOut to cut access immediately.
func (h *Handler) setLocked(w http.ResponseWriter, r *http.Request) {
	if h.users == nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := h.users.SetLocked(r.Context(), req.Username, req.Locked); err != nil {
		log.Printf("admin: set locked %s=%v: %v", req.Username, req.Locked, err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

type signOutRequest struct {
	Username string `json:"username"`
}

func (h *Handler) forceSignOut(w http.ResponseWriter, r *http.Request) {
	var req signOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ok := h.manager.ForceSignOut(r.Context(), req.Username, clientIP(r))
	writeJSON(w, map[string]bool{"signedOut": ok})
}

func viewOf(u *licdomain.LicensedUser) userView {
	return userView{
		Username:   u.Username,
		UserID:     u.UserID,
		LastSignIn: u.LastSignIn,
		Locked:     u.Locked,
		IsAdmin:    u.IsAdmin,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host := r.RemoteAddr
	if i := lastColon(host); i > 0 {
		host = host[:i]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
