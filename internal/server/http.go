// Package server assembles the HTTP surface: sign-in and sign-out endpoints,
// the health check, the admin routes, and the catch-all session proxy behind
// the authentication middleware.
package server

import (
	"errors"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"time"

	adminhandler "github.com/rstudio/rstudio-sub009/internal/admin/handler"
	"github.com/rstudio/rstudio-sub009/internal/auth"
	"github.com/rstudio/rstudio-sub009/internal/licensing"
	"github.com/rstudio/rstudio-sub009/internal/proxy"
	"github.com/rstudio/rstudio-sub009/internal/rpc"
	"github.com/rstudio/rstudio-sub009/internal/server/middleware"
	"github.com/rstudio/rstudio-sub009/internal/telemetry"
	"github.com/rstudio/rstudio-sub009/internal/telemetry/producer"
	"github.com/rstudio/rstudio-sub009/internal/usersession"
)

// SessionRequiredHeader marks responses for requests that need a live session
// the server could not provide.
const SessionRequiredHeader = "X-RS-Session-Required"

// Deps carries the collaborators the HTTP surface is built from. Admin and
// Telemetry are optional.
type Deps struct {
	Manager   *auth.Manager
	Sessions  *usersession.Registry
	Proxy     *proxy.Core
	Health    http.Handler
	Admin     *adminhandler.Handler
	Telemetry producer.Producer
	// SignInPath is where unauthenticated browsers are sent. Empty defaults
	// to /auth-sign-in.
	SignInPath string
}

// Server is the assembled HTTP handler.
type Server struct {
	manager    *auth.Manager
	sessions   *usersession.Registry
	proxy      *proxy.Core
	telemetry  producer.Producer
	signInPath string
	handler    http.Handler
}

var signInPage = template.Must(template.New("sign-in").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<form method="POST" action="/auth-do-sign-in">
<input type="hidden" name="appUri" value="{{.AppURI}}">
<input type="hidden" name="csrf-token" value="{{.CSRFToken}}">
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<label>Username <input type="text" name="username" autofocus></label>
<label>Password <input type="password" name="password"></label>
<label><input type="checkbox" name="staySignedIn" value="1"> Stay signed in</label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

// New wires the route table and middleware chain.
func New(deps Deps) *Server {
	s := &Server{
		manager:    deps.Manager,
		sessions:   deps.Sessions,
		proxy:      deps.Proxy,
		telemetry:  deps.Telemetry,
		signInPath: deps.SignInPath,
	}
	if s.signInPath == "" {
		s.signInPath = "/auth-sign-in"
	}

	mux := http.NewServeMux()
	if deps.Health != nil {
		mux.Handle("/health-check", deps.Health)
	}
	if deps.Admin != nil {
		deps.Admin.Routes(mux)
	}
	mux.HandleFunc("GET /auth-sign-in", s.signInForm)
	mux.HandleFunc("POST /auth-do-sign-in", s.doSignIn)
	mux.HandleFunc("/auth-sign-out", s.signOut)
	mux.HandleFunc("/", s.serveProxied)

	// Telemetry sits inside Authenticate so its events see the username the
	// auth middleware put on the request context.
	var h http.Handler = mux
	h = middleware.Telemetry(deps.Telemetry, map[string]bool{"/health-check": true})(h)
	h = middleware.Authenticate(deps.Manager, deps.Sessions)(h)
	h = middleware.Trace()(h)
	s.handler = h
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// serveProxied is the catch-all: route the request to the user's session or a
// published port, or bounce unauthenticated callers in the shape their
// consumer understands.
func (s *Server) serveProxied(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.Username(r.Context())
	reqType := proxy.Classify(r.URL.Path)
	if !ok {
		s.rejectUnauthenticated(w, r, reqType)
		return
	}
	if reqType == proxy.Localhost {
		token := cookieValue(r, auth.CookiePortToken)
		s.proxy.ServeLocalhost(w, r, username, token)
		return
	}
	if reqType == proxy.Content {
		if h := s.manager.Handler(); h != nil && h.MainPageFilter != nil && !h.MainPageFilter(w, r) {
			return
		}
	}
	s.proxy.ServeSession(w, r, username)
}

func (s *Server) rejectUnauthenticated(w http.ResponseWriter, r *http.Request, reqType proxy.RequestType) {
	switch reqType {
	case proxy.RPC, proxy.ClientInit, proxy.Upload:
		rpc.WriteError(w, rpc.NewError(rpc.CodeUnauthorized, ""))
	case proxy.Events:
		http.Error(w, "unauthorized", http.StatusServiceUnavailable)
	default:
		w.Header().Set(SessionRequiredHeader, "1")
		s.redirectToSignIn(w, r, r.URL.RequestURI())
	}
}

func (s *Server) redirectToSignIn(w http.ResponseWriter, r *http.Request, appURI string) {
	if h := s.manager.Handler(); h != nil && h.SignInRedirect != nil {
		h.SignInRedirect(w, r, appURI)
		return
	}
	target := s.signInPath
	if appURI != "" {
		target += "?appUri=" + url.QueryEscape(appURI)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// signInForm renders the sign-in page with a fresh CSRF token bound to the
// csrf-token cookie.
func (s *Server) signInForm(w http.ResponseWriter, r *http.Request) {
	token := cookieValue(r, auth.CookieCSRF)
	if token == "" {
		token = auth.NewCSRFToken(w)
	}
	s.renderSignIn(w, r.URL.Query().Get("appUri"), token, "")
}

func (s *Server) renderSignIn(w http.ResponseWriter, appURI, token, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := signInPage.Execute(w, struct {
		AppURI    string
		CSRFToken string
		Error     string
	}{AppURI: appURI, CSRFToken: token, Error: errMsg})
	if err != nil {
		log.Printf("server: render sign-in page: %v", err)
	}
}

// doSignIn handles the sign-in form post. The form token must match the
// csrf-token cookie before credentials are even looked at.
func (s *Server) doSignIn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	cookieToken := cookieValue(r, auth.CookieCSRF)
	formToken := r.PostFormValue("csrf-token")
	if cookieToken == "" || formToken == "" || cookieToken != formToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	persistent := r.PostFormValue("staySignedIn") == "1"
	appURI := r.PostFormValue("appUri")

	uid := 0
	if id, err := auth.LookupUID(username); err == nil {
		uid = id
	}

	err := s.manager.SignIn(r.Context(), w, r, username, password, uid, persistent)
	if err != nil {
		s.emitAuthEvent(telemetry.EventSignInDenied, username)
		s.renderSignIn(w, appURI, cookieToken, signInErrorMessage(err))
		return
	}
	s.emitAuthEvent(telemetry.EventSignIn, username)
	target := appURI
	if target == "" || target[0] != '/' {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// signInErrorMessage maps sign-in failures to what the form shows. Licensing
// and policy denials get distinct wording; everything else stays generic.
func signInErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		return "Too many sign-in attempts. Wait a moment and try again."
	case errors.Is(err, licensing.ErrUserLocked):
		return "This account is locked. Contact your administrator."
	case errors.Is(err, licensing.ErrLimitReached):
		return "The licensed user limit has been reached. Contact your administrator."
	case errors.Is(err, licensing.ErrUnavailable):
		return "The service is temporarily unavailable. Try again shortly."
	case errors.Is(err, auth.ErrPolicyDenied):
		return "Sign-in is not permitted for this account."
	default:
		return "Incorrect or invalid username/password."
	}
}

func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	username, err := s.manager.SignOut(r.Context(), w, r)
	if err != nil {
		// Already signed out; fall through to the redirect anyway.
		log.Printf("server: sign-out without identity: %v", err)
	} else {
		s.emitAuthEvent(telemetry.EventSignOut, username)
	}
	s.redirectToSignIn(w, r, "")
}

func (s *Server) emitAuthEvent(eventType, username string) {
	if s.telemetry == nil {
		return
	}
	telemetry.EmitAsync(s.telemetry, &telemetry.Event{
		Username:  username,
		EventType: eventType,
		Source:    "auth",
		CreatedAt: time.Now().UTC(),
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
