// Package proxy routes inbound requests to per-user backend session
// processes over local unix sockets, and published-port requests to local TCP
// ports. It owns connection retry with launch-on-demand recovery, response
// rewriting for sub-path mounting, WebSocket passthrough, and the per
// request-type error shapes the client expects.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rstudio/rstudio-sub009/internal/launcher"
	"github.com/rstudio/rstudio-sub009/internal/rpc"
	"github.com/rstudio/rstudio-sub009/internal/sessionctx"
	"github.com/rstudio/rstudio-sub009/internal/urlports"
	"github.com/rstudio/rstudio-sub009/internal/usersession"
)

// Headers understood by the proxy and its clients.
const (
	HeaderSessionRequired = "X-RS-Session-Required"
	HeaderNoCookieRefresh = "X-RS-No-Cookie-Refresh"
	HeaderNoTransform     = "X-RS-No-Transform"
)

// launchHold bounds how long one launch attempt suppresses further launches
// for the same session stream.
const launchHold = 30 * time.Second

// maxRewriteBodySize caps how much HTML is buffered for asset rewriting.
// Larger bodies stream through untouched.
const maxRewriteBodySize = 2 << 20

// maxReplayBodySize caps how much of a request body is buffered so the
// request can be resent after a failed connection attempt. Larger or
// unknown-length bodies stream through and are only retryable before their
// first byte is consumed.
const maxReplayBodySize = 4 << 20

// Filter runs before proxying. Returning false means the filter wrote the
// response and handling stops.
type Filter func(w http.ResponseWriter, r *http.Request, sc *sessionctx.SessionContext) bool

// Core is the session proxy. One instance serves every request type.
type Core struct {
	streamDir     string
	resolver      sessionctx.Resolver
	sessions      *usersession.Registry
	launches      *launchTracker
	retryInterval time.Duration
	maxWait       time.Duration
	validateOwner bool

	// ProxyFilter and RequestFilter are the externally registered hooks; both
	// may short-circuit a request (e.g. serve it locally).
	ProxyFilter   Filter
	RequestFilter Filter
}

// CoreConfig carries the collaborators and tunables for NewCore.
type CoreConfig struct {
	StreamDir     string
	Resolver      sessionctx.Resolver
	Sessions      *usersession.Registry
	Launcher      launcher.SessionLauncher
	RetryInterval time.Duration
	MaxWait       time.Duration
	// ValidateOwner enables the uid check on session sockets.
	ValidateOwner bool
}

// NewCore creates a session proxy core.
func NewCore(cfg CoreConfig) *Core {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = sessionctx.DefaultResolver
	}
	return &Core{
		streamDir:     cfg.StreamDir,
		resolver:      resolver,
		sessions:      cfg.Sessions,
		launches:      newLaunchTracker(cfg.Launcher, launchHold),
		retryInterval: cfg.RetryInterval,
		maxWait:       cfg.MaxWait,
		validateOwner: cfg.ValidateOwner,
	}
}

// ServeSession proxies a stream-backed request (Content, RPC, ClientInit,
// Events, Upload) for the authenticated username.
func (c *Core) ServeSession(w http.ResponseWriter, r *http.Request, username string) {
	reqType := Classify(r.URL.Path)

	sc, err := c.resolver(username, r.URL.Path)
	if err != nil {
		c.writeAuthError(w, r, reqType)
		return
	}
	if !c.runFilters(w, r, &sc) {
		return
	}

	streamPath := sessionctx.StreamPath(c.streamDir, sc)
	if c.validateOwner {
		if err := sessionctx.ValidateStreamOwner(streamPath, sc.Username); err != nil {
			log.Printf("proxy: stream owner check failed for %s: %v", sc.Username, err)
			c.writeAuthError(w, r, reqType)
			return
		}
	}

	if c.sessions != nil {
		c.sessions.UpdateLastActive(username)
	}

	if isUpgradeRequest(r) {
		c.serveWebSocket(w, r, username, streamPath)
		return
	}

	c.proxyWithRetry(w, r, reqType, &sc, streamPath)
}

// ServeLocalhost proxies a published-port request (/p/ or /p6/). portToken is
// the caller's port-token cookie value, or "" to use the default token. An
// id that does not decode to a positive port answers 404: the caller must
// learn nothing about which ports exist.
func (c *Core) ServeLocalhost(w http.ResponseWriter, r *http.Request, username, portToken string) {
	if portToken == "" {
		portToken = urlports.DefaultToken
	}
	ipv6Route := strings.HasPrefix(r.URL.Path, "/p6/")
	prefix := "/p/"
	if ipv6Route {
		prefix = "/p6/"
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	id, path, _ := strings.Cut(rest, "/")
	port, _ := urlports.Unscramble(portToken, id)
	if port <= 0 {
		http.NotFound(w, r)
		return
	}

	if c.sessions != nil {
		c.sessions.UpdateLastActive(username)
	}

	mount := prefix + id
	outReq := r.Clone(r.Context())
	outReq.URL.Scheme = "http"
	outReq.URL.Host = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	outReq.URL.Path = "/" + path
	outReq.Host = outReq.URL.Host
	outReq.RequestURI = ""

	if isUpgradeRequest(r) {
		backend, err := net.DialTimeout("tcp", outReq.URL.Host, dialTimeout)
		if err != nil {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		c.spliceTracked(w, outReq, username, backend)
		return
	}

	resp, err := tcpTransport().RoundTrip(outReq)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	c.writeProxiedResponse(w, r, resp, portToken, mount, ipv6Route, nil)
}

// proxyWithRetry drives the retry profile for a stream-backed request.
// Bounded bodies are buffered so a failed attempt can resend them; the
// transport closes the request body on every failed round trip, so without a
// replayable body the launch-then-retry path would lose the payload. Upload
// and oversized bodies stream straight through and are only retryable before
// their first byte is consumed.
func (c *Core) proxyWithRetry(w http.ResponseWriter, r *http.Request, reqType RequestType, sc *sessionctx.SessionContext, streamPath string) {
	transport := streamTransport(streamPath)

	outReq := r.Clone(r.Context())
	outReq.URL.Scheme = "http"
	outReq.URL.Host = "session"
	outReq.RequestURI = ""

	bodyConsumed := false
	if r.Body != nil && r.ContentLength != 0 {
		if reqType == Upload || r.ContentLength < 0 || r.ContentLength > maxReplayBodySize {
			outReq.Body = &consumeTracker{ReadCloser: r.Body, consumed: &bodyConsumed}
		} else {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			outReq.ContentLength = int64(len(body))
			outReq.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		}
	}

	var onActivity func()
	if reqType == Events && c.sessions != nil {
		c.sessions.AddConnection(sc.Username)
		defer c.sessions.RemoveConnection(sc.Username)
		username := sc.Username
		onActivity = func() { c.sessions.UpdateSocketLastActive(username) }
	}

	var resp *http.Response
	profile := RetryProfile{
		Interval: c.retryInterval,
		MaxWait:  c.maxWait,
		Recovery: c.recoveryFor(reqType, sc, streamPath),
	}
	err := profile.run(r.Context(), func() (bool, error) {
		if outReq.GetBody != nil {
			outReq.Body, _ = outReq.GetBody()
		}
		var rerr error
		resp, rerr = transport.RoundTrip(outReq) //nolint:bodyclose // closed below
		if rerr == nil {
			c.launches.connected(streamPath)
			return false, nil
		}
		return isConnectionError(rerr) && !bodyConsumed, rerr
	})
	if err != nil {
		c.writeProxyError(w, r, reqType, sc, err)
		return
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		// The transport already consumed the upgrade head; the body is the
		// raw backend connection.
		c.forwardUpgradedResponse(w, resp)
		return
	}
	defer resp.Body.Close()
	c.writeProxiedResponse(w, r, resp, "", "", false, onActivity)
}

// recoveryFor builds the retry recovery step: on the first failed attempt
// only, it may launch the session; every invocation revalidates the scope so
// an unfixable session stops the retry loop immediately.
func (c *Core) recoveryFor(reqType RequestType, sc *sessionctx.SessionContext, streamPath string) RecoveryFunc {
	return func(ctx context.Context, firstAttempt bool) error {
		if state := sessionctx.ValidateScope(*sc); state != sessionctx.ScopeValid {
			return ErrInvalidScope
		}
		if firstAttempt && reqType.launchable() {
			if _, err := c.launches.launchOnce(ctx, sc, streamPath); err != nil {
				log.Printf("proxy: session launch failed for %s: %v", sc.Username, err)
			}
		}
		return nil
	}
}

// serveWebSocket splices an upgrade request onto the session stream, keeping
// the user's connection count and socket activity clock current for the
// duration.
func (c *Core) serveWebSocket(w http.ResponseWriter, r *http.Request, username, streamPath string) {
	backend, err := net.DialTimeout("unix", streamPath, dialTimeout)
	if err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	c.spliceTracked(w, r, username, backend)
}

func (c *Core) spliceTracked(w http.ResponseWriter, r *http.Request, username string, backend net.Conn) {
	onActivity := func() {}
	if c.sessions != nil {
		c.sessions.AddConnection(username)
		defer c.sessions.RemoveConnection(username)
		onActivity = func() { c.sessions.UpdateSocketLastActive(username) }
	}
	if err := splice(w, r, backend, onActivity); err != nil {
		log.Printf("proxy: websocket splice for %s: %v", username, err)
	}
}

// writeProxiedResponse copies the backend response out, applying redirect and
// asset rewriting for mounted apps. token/mount are empty for stream-backed
// requests, which never need port rewriting. onActivity, when non-nil, is
// called as body bytes flow so long-lived streams keep their socket activity
// clock fresh.
func (c *Core) writeProxiedResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, token, mount string, ipv6Route bool, onActivity func()) {
	noTransform := r.Header.Get(HeaderNoTransform) != ""

	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	if mount != "" && !noTransform {
		if loc := header.Get("Location"); loc != "" {
			header.Set("Location", rewriteRedirectTarget(loc, token, mount, ipv6Route))
		}
		if refresh := header.Get("Refresh"); refresh != "" {
			header.Set("Refresh", rewriteRefresh(refresh, token, mount, ipv6Route))
		}
		contentType := header.Get("Content-Type")
		if strings.HasPrefix(contentType, "text/html") &&
			resp.ContentLength >= 0 && resp.ContentLength <= maxRewriteBodySize {
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxRewriteBodySize+1))
			if err == nil && needsAssetRewrite(body) {
				body = rewriteHTMLAssets(body, mount)
			}
			header.Del("Content-Length")
			w.WriteHeader(resp.StatusCode)
			_, _ = w.Write(body)
			return
		}
	}
	w.WriteHeader(resp.StatusCode)
	var dst io.Writer = w
	if onActivity != nil {
		dst = activityWriter{w, onActivity}
	}
	_, _ = io.Copy(dst, resp.Body)
}

// forwardUpgradedResponse handles a backend answering 101 to a request the
// proxy did not treat as an upgrade. The response body is the raw backend
// connection, so the client side has to be hijacked and spliced onto it;
// writing the 101 through the normal response path would leave the client
// half-upgraded with no stream behind it.
func (c *Core) forwardUpgradedResponse(w http.ResponseWriter, resp *http.Response) {
	backend, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		backend.Close()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		backend.Close()
		log.Printf("proxy: hijack for upgraded response: %v", err)
		return
	}
	defer clientConn.Close()
	defer backend.Close()

	if _, err := fmt.Fprintf(clientBuf, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return
	}
	if err := resp.Header.Write(clientBuf); err != nil {
		return
	}
	if _, err := io.WriteString(clientBuf, "\r\n"); err != nil {
		return
	}
	if err := clientBuf.Flush(); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	copyDir := func(dst io.Writer, src io.Reader, dir string) {
		defer wg.Done()
		if _, err := io.Copy(dst, src); err != nil {
			log.Printf("proxy: upgraded response %s copy ended: %v", dir, err)
		}
		// Half-close when the writer supports it; otherwise close outright so
		// the opposite copy unblocks.
		switch c := dst.(type) {
		case interface{ CloseWrite() error }:
			_ = c.CloseWrite()
		case io.Closer:
			_ = c.Close()
		}
	}
	go copyDir(backend, clientBuf, "client->backend")
	go copyDir(clientConn, backend, "backend->client")
	wg.Wait()
}

// writeAuthError answers an unauthenticated or unmappable request in the
// shape its consumer expects: browser navigation gets a redirect, RPC callers
// get a structured error, event loops get a 503.
func (c *Core) writeAuthError(w http.ResponseWriter, r *http.Request, reqType RequestType) {
	switch reqType {
	case RPC, ClientInit, Upload:
		rpc.WriteError(w, rpc.NewError(rpc.CodeUnauthorized, ""))
	case Events:
		http.Error(w, "unauthorized", http.StatusServiceUnavailable)
	default:
		http.Redirect(w, r, "/auth-sign-in?appUri="+r.URL.Path, http.StatusFound)
	}
}

// writeProxyError maps a terminal proxy failure to the per-type wire shape.
func (c *Core) writeProxyError(w http.ResponseWriter, r *http.Request, reqType RequestType, sc *sessionctx.SessionContext, err error) {
	invalidScope := errors.Is(err, ErrInvalidScope)
	switch reqType {
	case RPC, ClientInit, Upload:
		if invalidScope {
			state := sessionctx.ValidateScope(*sc)
			rpc.WriteError(w, rpc.InvalidSessionError(
				sessionctx.StreamPath(c.streamDir, *sc), state.String(), sc.Scope.Project, sc.Scope.ID))
			return
		}
		rpc.WriteError(w, rpc.NewError(rpc.CodeConnectionError, "session unavailable"))
	case Events:
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		if invalidScope {
			http.Error(w, "session scope is invalid", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

func (c *Core) runFilters(w http.ResponseWriter, r *http.Request, sc *sessionctx.SessionContext) bool {
	if c.ProxyFilter != nil && !c.ProxyFilter(w, r, sc) {
		return false
	}
	if c.RequestFilter != nil && !c.RequestFilter(w, r, sc) {
		return false
	}
	return true
}

// isConnectionError reports whether the round-trip failed before reaching the
// backend, which is the only failure worth retrying.
func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// consumeTracker flags once any of the request body has been read, after
// which the request can no longer be safely retried.
type consumeTracker struct {
	io.ReadCloser
	consumed *bool
}

func (t *consumeTracker) Read(p []byte) (int, error) {
	n, err := t.ReadCloser.Read(p)
	if n > 0 {
		*t.consumed = true
	}
	return n, err
}
