package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rstudio/rstudio-sub009/internal/launcher"
	"github.com/rstudio/rstudio-sub009/internal/rpc"
	"github.com/rstudio/rstudio-sub009/internal/sessionctx"
	"github.com/rstudio/rstudio-sub009/internal/urlports"
	"github.com/rstudio/rstudio-sub009/internal/usersession"
)

// startStreamServer serves handler on a unix socket and returns a shutdown
// func. Socket paths are kept short because the OS caps sun_path length.
func startStreamServer(t *testing.T, socketPath string, handler http.Handler) func() {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen %s: %v", socketPath, err)
	}
	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	return func() { _ = srv.Close() }
}

func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "px")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func decodeRPCError(t *testing.T, body []byte) *rpc.Error {
	t.Helper()
	var resp rpc.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode rpc response: %v (%s)", err, body)
	}
	if resp.Error == nil {
		t.Fatalf("expected rpc error, got %s", body)
	}
	return resp.Error
}

func TestServeSessionProxiesContent(t *testing.T) {
	streamDir := shortTempDir(t)
	sc := sessionctx.SessionContext{Username: "alice"}
	stop := startStreamServer(t, sessionctx.StreamPath(streamDir, sc),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/index.html" {
				t.Errorf("backend saw path %q", r.URL.Path)
			}
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "session says hi")
		}))
	defer stop()

	core := NewCore(CoreConfig{
		StreamDir:     streamDir,
		RetryInterval: 10 * time.Millisecond,
		MaxWait:       200 * time.Millisecond,
	})
	rec := httptest.NewRecorder()
	core.ServeSession(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil), "alice")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "session says hi" {
		t.Fatalf("body = %q", got)
	}
}

func TestUnauthorizedRPCGetsStructuredErrorAndNoLaunch(t *testing.T) {
	var launches atomic.Int32
	core := NewCore(CoreConfig{
		StreamDir: shortTempDir(t),
		Resolver: func(username, path string) (sessionctx.SessionContext, error) {
			return sessionctx.SessionContext{}, sessionctx.ErrNoSessionContext
		},
		Launcher: launcher.FuncLauncher(func(ctx context.Context, sc *sessionctx.SessionContext) error {
			launches.Add(1)
			return nil
		}),
		RetryInterval: 5 * time.Millisecond,
		MaxWait:       50 * time.Millisecond,
	})

	rec := httptest.NewRecorder()
	core.ServeSession(rec, httptest.NewRequest(http.MethodPost, "/rpc/console_input", nil), "mallory")

	if rec.Code != http.StatusOK {
		t.Fatalf("rpc errors must travel with status 200, got %d", rec.Code)
	}
	e := decodeRPCError(t, rec.Body.Bytes())
	if e.Code != rpc.CodeUnauthorized {
		t.Fatalf("code = %v", e.Code)
	}
	if n := launches.Load(); n != 0 {
		t.Fatalf("unauthorized request must not launch sessions, launched %d", n)
	}
}

func TestConcurrentRequestsLaunchSessionOnce(t *testing.T) {
	streamDir := shortTempDir(t)
	sc := sessionctx.SessionContext{Username: "bob"}
	socketPath := sessionctx.StreamPath(streamDir, sc)

	var launches atomic.Int32
	var startOnce sync.Once
	var stopMu sync.Mutex
	var stop func()
	t.Cleanup(func() {
		stopMu.Lock()
		defer stopMu.Unlock()
		if stop != nil {
			stop()
		}
	})
	core := NewCore(CoreConfig{
		StreamDir: streamDir,
		Launcher: launcher.FuncLauncher(func(ctx context.Context, lsc *sessionctx.SessionContext) error {
			launches.Add(1)
			// Simulate session start: the socket appears shortly after the
			// launch request.
			go func() {
				time.Sleep(30 * time.Millisecond)
				startOnce.Do(func() {
					if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
						t.Error(err)
						return
					}
					ln, err := net.Listen("unix", socketPath)
					if err != nil {
						t.Error(err)
						return
					}
					srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
						w.WriteHeader(http.StatusOK)
					})}
					go func() { _ = srv.Serve(ln) }()
					stopMu.Lock()
					stop = func() { _ = srv.Close() }
					stopMu.Unlock()
				})
			}()
			return nil
		}),
		RetryInterval: 10 * time.Millisecond,
		MaxWait:       2 * time.Second,
	})

	const parallel = 8
	codes := make([]int, parallel)
	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			core.ServeSession(rec, httptest.NewRequest(http.MethodGet, "/workspace", nil), "bob")
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d finished with %d", i, code)
		}
	}
	if n := launches.Load(); n != 1 {
		t.Fatalf("expected exactly one launch, got %d", n)
	}
}

func TestRPCBodySurvivesLaunchRetry(t *testing.T) {
	streamDir := shortTempDir(t)
	sc := sessionctx.SessionContext{Username: "frank"}
	socketPath := sessionctx.StreamPath(streamDir, sc)

	var gotBody atomic.Value
	var startOnce sync.Once
	var stopMu sync.Mutex
	var stop func()
	t.Cleanup(func() {
		stopMu.Lock()
		defer stopMu.Unlock()
		if stop != nil {
			stop()
		}
	})
	core := NewCore(CoreConfig{
		StreamDir: streamDir,
		Launcher: launcher.FuncLauncher(func(ctx context.Context, lsc *sessionctx.SessionContext) error {
			go func() {
				time.Sleep(30 * time.Millisecond)
				startOnce.Do(func() {
					if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
						t.Error(err)
						return
					}
					ln, err := net.Listen("unix", socketPath)
					if err != nil {
						t.Error(err)
						return
					}
					srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
						b, _ := io.ReadAll(r.Body)
						gotBody.Store(string(b))
						_, _ = io.WriteString(w, `{"result":"ok"}`)
					})}
					go func() { _ = srv.Serve(ln) }()
					stopMu.Lock()
					stop = func() { _ = srv.Close() }
					stopMu.Unlock()
				})
			}()
			return nil
		}),
		RetryInterval: 10 * time.Millisecond,
		MaxWait:       2 * time.Second,
	})

	// A real server front end matters here: its request bodies are closed by
	// the transport on a failed attempt, unlike a bytes-backed test body.
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		core.ServeSession(w, r, "frank")
	}))
	defer front.Close()

	const payload = `{"method":"console_input","params":["1+1"]}`
	resp, err := http.Post(front.URL+"/rpc/console_input", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if string(body) != `{"result":"ok"}` {
		t.Fatalf("body = %s", body)
	}
	if got, _ := gotBody.Load().(string); got != payload {
		t.Fatalf("backend saw body %q, want %q", got, payload)
	}
}

func TestEventsStreamCountsAsConnection(t *testing.T) {
	streamDir := shortTempDir(t)
	sessions := usersession.NewRegistry(nil)
	sc := sessionctx.SessionContext{Username: "erin"}
	release := make(chan struct{})
	stop := startStreamServer(t, sessionctx.StreamPath(streamDir, sc),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "event-batch")
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			<-release
		}))
	defer stop()

	core := NewCore(CoreConfig{
		StreamDir:     streamDir,
		Sessions:      sessions,
		RetryInterval: 10 * time.Millisecond,
		MaxWait:       500 * time.Millisecond,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		rec := httptest.NewRecorder()
		core.ServeSession(rec, httptest.NewRequest(http.MethodGet, "/events/get_events", nil), "erin")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sessions.NumConnections("erin") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("open events stream never counted as a connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	<-done
	if n := sessions.NumConnections("erin"); n != 0 {
		t.Fatalf("connection count after stream end = %d", n)
	}
}

func TestBackendUpgradeResponseSplicedToClient(t *testing.T) {
	streamDir := shortTempDir(t)
	sc := sessionctx.SessionContext{Username: "gina"}
	socketPath := sessionctx.StreamPath(streamDir, sc)
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		if _, err := http.ReadRequest(br); err != nil {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
		_, _ = io.Copy(conn, br)
	}()

	core := NewCore(CoreConfig{
		StreamDir:     streamDir,
		RetryInterval: 10 * time.Millisecond,
		MaxWait:       500 * time.Millisecond,
	})
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		core.ServeSession(w, r, "gina")
	}))
	defer front.Close()

	// The client does not ask for an upgrade; the backend switches protocols
	// on its own and the stream must still reach the client.
	conn, err := net.Dial("tcp", strings.TrimPrefix(front.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, "GET /workspace HTTP/1.1\r\nHost: front\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}
	if _, err := io.WriteString(conn, "ping\n"); err != nil {
		t.Fatal(err)
	}
	echoed, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if echoed != "ping\n" {
		t.Fatalf("echo = %q, want ping", echoed)
	}
}

func TestInvalidScopeStopsRetryForRPC(t *testing.T) {
	streamDir := shortTempDir(t)
	missing := filepath.Join(streamDir, "no-such-project")
	var launches atomic.Int32
	core := NewCore(CoreConfig{
		StreamDir: streamDir,
		Resolver: func(username, path string) (sessionctx.SessionContext, error) {
			return sessionctx.SessionContext{
				Username: username,
				Scope:    sessionctx.SessionScope{Project: missing, ID: "a1"},
			}, nil
		},
		Launcher: launcher.FuncLauncher(func(ctx context.Context, sc *sessionctx.SessionContext) error {
			launches.Add(1)
			return nil
		}),
		RetryInterval: 5 * time.Millisecond,
		MaxWait:       5 * time.Second,
	})

	start := time.Now()
	rec := httptest.NewRecorder()
	core.ServeSession(rec, httptest.NewRequest(http.MethodPost, "/rpc/suspend_session", nil), "carol")

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("invalid scope should abort immediately, took %v", elapsed)
	}
	e := decodeRPCError(t, rec.Body.Bytes())
	if e.Code != rpc.CodeInvalidSession {
		t.Fatalf("code = %v", e.Code)
	}
	if e.Properties["scope_state"] != "missing_project" {
		t.Fatalf("scope_state = %q", e.Properties["scope_state"])
	}
	if e.Properties["project"] != missing {
		t.Fatalf("project = %q", e.Properties["project"])
	}
	if n := launches.Load(); n != 0 {
		t.Fatalf("invalid scope must not launch, launched %d", n)
	}
}

func TestInvalidScopeAnswers503ForContent(t *testing.T) {
	streamDir := shortTempDir(t)
	core := NewCore(CoreConfig{
		StreamDir: streamDir,
		Resolver: func(username, path string) (sessionctx.SessionContext, error) {
			return sessionctx.SessionContext{
				Username: username,
				Scope:    sessionctx.SessionScope{Project: filepath.Join(streamDir, "gone"), ID: "b2"},
			}, nil
		},
		RetryInterval: 5 * time.Millisecond,
		MaxWait:       5 * time.Second,
	})

	rec := httptest.NewRecorder()
	core.ServeSession(rec, httptest.NewRequest(http.MethodGet, "/workspace", nil), "carol")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestEventsUnavailableAnswers503(t *testing.T) {
	core := NewCore(CoreConfig{
		StreamDir:     shortTempDir(t),
		RetryInterval: 5 * time.Millisecond,
		MaxWait:       20 * time.Millisecond,
	})
	rec := httptest.NewRecorder()
	core.ServeSession(rec, httptest.NewRequest(http.MethodGet, "/events/get_events", nil), "dave")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLocalhostUndecodableIDAnswers404(t *testing.T) {
	core := NewCore(CoreConfig{StreamDir: shortTempDir(t)})
	for _, path := range []string{
		"/p/zzzzzzzz/index.html",
		"/p/1234/index.html",
		"/p6/00000000/",
	} {
		rec := httptest.NewRecorder()
		core.ServeLocalhost(rec, httptest.NewRequest(http.MethodGet, path, nil), "alice", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestLocalhostWrongTokenAnswers404(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be reached with a foreign token")
	}))
	defer backend.Close()
	port := backendPort(t, backend)

	core := NewCore(CoreConfig{StreamDir: shortTempDir(t)})
	id := urlports.Scramble("0123456789abcdef", port, false)
	rec := httptest.NewRecorder()
	core.ServeLocalhost(rec, httptest.NewRequest(http.MethodGet, "/p/"+id+"/", nil), "alice", "fedcba9876543210")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestLocalhostProxiesAndRewritesLocation(t *testing.T) {
	var port int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Location", "http://127.0.0.1:"+portString(port)+"/login")
			w.WriteHeader(http.StatusFound)
		default:
			_, _ = io.WriteString(w, "app body")
		}
	}))
	defer backend.Close()
	port = backendPort(t, backend)

	token, err := urlports.NewToken()
	if err != nil {
		t.Fatal(err)
	}
	id := urlports.Scramble(token, port, false)

	core := NewCore(CoreConfig{StreamDir: shortTempDir(t)})
	rec := httptest.NewRecorder()
	core.ServeLocalhost(rec, httptest.NewRequest(http.MethodGet, "/p/"+id+"/", nil), "alice", token)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	want := "/p/" + id + "/login"
	if loc != want {
		t.Fatalf("Location = %q, want %q", loc, want)
	}
}

func TestLocalhostRewritesBuggyAppHTML(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<html><head><link href="/static/app.css"></head><body><script src="/static/app.js"></script></body></html>`)
	}))
	defer backend.Close()
	port := backendPort(t, backend)

	token, err := urlports.NewToken()
	if err != nil {
		t.Fatal(err)
	}
	id := urlports.Scramble(token, port, false)

	core := NewCore(CoreConfig{StreamDir: shortTempDir(t)})
	rec := httptest.NewRecorder()
	core.ServeLocalhost(rec, httptest.NewRequest(http.MethodGet, "/p/"+id+"/", nil), "alice", token)

	body := rec.Body.String()
	if !strings.Contains(body, `href="/p/`+id+`/static/app.css"`) {
		t.Fatalf("stylesheet not re-anchored: %s", body)
	}
	if !strings.Contains(body, `src="/p/`+id+`/static/app.js"`) {
		t.Fatalf("script not re-anchored: %s", body)
	}
}

func TestLocalhostHonorsNoTransformHeader(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<script src="/static/app.js"></script>`)
	}))
	defer backend.Close()
	port := backendPort(t, backend)

	token, _ := urlports.NewToken()
	id := urlports.Scramble(token, port, false)
	core := NewCore(CoreConfig{StreamDir: shortTempDir(t)})

	req := httptest.NewRequest(http.MethodGet, "/p/"+id+"/", nil)
	req.Header.Set(HeaderNoTransform, "1")
	rec := httptest.NewRecorder()
	core.ServeLocalhost(rec, req, "alice", token)

	if got := rec.Body.String(); got != `<script src="/static/app.js"></script>` {
		t.Fatalf("body was transformed despite opt-out: %q", got)
	}
}

func TestProxyFilterShortCircuits(t *testing.T) {
	core := NewCore(CoreConfig{StreamDir: shortTempDir(t)})
	core.ProxyFilter = func(w http.ResponseWriter, r *http.Request, sc *sessionctx.SessionContext) bool {
		w.WriteHeader(http.StatusTeapot)
		return false
	}
	rec := httptest.NewRecorder()
	core.ServeSession(rec, httptest.NewRequest(http.MethodGet, "/workspace", nil), "alice")
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}

func backendPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func portString(port int) string {
	return strconv.Itoa(port)
}
