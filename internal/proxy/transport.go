package proxy

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rstudio/rstudio-sub009/internal/launcher"
	"github.com/rstudio/rstudio-sub009/internal/sessionctx"
)

const dialTimeout = 10 * time.Second

// streamTransport returns an HTTP transport whose every connection dials the
// session's unix socket, regardless of the request URL's host.
func streamTransport(socketPath string) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, "unix", socketPath)
		},
		DisableCompression: true,
	}
}

// tcpTransport returns an HTTP transport for localhost published-port
// requests.
func tcpTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
		DisableCompression: true,
	}
}

// launchTracker ensures at most one session launch per stream path at a time.
// The first failing request triggers the launch; concurrent requests for the
// same session see the in-flight launch and just wait out their retry
// intervals instead of launching again.
type launchTracker struct {
	mu       sync.Mutex
	inFlight map[string]time.Time
	launcher launcher.SessionLauncher

	// holdFor bounds how long an in-flight marker suppresses further
	// launches, so a crashed launch does not wedge the session forever.
	holdFor time.Duration
}

func newLaunchTracker(l launcher.SessionLauncher, holdFor time.Duration) *launchTracker {
	return &launchTracker{
		inFlight: make(map[string]time.Time),
		launcher: l,
		holdFor:  holdFor,
	}
}

// launchOnce requests a session launch for the context unless one is already
// in flight for the same stream path. Returns whether a launch was issued.
func (t *launchTracker) launchOnce(ctx context.Context, sc *sessionctx.SessionContext, streamPath string) (bool, error) {
	if t.launcher == nil {
		return false, nil
	}
	now := time.Now()
	t.mu.Lock()
	if started, ok := t.inFlight[streamPath]; ok && now.Sub(started) < t.holdFor {
		t.mu.Unlock()
		return false, nil
	}
	t.inFlight[streamPath] = now
	t.mu.Unlock()

	if err := t.launcher.Launch(ctx, sc); err != nil {
		t.mu.Lock()
		delete(t.inFlight, streamPath)
		t.mu.Unlock()
		return false, err
	}
	return true, nil
}

// connected clears the in-flight marker once the session is reachable.
func (t *launchTracker) connected(streamPath string) {
	t.mu.Lock()
	delete(t.inFlight, streamPath)
	t.mu.Unlock()
}
