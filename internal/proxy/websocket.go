package proxy

import (
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
)

// isUpgradeRequest reports whether the client is asking for a protocol
// upgrade (WebSocket).
func isUpgradeRequest(r *http.Request) bool {
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// splice hijacks the client connection, forwards the original request to the
// backend connection, and copies bytes both ways until either side closes.
// onActivity, when non-nil, is called as traffic flows so socket activity
// clocks stay fresh.
func splice(w http.ResponseWriter, r *http.Request, backend net.Conn, onActivity func()) error {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return errNotHijackable
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		return err
	}
	defer clientConn.Close()
	defer backend.Close()

	// Replay the upgrade request to the backend; the response (101 and all
	// subsequent frames) flows back raw.
	if err := r.Write(backend); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	copyDir := func(dst io.Writer, src io.Reader, dir string) {
		defer wg.Done()
		if _, err := io.Copy(activityWriter{dst, onActivity}, src); err != nil {
			log.Printf("proxy: websocket %s copy ended: %v", dir, err)
		}
		if c, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
	}
	go copyDir(backend, clientBuf, "client->backend")
	go copyDir(clientConn, backend, "backend->client")
	wg.Wait()
	return nil
}

type hijackError string

func (e hijackError) Error() string { return string(e) }

const errNotHijackable = hijackError("proxy: response writer does not support hijacking")

// activityWriter stamps socket activity on every write.
type activityWriter struct {
	io.Writer
	onActivity func()
}

func (w activityWriter) Write(p []byte) (int, error) {
	if w.onActivity != nil {
		w.onActivity()
	}
	return w.Writer.Write(p)
}
