package middleware

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rstudio/rstudio-sub009/internal/telemetry"
	"github.com/rstudio/rstudio-sub009/internal/telemetry/producer"
)

// httpRequestMetadata is the JSON shape stored in Event.Metadata for
// http_request events.
type httpRequestMetadata struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	ClientIP   string `json:"client_ip"`
}

// Telemetry emits a telemetry event after each request. Best-effort: failures
// are logged by the producer and never fail the request. If p is nil, the
// middleware no-ops. skipPaths is the set of paths to not emit (e.g. the
// health check).
func Telemetry(p producer.Producer, skipPaths map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p == nil || skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			meta := httpRequestMetadata{
				Method:     r.Method,
				Path:       r.URL.Path,
				StatusCode: sw.status,
				DurationMs: time.Since(start).Milliseconds(),
				ClientIP:   clientIP(r),
			}
			metaJSON, _ := json.Marshal(meta)
			username, _ := Username(r.Context())
			event := &telemetry.Event{
				Username:  username,
				EventType: telemetry.EventHTTPRequest,
				Source:    "http_middleware",
				Metadata:  metaJSON,
				CreatedAt: time.Now().UTC(),
			}
			go func() {
				emitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = p.Emit(emitCtx, event)
			}()
		})
	}
}

// statusWriter records the response status for the telemetry event. Hijacking
// (WebSocket upgrades) is passed through untouched.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
