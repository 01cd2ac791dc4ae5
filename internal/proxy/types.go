package proxy

import "strings"

// RequestType classifies an inbound request by which client subsystem
// consumes it. The type decides the backend address, whether launch-on-demand
// applies, and the shape of error responses.
type RequestType int

const (
	// Content is regular IDE traffic served by the session over its stream.
	Content RequestType = iota
	// RPC is a JSON-RPC method call; errors travel as structured RPC errors.
	RPC
	// ClientInit is the first RPC of a client lifetime; it may launch a session.
	ClientInit
	// Events is the long-poll event stream; errors are a bare 503.
	Events
	// Upload is an incrementally streamed multipart form body.
	Upload
	// Localhost is a published-port request for an embedded app, addressed by
	// a scrambled port id rather than a session stream.
	Localhost
)

func (t RequestType) String() string {
	switch t {
	case Content:
		return "content"
	case RPC:
		return "rpc"
	case ClientInit:
		return "client_init"
	case Events:
		return "events"
	case Upload:
		return "upload"
	case Localhost:
		return "localhost"
	default:
		return "unknown"
	}
}

// Classify maps a request path to its type.
func Classify(path string) RequestType {
	switch {
	case strings.HasPrefix(path, "/p/") || strings.HasPrefix(path, "/p6/"):
		return Localhost
	case strings.HasPrefix(path, "/events/"):
		return Events
	case path == "/rpc/client_init":
		return ClientInit
	case strings.HasPrefix(path, "/rpc/"):
		return RPC
	case strings.HasPrefix(path, "/upload"):
		return Upload
	default:
		return Content
	}
}

// launchable reports whether a connection failure for this type may trigger
// an on-demand session launch.
func (t RequestType) launchable() bool {
	switch t {
	case RPC, Content, ClientInit:
		return true
	default:
		return false
	}
}
