// Package method holds the call-pattern and method-descriptor types
// shared by the public API and the internal router, kept separate from
// the root package to avoid an import cycle (the router needs these
// types; the root package needs the router).
package method

import (
	"strings"

	"google.golang.org/grpc"
)

// CallPattern identifies one of the four RPC shapes Triple supports.
//
// The router and call engine both switch on this tag rather than using
// reflection over handler signatures - each variant pins the exact
// handler/stream shape the rest of the stack expects.
type CallPattern int

const (
	// Unary: one request, one response.
	Unary CallPattern = iota
	// ClientStream: many requests, one response.
	ClientStream
	// ServerStream: one request, many responses.
	ServerStream
	// BidiStream: many requests, many responses, half-closed independently.
	BidiStream
)

func (p CallPattern) String() string {
	switch p {
	case Unary:
		return "unary"
	case ClientStream:
		return "client-stream"
	case ServerStream:
		return "server-stream"
	case BidiStream:
		return "bidi-stream"
	default:
		return "unknown"
	}
}

// Descriptor is the immutable record identifying a remote operation:
// service name, method name, and call pattern.
//
// Request/response (de)serialization is not carried here - it lives in the
// google.golang.org/grpc/encoding.Codec selected per-call by content type,
// matching gRPC's own codec boundary. Descriptor is purely about routing
// and call shape.
type Descriptor struct {
	ServiceName string
	MethodName  string
	Pattern     CallPattern
}

// Path returns the HTTP/2 ":path" pseudo-header for this method:
// "/service-name/method-name".
func (m Descriptor) Path() string {
	return "/" + m.ServiceName + "/" + m.MethodName
}

// ParsePath splits a ":path" header value into service and method names.
// Returns ok=false if the path is not of the form "/service/method".
func ParsePath(path string) (service, method string, ok bool) {
	if len(path) == 0 || path[0] != '/' {
		return "", "", false
	}
	parts := strings.SplitN(path[1:], "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// PatternOfStream returns the CallPattern implied by a grpc.StreamDesc.
func PatternOfStream(sd *grpc.StreamDesc) CallPattern {
	switch {
	case sd.ClientStreams && sd.ServerStreams:
		return BidiStream
	case sd.ClientStreams:
		return ClientStream
	case sd.ServerStreams:
		return ServerStream
	default:
		return Unary
	}
}
