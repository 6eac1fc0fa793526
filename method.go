package triple

import (
	"github.com/dubbogo/triple/internal/method"
)

// CallPattern identifies one of the four RPC shapes Triple supports: see
// [Unary], [ClientStream], [ServerStream], [BidiStream].
type CallPattern = method.CallPattern

const (
	Unary        = method.Unary
	ClientStream = method.ClientStream
	ServerStream = method.ServerStream
	BidiStream   = method.BidiStream
)

// MethodDescriptor is the immutable record identifying a remote operation:
// service name, method name, and call pattern.
//
// Request/response (de)serialization is not carried here - it lives in the
// [google.golang.org/grpc/encoding.Codec] selected per-call by content
// type, matching gRPC's own codec boundary. MethodDescriptor is purely
// about routing and call shape.
type MethodDescriptor = method.Descriptor

// ParsePath splits a ":path" header value into service and method names.
// Returns ok=false if the path is not of the form "/service/method".
func ParsePath(path string) (service, m string, ok bool) {
	return method.ParsePath(path)
}
