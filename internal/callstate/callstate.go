// Package callstate holds the per-call state shared between the
// transport-facing frame handler and the caller-facing blocking adapter:
// bounded message queues, header/trailer metadata, and the terminal
// status slot. It is the concrete shape of the spec's "Stream" data
// model entry, deliberately decoupled from any particular transport so
// the call engine's state machine can be exercised with an in-memory
// transport pair in tests.
package callstate

import (
	"sync"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dubbogo/triple/internal/queue"
)

const defaultQueueDepth = 16

// Call is one RPC's state: two bounded byte-message queues (already
// frame-decoded/encoded payloads - serialization happens above this
// layer), headers/trailers, and a monotonic terminal status.
type Call struct {
	Method string

	// Outbound is closed when the call is canceled or reset, but no
	// messages pass through it: the call engine's SendMessage writes each
	// frame straight to the transport and waits on flow control there.
	Outbound *queue.Bounded[[]byte]
	// Inbound is serialized messages decoded off incoming DATA frames.
	Inbound *queue.Bounded[[]byte]

	mu              sync.Mutex
	requestHeaders  metadata.MD
	responseHeaders metadata.MD
	trailers        metadata.MD
	headersReceived bool
	finalStatus     *status.Status
}

// New constructs a Call with the default queue depth.
func New(method string) *Call {
	return &Call{
		Method:   method,
		Outbound: queue.NewBounded[[]byte](defaultQueueDepth),
		Inbound:  queue.NewBounded[[]byte](defaultQueueDepth),
	}
}

func (c *Call) SetRequestHeaders(md metadata.MD) {
	c.mu.Lock()
	c.requestHeaders = md
	c.mu.Unlock()
}

func (c *Call) RequestHeaders() metadata.MD {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestHeaders
}

// SetResponseHeaders records headers exactly once; later calls are
// ignored, matching gRPC's "only the first HEADERS carries metadata"
// semantics.
func (c *Call) SetResponseHeaders(md metadata.MD) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headersReceived {
		return
	}
	c.headersReceived = true
	c.responseHeaders = md
}

func (c *Call) ResponseHeaders() metadata.MD {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseHeaders
}

func (c *Call) SetTrailers(md metadata.MD) {
	c.mu.Lock()
	c.trailers = md
	c.mu.Unlock()
}

func (c *Call) Trailers() metadata.MD {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trailers
}

// SetFinalStatus records the terminal status exactly once; the slot is
// monotonic per the spec's testable invariant #1. Subsequent calls are
// no-ops so that, e.g., a late RST_STREAM after trailers already closed
// the call can't override a successful outcome.
func (c *Call) SetFinalStatus(st *status.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalStatus == nil {
		c.finalStatus = st
	}
}

func (c *Call) FinalStatus() *status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalStatus
}
