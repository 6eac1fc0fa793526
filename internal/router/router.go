// Package router implements the server-side exact-match dispatch from an
// inbound HTTP/2 ":path" to a registered method.
package router

import (
	"sync"

	"google.golang.org/grpc"

	"github.com/dubbogo/triple/internal/method"
)

// Entry is the routing record stored for one registered method: the
// resolved call pattern plus whichever of MethodDesc/StreamDesc the
// service registered it as.
type Entry struct {
	ServiceName string
	MethodName  string
	Pattern     method.CallPattern

	Method *grpc.MethodDesc // set for Pattern == Unary
	Stream *grpc.StreamDesc // set for the three streaming patterns

	// Handler is the service implementation instance bound at
	// RegisterService time, passed as srv to Method/Stream invocation.
	Handler interface{}
}

// Table is a read-mostly path -> Entry map. Registration happens during
// server setup (RegisterService calls); after Serve starts, lookups only
// ever read, so no locking is needed on the hot path, but Register is
// still guarded in case a caller registers services concurrently before
// serving begins.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewTable constructs an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Register adds e under its Path. Registering the same path twice panics,
// mirroring grpc-go's behavior for duplicate service registration.
func (t *Table) Register(e *Entry) {
	path := method.Descriptor{ServiceName: e.ServiceName, MethodName: e.MethodName}.Path()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[path]; exists {
		panic("triple: duplicate method registration for " + path)
	}
	t.entries[path] = e
}

// Lookup returns the Entry for path, or (nil, false) if nothing is
// registered there - the router's caller should then respond with
// grpc-status=Unimplemented.
func (t *Table) Lookup(path string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[path]
	return e, ok
}
