// Package triple implements the Triple RPC protocol: a wire format fully
// compatible with gRPC-over-HTTP/2, together with the client and server
// machinery needed to invoke and serve unary, client-streaming,
// server-streaming, and bidirectional-streaming calls, plus a pluggable
// service registry and client-side load balancer.
//
// # Architecture
//
// A [Server] accepts HTTP/2 connections and dispatches inbound RPCs to
// handlers registered via [Server.RegisterService] - the same
// [grpc.ServiceDesc] shape protoc-gen-go-grpc emits, so generated service
// implementations register unmodified. A [ClientConn] dials a single
// remote endpoint and implements [grpc.ClientConnInterface], so generated
// client stubs call [ClientConn.Invoke] and [ClientConn.NewStream]
// unmodified.
//
// Each connection (client or server) is driven by a single-goroutine
// cooperative event loop (internal/loop.Loop) that owns all stream and
// session state; socket reads happen on a dedicated per-connection
// goroutine that hands decoded frames back to the loop.
//
// Endpoint discovery is layered on top: a [registry.Registry]
// implementation (e.g. the Zookeeper-backed one in registry/zookeeper)
// publishes and watches endpoint sets; a [directory.Directory] consumes a
// registry subscription and applies a [directory.Policy] (random or
// CPU-weighted) to pick an endpoint per call.
package triple
