package triple

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // registers the default "proto" codec
	"google.golang.org/grpc/status"

	"github.com/dubbogo/triple/internal/callengine"
	"github.com/dubbogo/triple/internal/h2"
	"github.com/dubbogo/triple/internal/logging"
	"github.com/dubbogo/triple/internal/loop"
	"github.com/dubbogo/triple/internal/method"
	"github.com/dubbogo/triple/internal/router"
	"github.com/dubbogo/triple/internal/timeout"
	"github.com/dubbogo/triple/registry"
)

// Server accepts HTTP/2 connections and dispatches inbound calls to
// handlers registered via RegisterService - the same grpc.ServiceDesc
// shape protoc-gen-go-grpc emits.
type Server struct {
	opts  *options
	table *router.Table
	codec encoding.Codec

	sem chan struct{} // bounds concurrently executing handler goroutines

	mu       sync.Mutex
	infos    map[string]grpc.ServiceInfo
	lis      net.Listener
	leases   []registry.Lease
	stopping bool
}

var _ grpc.ServiceRegistrar = (*Server)(nil)

// NewServer constructs a Server. Call RegisterService for every exported
// service before Serve.
func NewServer(opts ...Option) *Server {
	cfg := defaultOptions()
	for _, o := range opts {
		o.apply(cfg)
	}
	codec := encoding.GetCodec(cfg.codecName)
	if codec == nil {
		codec = encoding.GetCodec("proto")
	}
	return &Server{
		opts:  cfg,
		table: router.NewTable(),
		codec: codec,
		sem:   make(chan struct{}, cfg.handlerPool),
		infos: make(map[string]grpc.ServiceInfo),
	}
}

// RegisterService implements grpc.ServiceRegistrar.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	for i := range desc.Methods {
		md := desc.Methods[i]
		s.table.Register(&router.Entry{
			ServiceName: desc.ServiceName,
			MethodName:  md.MethodName,
			Pattern:     method.Unary,
			Method:      &md,
			Handler:     impl,
		})
	}
	for i := range desc.Streams {
		sd := desc.Streams[i]
		s.table.Register(&router.Entry{
			ServiceName: desc.ServiceName,
			MethodName:  sd.StreamName,
			Pattern:     method.PatternOfStream(&sd),
			Stream:      &sd,
			Handler:     impl,
		})
	}
	s.mu.Lock()
	s.infos[desc.ServiceName] = grpc.ServiceInfo{Metadata: desc.Metadata}
	s.mu.Unlock()
}

// GetServiceInfo returns metadata about registered services.
func (s *Server) GetServiceInfo() map[string]grpc.ServiceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]grpc.ServiceInfo, len(s.infos))
	for k, v := range s.infos {
		out[k] = v
	}
	return out
}

// Serve accepts connections on lis until it returns an error or Stop is
// called. If the server was configured with a registry, Serve also
// registers an Endpoint advertising lis's address for every registered
// service before accepting.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	if s.opts.reg != nil {
		if err := s.registerEndpoints(lis); err != nil {
			return err
		}
	}

	for {
		nc, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				return nil
			}
			return err
		}
		go s.serveConn(nc)
	}
}

// Stop closes the listener, unregisters any endpoints registered by
// Serve, and lets in-flight connections drain on their own.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopping = true
	lis := s.lis
	leases := s.leases
	s.leases = nil
	s.mu.Unlock()

	for _, lease := range leases {
		_ = s.opts.reg.Unregister(context.Background(), lease)
	}
	if lis == nil {
		return nil
	}
	return lis.Close()
}

func (s *Server) registerEndpoints(lis net.Listener) error {
	host, portStr, err := net.SplitHostPort(lis.Addr().String())
	if err != nil {
		return fmt.Errorf("triple: registering endpoints: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("triple: registering endpoints: %w", err)
	}

	s.mu.Lock()
	names := make([]string, 0, len(s.infos))
	for name := range s.infos {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		key := registry.ServiceKey{Interface: name}
		lease, err := s.opts.reg.Register(context.Background(), key, registry.Endpoint{Host: host, Port: port})
		if err != nil {
			return fmt.Errorf("triple: registering %s: %w", name, err)
		}
		s.mu.Lock()
		s.leases = append(s.leases, lease)
		s.mu.Unlock()
	}
	return nil
}

func (s *Server) serveConn(nc net.Conn) {
	l := loop.New()
	go l.Run()

	conn, err := h2.Accept(nc, l, s.acceptStream)
	if err != nil {
		s.opts.logger.Warn("triple: server handshake failed", logging.F("error", err.Error()))
		l.Stop()
		_ = nc.Close()
		return
	}
	conn.SetKeepalive(s.opts.keepaliveInterval, s.opts.keepaliveTimeout)
}

// acceptStream is h2.Accept's onOpen callback: it runs on the
// connection's loop goroutine for every new client-initiated stream, so
// it must return quickly. It looks up the route, wraps the stream in a
// callengine.Call, and hands the actual handler invocation off to a
// pooled goroutine.
func (s *Server) acceptStream(conn *h2.Conn, streamID uint32, h h2.Headers, endStream bool) h2.StreamEventHandler {
	path := h.Get(":path")
	entry, ok := s.table.Lookup(path)
	if !ok {
		call, handler := callengine.NewServerCall(conn, streamID, h, s.opts.maxMsgSize, false)
		go func() {
			_ = call.SendStatus(status.New(codes.Unimplemented, fmt.Sprintf("triple: unknown method %s", path)), nil)
		}()
		return handler
	}

	call, handler := callengine.NewServerCall(conn, streamID, h, s.opts.maxMsgSize, entry.Pattern == method.Unary)
	ctx, cancel := callDeadline(h)
	call.WatchContext(ctx)
	go func() {
		select {
		case <-call.Canceled():
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer cancel()
		s.runHandler(ctx, entry, call)
	}()
	return handler
}

// callDeadline derives the handler's context from the request's
// grpc-timeout header, if any, so a client-set deadline bounds how long
// a handler runs on the server side too.
func callDeadline(h h2.Headers) (context.Context, context.CancelFunc) {
	if v := h.Get("grpc-timeout"); v != "" {
		if d, err := timeout.Decode(v); err == nil {
			return context.WithTimeout(context.Background(), d)
		}
	}
	return context.WithCancel(context.Background())
}

func (s *Server) runHandler(ctx context.Context, entry *router.Entry, call *callengine.Call) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("triple: handler panic", fmt.Errorf("%v", r), logging.F("method", call.Method))
			call.CancelWithStatus(status.New(codes.Internal, "triple: handler panic"))
		}
	}()

	if entry.Pattern == method.Unary {
		s.runUnary(ctx, entry, call)
		return
	}
	s.runStream(ctx, entry, call)
}

func (s *Server) runUnary(ctx context.Context, entry *router.Entry, call *callengine.Call) {
	reqBytes, err := call.RecvMessage(ctx)
	if err != nil {
		_ = call.SendStatus(status.Convert(err), nil)
		return
	}
	dec := func(v interface{}) error { return s.codec.Unmarshal(reqBytes, v) }

	resp, err := entry.Method.Handler(entry.Handler, ctx, dec, nil)
	if err != nil {
		_ = call.SendHeaders(nil, "application/grpc+"+s.codecName())
		_ = call.SendStatus(status.Convert(err), nil)
		return
	}

	respBytes, err := s.codec.Marshal(resp)
	if err != nil {
		_ = call.SendHeaders(nil, "application/grpc+"+s.codecName())
		_ = call.SendStatus(status.New(codes.Internal, "triple: marshal response: "+err.Error()), nil)
		return
	}
	if err := call.SendHeaders(nil, "application/grpc+"+s.codecName()); err != nil {
		return
	}
	if err := call.SendMessage(ctx, respBytes); err != nil {
		return
	}
	_ = call.SendStatus(status.New(codes.OK, ""), nil)
}

func (s *Server) runStream(ctx context.Context, entry *router.Entry, call *callengine.Call) {
	if err := call.SendHeaders(nil, "application/grpc+"+s.codecName()); err != nil {
		return
	}
	ss := &serverStream{ctx: ctx, call: call, codec: s.codec, desc: entry.Stream}
	err := entry.Stream.Handler(entry.Handler, ss)
	trailer := ss.takeTrailer()
	if err != nil {
		_ = call.SendStatus(status.Convert(err), trailer)
		return
	}
	_ = call.SendStatus(status.New(codes.OK, ""), trailer)
}

func (s *Server) codecName() string { return s.opts.codecName }
