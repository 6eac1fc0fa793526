package triple

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // registers the default "proto" codec
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dubbogo/triple/internal/callengine"
	"github.com/dubbogo/triple/internal/grpcutil"
	"github.com/dubbogo/triple/internal/h2"
	"github.com/dubbogo/triple/internal/loop"
	"github.com/dubbogo/triple/internal/timeout"
)

// ClientConn is a Triple connection to a single remote endpoint. It
// implements [grpc.ClientConnInterface], so stubs generated by
// protoc-gen-go-grpc call [ClientConn.Invoke] and [ClientConn.NewStream]
// unmodified.
type ClientConn struct {
	conn   *h2.Conn
	loop   *loop.Loop
	target string

	codecName  string
	codec      encoding.Codec
	maxMsgSize int
	userAgent  string
	scheme     string
	authority  string

	logger Logger

	mu     sync.Mutex
	closed bool
}

var _ grpc.ClientConnInterface = (*ClientConn)(nil)

// Dial establishes a Triple connection to target, a "tri://host:port"
// (or bare "host:port") address, blocking until the HTTP/2 handshake
// completes.
func Dial(target string, opts ...Option) (*ClientConn, error) {
	return DialContext(context.Background(), target, opts...)
}

// DialContext is Dial with a caller-supplied context governing the
// connection attempt (not the lifetime of the resulting ClientConn).
func DialContext(ctx context.Context, target string, opts ...Option) (*ClientConn, error) {
	cfg := defaultOptions()
	for _, o := range opts {
		o.apply(cfg)
	}

	addr, err := parseTarget(target)
	if err != nil {
		return nil, err
	}

	l := loop.New()
	go l.Run()

	conn, err := h2.Dial(ctx, addr, l)
	if err != nil {
		l.Stop()
		return nil, fmt.Errorf("triple: dial %s: %w", addr, err)
	}
	conn.SetKeepalive(cfg.keepaliveInterval, cfg.keepaliveTimeout)

	codec := encoding.GetCodec(cfg.codecName)
	if codec == nil {
		l.Stop()
		return nil, fmt.Errorf("triple: no codec registered for %q", cfg.codecName)
	}

	cc := &ClientConn{
		conn:       conn,
		loop:       l,
		target:     target,
		codecName:  cfg.codecName,
		codec:      codec,
		maxMsgSize: cfg.maxMsgSize,
		userAgent:  cfg.userAgent,
		scheme:     "http",
		authority:  addr,
		logger:     cfg.logger,
	}
	return cc, nil
}

// parseTarget accepts "tri://host:port/..." or a bare "host:port" and
// returns the dial address.
func parseTarget(target string) (string, error) {
	if !strings.Contains(target, "://") {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("triple: invalid target %q: %w", target, err)
	}
	if u.Scheme != "tri" {
		return "", fmt.Errorf("triple: unsupported target scheme %q", u.Scheme)
	}
	return u.Host, nil
}

// Close tears down the underlying connection.
func (cc *ClientConn) Close() error {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return nil
	}
	cc.closed = true
	cc.mu.Unlock()
	return cc.conn.Close()
}

func (cc *ClientConn) newCall(ctx context.Context, method string) (*callengine.Call, error) {
	if len(method) == 0 || method[0] != '/' {
		method = "/" + method
	}
	headers := h2.Headers{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: cc.scheme},
		{Name: ":path", Value: method},
		{Name: ":authority", Value: cc.authority},
		{Name: "content-type", Value: "application/grpc+" + cc.codecName},
		{Name: "te", Value: "trailers"},
		{Name: "user-agent", Value: cc.userAgent},
	}
	if dl, ok := ctx.Deadline(); ok {
		headers = append(headers, h2.Header{Name: "grpc-timeout", Value: timeout.Encode(time.Until(dl))})
	}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		for k, vs := range md {
			for _, v := range vs {
				headers = append(headers, h2.Header{Name: k, Value: v})
			}
		}
	}
	return callengine.OpenClient(ctx, cc.conn, headers, cc.maxMsgSize)
}

// Invoke performs a unary RPC: send exactly one request message, expect
// exactly one response message followed by trailers.
func (cc *ClientConn) Invoke(ctx context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	call, err := cc.newCall(ctx, method)
	if err != nil {
		return grpcutil.TranslateContextError(err)
	}
	call.WatchContext(ctx)

	data, err := cc.codec.Marshal(args)
	if err != nil {
		return status.Errorf(codes.Internal, "triple: marshal request: %v", err)
	}
	if err := call.SendMessage(ctx, data); err != nil {
		return grpcutil.TranslateContextError(err)
	}
	if err := call.CloseSend(ctx); err != nil {
		return grpcutil.TranslateContextError(err)
	}

	respBytes, err := call.RecvMessage(ctx)
	if err != nil {
		return err
	}
	if err := cc.codec.Unmarshal(respBytes, reply); err != nil {
		return status.Errorf(codes.Internal, "triple: unmarshal response: %v", err)
	}
	if _, err := call.RecvMessage(ctx); err != io.EOF {
		return status.Error(codes.Internal, "triple: unary method sent more than one response message")
	}
	return nil
}

// NewStream opens a streaming RPC (any of the three non-unary patterns)
// and returns a [grpc.ClientStream] adapter.
func (cc *ClientConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	call, err := cc.newCall(ctx, method)
	if err != nil {
		cancel()
		return nil, grpcutil.TranslateContextError(err)
	}
	call.WatchContext(ctx)
	return &clientStream{
		ctx:    ctx,
		cancel: cancel,
		call:   call,
		codec:  cc.codec,
		desc:   desc,
	}, nil
}

// clientStream adapts a callengine.Call to grpc.ClientStream: the
// caller-facing blocking surface over the asynchronous wire protocol,
// grounded on the same blocking-adapter-over-callback-core shape used
// throughout this package's call machinery.
type clientStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	call   *callengine.Call
	codec  encoding.Codec
	desc   *grpc.StreamDesc

	sendClosed bool
	mu         sync.Mutex
}

var _ grpc.ClientStream = (*clientStream)(nil)

func (s *clientStream) Header() (metadata.MD, error) {
	return s.call.ResponseHeaders(), nil
}

func (s *clientStream) Trailer() metadata.MD {
	return s.call.Trailers()
}

func (s *clientStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	return s.call.CloseSend(s.ctx)
}

func (s *clientStream) Context() context.Context { return s.ctx }

func (s *clientStream) SendMsg(m any) error {
	data, err := s.codec.Marshal(m)
	if err != nil {
		return status.Errorf(codes.Internal, "triple: marshal request: %v", err)
	}
	if err := s.call.SendMessage(s.ctx, data); err != nil {
		return grpcutil.TranslateContextError(err)
	}
	if !s.desc.ClientStreams {
		return s.CloseSend()
	}
	return nil
}

func (s *clientStream) RecvMsg(m any) error {
	data, err := s.call.RecvMessage(s.ctx)
	if err != nil {
		if err == io.EOF {
			s.cancel()
		}
		return err
	}
	if err := s.codec.Unmarshal(data, m); err != nil {
		return status.Errorf(codes.Internal, "triple: unmarshal response: %v", err)
	}
	if !s.desc.ServerStreams {
		// Unary-response stream (client-stream pattern): drain the
		// expected EOF so the call completes cleanly.
		if _, err := s.call.RecvMessage(s.ctx); err != io.EOF {
			return status.Error(codes.Internal, "triple: expected single response followed by trailers")
		}
	}
	return nil
}
