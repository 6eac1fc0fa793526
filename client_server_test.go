package triple_test

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	triple "github.com/dubbogo/triple"
)

const echoServiceName = "triple.test.Echo"

var echoServiceDesc = grpc.ServiceDesc{
	ServiceName: echoServiceName,
	HandlerType: (*echoServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Unary",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(wrapperspb.StringValue)
				if err := dec(req); err != nil {
					return nil, err
				}
				return srv.(echoServer).Unary(ctx, req)
			},
		},
		{
			MethodName: "Sleep",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(wrapperspb.StringValue)
				if err := dec(req); err != nil {
					return nil, err
				}
				return srv.(echoServer).Sleep(ctx, req)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ServerStream",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(echoServer).ServerStream(stream)
			},
		},
		{
			StreamName:    "CountStream",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(echoServer).CountStream(stream)
			},
		},
		{
			StreamName:    "ClientStream",
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(echoServer).ClientStream(stream)
			},
		},
		{
			StreamName:    "Bidi",
			ClientStreams: true,
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(echoServer).Bidi(stream)
			},
		},
	},
}

type echoServer interface {
	Unary(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Sleep(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	ServerStream(stream grpc.ServerStream) error
	CountStream(stream grpc.ServerStream) error
	ClientStream(stream grpc.ServerStream) error
	Bidi(stream grpc.ServerStream) error
}

// testEchoServer implements echoServer. sleepCanceled and countCanceled,
// when non-nil, are closed the moment Sleep or CountStream observes its
// stream context ending - letting tests assert the server noticed
// cancellation, not just that the client did.
type testEchoServer struct {
	sleepCanceled chan struct{}
	countCanceled chan struct{}
}

func (testEchoServer) Unary(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if req.Value == "fail" {
		return nil, status.Error(codes.InvalidArgument, "told to fail")
	}
	return wrapperspb.String("echo:" + req.Value), nil
}

// Sleep parses req.Value as a time.Duration and blocks for that long,
// or until ctx ends first.
func (s testEchoServer) Sleep(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	d, err := time.ParseDuration(req.Value)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	select {
	case <-time.After(d):
		return wrapperspb.String("awake"), nil
	case <-ctx.Done():
		closeIfSet(s.sleepCanceled)
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func (testEchoServer) ServerStream(stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := stream.SendMsg(wrapperspb.String(req.Value)); err != nil {
			return err
		}
	}
	return nil
}

// CountStream reads a count from the first message, then sends that many
// replies, pausing between each so a client-side cancellation lands
// mid-stream rather than after it has already finished.
func (s testEchoServer) CountStream(stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	n, err := strconv.Atoi(req.Value)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	for i := 0; i < n; i++ {
		if err := stream.SendMsg(wrapperspb.String(strconv.Itoa(i))); err != nil {
			closeIfSet(s.countCanceled)
			return err
		}
		select {
		case <-stream.Context().Done():
			closeIfSet(s.countCanceled)
			return status.FromContextError(stream.Context().Err()).Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil
}

// ClientStream reads messages until the client closes its send side,
// then replies once with their concatenation - the pure client-stream
// call pattern (many requests, one response).
func (testEchoServer) ClientStream(stream grpc.ServerStream) error {
	var parts []string
	for {
		req := new(wrapperspb.StringValue)
		err := stream.RecvMsg(req)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		parts = append(parts, req.Value)
	}
	return stream.SendMsg(wrapperspb.String(strings.Join(parts, ",")))
}

func closeIfSet(ch chan struct{}) {
	if ch != nil {
		close(ch)
	}
}

func (testEchoServer) Bidi(stream grpc.ServerStream) error {
	for {
		req := new(wrapperspb.StringValue)
		err := stream.RecvMsg(req)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := stream.SendMsg(wrapperspb.String("bidi:" + req.Value)); err != nil {
			return err
		}
	}
}

func startTestServer(t *testing.T) (addr string, stop func()) {
	return startTestServerWithImpl(t, testEchoServer{})
}

func startTestServerWithImpl(t *testing.T, impl echoServer) (addr string, stop func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := triple.NewServer()
	srv.RegisterService(&echoServiceDesc, impl)
	go func() { _ = srv.Serve(lis) }()
	return lis.Addr().String(), func() { _ = srv.Stop() }
}

func TestUnaryCallRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cc, err := triple.Dial(addr)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply := new(wrapperspb.StringValue)
	err = cc.Invoke(ctx, "/"+echoServiceName+"/Unary", wrapperspb.String("hi"), reply)
	require.NoError(t, err)
	require.Equal(t, "echo:hi", reply.Value)
}

func TestUnaryCallPropagatesStatus(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cc, err := triple.Dial(addr)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply := new(wrapperspb.StringValue)
	err = cc.Invoke(ctx, "/"+echoServiceName+"/Unary", wrapperspb.String("fail"), reply)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.InvalidArgument, st.Code())
}

func TestServerStreamRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cc, err := triple.Dial(addr)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, "/"+echoServiceName+"/ServerStream")
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(wrapperspb.String("x")))

	for i := 0; i < 3; i++ {
		reply := new(wrapperspb.StringValue)
		require.NoError(t, stream.RecvMsg(reply))
		require.Equal(t, "x", reply.Value)
	}
	reply := new(wrapperspb.StringValue)
	require.Equal(t, io.EOF, stream.RecvMsg(reply))
}

func TestBidiStreamRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cc, err := triple.Dial(addr)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true, ServerStreams: true}, "/"+echoServiceName+"/Bidi")
	require.NoError(t, err)

	for _, word := range []string{"a", "b", "c"} {
		require.NoError(t, stream.SendMsg(wrapperspb.String(word)))
		reply := new(wrapperspb.StringValue)
		require.NoError(t, stream.RecvMsg(reply))
		require.Equal(t, "bidi:"+word, reply.Value)
	}
	require.NoError(t, stream.CloseSend())
	reply := new(wrapperspb.StringValue)
	require.Equal(t, io.EOF, stream.RecvMsg(reply))
}

func TestUnaryCallDeadlineExceeded(t *testing.T) {
	impl := testEchoServer{sleepCanceled: make(chan struct{})}
	addr, stop := startTestServerWithImpl(t, impl)
	defer stop()

	cc, err := triple.Dial(addr)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	reply := new(wrapperspb.StringValue)
	err = cc.Invoke(ctx, "/"+echoServiceName+"/Sleep", wrapperspb.String("200ms"), reply)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.DeadlineExceeded, st.Code())
	require.Less(t, time.Since(start), 200*time.Millisecond)

	select {
	case <-impl.sleepCanceled:
	case <-time.After(time.Second):
		t.Fatal("server handler never observed the deadline")
	}
}

func TestServerStreamCancellation(t *testing.T) {
	impl := testEchoServer{countCanceled: make(chan struct{})}
	addr, stop := startTestServerWithImpl(t, impl)
	defer stop()

	cc, err := triple.Dial(addr)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, "/"+echoServiceName+"/CountStream")
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(wrapperspb.String("10")))

	for i := 0; i < 2; i++ {
		reply := new(wrapperspb.StringValue)
		require.NoError(t, stream.RecvMsg(reply))
		require.Equal(t, strconv.Itoa(i), reply.Value)
	}

	cancel()

	reply := new(wrapperspb.StringValue)
	err = stream.RecvMsg(reply)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.Canceled, st.Code())

	select {
	case <-impl.countCanceled:
	case <-time.After(time.Second):
		t.Fatal("server handler never observed the cancellation")
	}
}

func TestClientStreamRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cc, err := triple.Dial(addr)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true}, "/"+echoServiceName+"/ClientStream")
	require.NoError(t, err)

	for _, word := range []string{"a", "b", "c"} {
		require.NoError(t, stream.SendMsg(wrapperspb.String(word)))
	}
	require.NoError(t, stream.CloseSend())

	reply := new(wrapperspb.StringValue)
	require.NoError(t, stream.RecvMsg(reply))
	require.Equal(t, "a,b,c", reply.Value)
}
