package triple

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// echoUnaryDesc describes a single unary method that just echoes its
// request back, enough to exercise the invariant below without needing
// the full test fixture defined by the external test package.
var echoUnaryDesc = &grpc.ServiceDesc{
	ServiceName: "triple.internal.Echo",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Echo",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				req := new(wrapperspb.StringValue)
				if err := dec(req); err != nil {
					return nil, err
				}
				return req, nil
			},
		},
	},
}

// TestUnaryCallRejectsSecondMessage sends two DATA frames on a unary
// call by bypassing ClientConn.Invoke's own one-message guarantee and
// calling the unexported call-opening primitive directly. The server
// must reset the stream and report codes.Internal rather than silently
// buffering the second message.
func TestUnaryCallRejectsSecondMessage(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer()
	srv.RegisterService(echoUnaryDesc, nil)
	go func() { _ = srv.Serve(lis) }()
	defer func() { _ = srv.Stop() }()

	cc, err := Dial(lis.Addr().String())
	require.NoError(t, err)
	defer func() { _ = cc.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := cc.newCall(ctx, "/triple.internal.Echo/Echo")
	require.NoError(t, err)
	call.WatchContext(ctx)

	data, err := cc.codec.Marshal(wrapperspb.String("one"))
	require.NoError(t, err)
	require.NoError(t, call.SendMessage(ctx, data))
	// A second message on what the server knows is a unary call; the
	// server-side engine must reject it instead of queuing it.
	require.NoError(t, call.SendMessage(ctx, data))
	require.NoError(t, call.CloseSend(ctx))

	_, err = call.RecvMessage(ctx)
	require.Error(t, err)
	require.Equal(t, codes.Internal, status.Code(err))
}
