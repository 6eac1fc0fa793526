package triple

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dubbogo/triple/internal/callengine"
)

// serverStream adapts a callengine.Call to grpc.ServerStream for the
// three streaming call patterns. Unary calls are handled directly in
// Server.runUnary without this adapter, mirroring how grpc-go only
// builds a ServerStream for StreamDesc-registered methods.
//
// Response headers are sent eagerly by Server.runStream before the
// handler starts, so that the first DATA frame never races a late
// SendHeader call. As a result SetHeader/SendHeader here do nothing:
// metadata passed to them never reaches the peer. SetTrailer always
// takes effect, since trailers are sent once after the handler returns.
type serverStream struct {
	ctx   context.Context
	call  *callengine.Call
	codec encoding.Codec
	desc  *grpc.StreamDesc

	mu      sync.Mutex
	trailer metadata.MD
}

var _ grpc.ServerStream = (*serverStream)(nil)

// SetHeader and SendHeader are no-ops: response headers have already
// gone out by the time the handler runs, see the type doc above.
func (s *serverStream) SetHeader(metadata.MD) error  { return nil }
func (s *serverStream) SendHeader(metadata.MD) error { return nil }

func (s *serverStream) SetTrailer(md metadata.MD) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trailer = metadata.Join(s.trailer, md)
}

func (s *serverStream) takeTrailer() metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailer
}

func (s *serverStream) Context() context.Context { return s.ctx }

func (s *serverStream) SendMsg(m interface{}) error {
	data, err := s.codec.Marshal(m)
	if err != nil {
		return status.Errorf(codes.Internal, "triple: marshal response: %v", err)
	}
	return s.call.SendMessage(s.ctx, data)
}

func (s *serverStream) RecvMsg(m interface{}) error {
	data, err := s.call.RecvMessage(s.ctx)
	if err != nil {
		return err
	}
	return s.codec.Unmarshal(data, m)
}
