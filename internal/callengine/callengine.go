// Package callengine is the Call Engine (C4): it maps the four call
// patterns onto an h2.Conn stream, bridges the caller's blocking
// SendMessage/RecvMessage calls with the connection's loop goroutine, and
// translates HTTP/2 + grpc-style headers/trailers into a status.Status.
package callengine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dubbogo/triple/internal/callstate"
	"github.com/dubbogo/triple/internal/frame"
	"github.com/dubbogo/triple/internal/grpcutil"
	"github.com/dubbogo/triple/internal/h2"
)

// Call drives one RPC's wire-level message exchange over an already-open
// h2 stream. It is shared by the client and server call paths; the only
// asymmetry is which side opens the stream and which headers are sent
// first, both handled by the constructors below.
type Call struct {
	*callstate.Call

	conn       *h2.Conn
	streamID   uint32
	maxMsgSize int
	isClient   bool
	unary      bool

	dec *frame.Decoder

	// msgCount and protoViolated guard the unary invariant: a unary call
	// accepts exactly one inbound message. protoViolated is set once the
	// violation has been reported so a single Feed call that somehow
	// produces more than one further message doesn't reset/close twice.
	msgCount      int
	protoViolated bool

	// relay decouples inbound delivery (on the loop goroutine, which must
	// never block) from the bounded, caller-facing Inbound queue. The
	// pump goroutine is the only blocking consumer of rawIn and the only
	// blocking producer into Inbound.
	relayMu  sync.Mutex
	overflow [][]byte
	rawIn    chan []byte

	closeOnce sync.Once
	doneCh    chan struct{}

	// cancelCh closes exactly when the call ends abnormally - locally via
	// CancelWithStatus or remotely via an RST_STREAM - as opposed to
	// doneCh, which also closes on ordinary completion (e.g. the peer
	// simply finishing its request body). Handlers that need to notice
	// "the peer gave up" specifically, not "the peer is done sending",
	// watch this instead of doneCh.
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newCall(conn *h2.Conn, streamID uint32, method string, maxMsgSize int, isClient bool) *Call {
	c := &Call{
		Call:       callstate.New(method),
		conn:       conn,
		streamID:   streamID,
		maxMsgSize: maxMsgSize,
		isClient:   isClient,
		dec:        frame.NewDecoder(maxMsgSize),
		rawIn:      make(chan []byte, 64),
		doneCh:     make(chan struct{}),
		cancelCh:   make(chan struct{}),
	}
	go c.pump()
	return c
}

// protocolViolation terminates the call locally for a protocol-level
// violation detected by this side (as opposed to CancelWithStatus, which
// is used for caller-driven cancellation/deadlines). It resets the stream
// with ErrCodeInternal so the peer's OnReset observes codes.Internal.
func (c *Call) protocolViolation(st *status.Status) {
	c.SetFinalStatus(st)
	_ = c.conn.Reset(c.streamID, http2.ErrCodeInternal)
	c.closeRelay()
	c.closeCancel()
	c.Inbound.Close(io.EOF)
}

// pump is the sole goroutine allowed to block on Inbound.Send; it drains
// rawIn (fed non-blockingly from the loop) and the overflow slice that
// absorbs bursts beyond rawIn's buffer, so OnData never has to block the
// connection's loop goroutine to apply backpressure.
func (c *Call) pump() {
	for msg := range c.rawIn {
		_ = c.Inbound.Send(context.Background(), msg)
		c.drainOverflow()
	}
}

func (c *Call) drainOverflow() {
	for {
		c.relayMu.Lock()
		if len(c.overflow) == 0 {
			c.relayMu.Unlock()
			return
		}
		msg := c.overflow[0]
		c.overflow = c.overflow[1:]
		c.relayMu.Unlock()
		_ = c.Inbound.Send(context.Background(), msg)
	}
}

// deliver is called on the loop goroutine with a fully decoded message;
// it must never block.
func (c *Call) deliver(msg []byte) {
	select {
	case c.rawIn <- msg:
	default:
		c.relayMu.Lock()
		c.overflow = append(c.overflow, msg)
		c.relayMu.Unlock()
	}
}

func (c *Call) closeRelay() {
	c.closeOnce.Do(func() {
		close(c.rawIn)
		close(c.doneCh)
	})
}

func (c *Call) closeCancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// Canceled returns a channel that closes when the call ends abnormally:
// a local CancelWithStatus (deadline, context cancellation) or an
// RST_STREAM received from the peer. Unlike plain completion, this is
// the signal a streaming handler should watch to stop producing output
// for a peer that already gave up.
func (c *Call) Canceled() <-chan struct{} { return c.cancelCh }

// OpenClient opens a new client-initiated stream and returns its Call.
// headers must already include the Triple request pseudo-headers and
// content-type; see client.go for how they're built.
func OpenClient(ctx context.Context, conn *h2.Conn, headers h2.Headers, maxMsgSize int) (*Call, error) {
	c := newCall(conn, 0, headers.Get(":path"), maxMsgSize, true)
	c.SetRequestHeaders(headersToMD(headers))
	id, err := conn.OpenStream(ctx, headers, false, &eventAdapter{call: c})
	if err != nil {
		c.closeRelay()
		return nil, err
	}
	c.streamID = id
	return c, nil
}

// NewServerCall wraps a server-opened stream (already accepted by the
// transport) in a Call. unary marks the method's call pattern so the
// engine can enforce the exactly-one-request-message invariant. Returns
// the Call and the h2.StreamEventHandler the transport should route this
// stream's events to.
func NewServerCall(conn *h2.Conn, streamID uint32, headers h2.Headers, maxMsgSize int, unary bool) (*Call, h2.StreamEventHandler) {
	c := newCall(conn, streamID, headers.Get(":path"), maxMsgSize, false)
	c.unary = unary
	c.SetRequestHeaders(headersToMD(headers))
	return c, &eventAdapter{call: c}
}

// SendMessage serializes (already done by the caller) and frames payload,
// then blocks until flow control has admitted the whole frame or ctx ends.
func (c *Call) SendMessage(ctx context.Context, payload []byte) error {
	if len(payload) > c.maxMsgSize {
		return status.Errorf(codes.ResourceExhausted, "triple: message size %d exceeds max %d", len(payload), c.maxMsgSize)
	}
	return c.conn.SendDataWait(ctx, c.streamID, frame.Encode(payload, false), false)
}

// CloseSend half-closes the outbound direction: client side this ends
// the request stream. The server does not call it; its outbound side is
// closed by the trailers SendStatus sends.
func (c *Call) CloseSend(ctx context.Context) error {
	return c.conn.SendDataWait(ctx, c.streamID, nil, true)
}

// SendHeaders sends the opening response headers (server side only).
func (c *Call) SendHeaders(md metadata.MD, contentType string) error {
	return c.conn.SendHeaders(c.streamID, mdToHeaders(md, ":status", "200", "content-type", contentType), false)
}

// SendStatus sends trailers carrying the terminal status (server side).
func (c *Call) SendStatus(st *status.Status, trailerMD metadata.MD) error {
	h := mdToHeaders(trailerMD, "grpc-status", fmt.Sprintf("%d", st.Code()), "grpc-message", percentEncode(st.Message()))
	return c.conn.SendTrailers(c.streamID, h)
}

// RecvMessage blocks for the next inbound message, returning io.EOF once
// trailers have closed the call with an OK status, or the call's
// status.Status error for any other terminal outcome.
func (c *Call) RecvMessage(ctx context.Context) ([]byte, error) {
	msg, err := c.Inbound.Recv(ctx)
	if err == nil {
		return msg, nil
	}
	if st := c.FinalStatus(); st != nil {
		if st.Code() == codes.OK {
			return nil, io.EOF
		}
		return nil, st.Err()
	}
	return nil, grpcutil.TranslateContextError(err)
}

// Cancel resets the stream and marks the call Cancelled; idempotent
// (SetFinalStatus only takes effect once).
func (c *Call) Cancel() {
	c.CancelWithStatus(status.New(codes.Canceled, "triple: call canceled"))
}

// CancelWithStatus resets the stream and marks the call terminal with st
// - used directly by deadline enforcement to report DeadlineExceeded
// rather than Canceled.
func (c *Call) CancelWithStatus(st *status.Status) {
	c.SetFinalStatus(st)
	_ = c.conn.Reset(c.streamID, http2.ErrCodeCancel)
	c.Inbound.Close(context.Canceled)
	c.Outbound.Close(context.Canceled)
	c.closeRelay()
	c.closeCancel()
}

// WatchContext starts a goroutine that cancels the call when ctx ends,
// mapping context.DeadlineExceeded to the DeadlineExceeded status and
// anything else to Canceled. The goroutine exits once the call's
// Inbound queue closes (normal completion) or ctx ends, whichever first.
func (c *Call) WatchContext(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
		case <-c.doneCh:
			return
		}
		if c.FinalStatus() != nil {
			return
		}
		switch ctx.Err() {
		case context.DeadlineExceeded:
			c.CancelWithStatus(status.New(codes.DeadlineExceeded, "triple: deadline exceeded"))
		default:
			c.Cancel()
		}
	}()
}

// eventAdapter implements h2.StreamEventHandler, translating wire events
// into Call state changes. All its methods run on the connection's loop
// goroutine.
type eventAdapter struct {
	call           *Call
	gotResponseHdr bool
}

func (a *eventAdapter) OnHeaders(h h2.Headers, endStream bool) {
	c := a.call
	if !c.isClient {
		// On the server this is the initial request HEADERS, already
		// captured in NewServerCall; an endStream flag on it is not acted
		// on here.
		return
	}
	if a.gotResponseHdr {
		a.onTrailers(h)
		return
	}
	a.gotResponseHdr = true
	c.SetResponseHeaders(headersToMD(h))
	if ct := h.Get("content-type"); ct != "" && h.Get(":status") != "200" {
		httpCode := grpcutil.CodeForHTTPStatus(atoiOr(h.Get(":status"), 0))
		c.SetFinalStatus(status.New(httpCode, "triple: non-200 HTTP status"))
	}
	if endStream {
		a.onTrailers(h) // trailers-only response
	}
}

func (a *eventAdapter) OnData(p []byte, endStream bool) {
	c := a.call
	if len(p) > 0 {
		if err := c.dec.Feed(p, func(m frame.Message) {
			if c.protoViolated {
				return
			}
			if m.Compressed {
				// The engine registers no compressor/decompressor for any
				// codec; a peer advertising a compressed frame is asking
				// for something this side cannot honor.
				c.protoViolated = true
				c.protocolViolation(status.New(codes.Unimplemented, "triple: compressed messages are not supported"))
				return
			}
			if c.unary && c.msgCount >= 1 {
				c.protoViolated = true
				c.protocolViolation(status.New(codes.Internal, "triple: unary method received more than one request message"))
				return
			}
			c.msgCount++
			c.deliver(append([]byte(nil), m.Payload...))
		}); err != nil {
			c.SetFinalStatus(status.New(codes.Internal, err.Error()))
			_ = c.conn.Reset(c.streamID, http2.ErrCodeProtocol)
			c.closeRelay()
			c.Inbound.Close(io.EOF)
		}
	}
	if endStream {
		a.onTrailers(nil)
	}
}

func (a *eventAdapter) OnTrailers(h h2.Headers) {
	a.onTrailers(h)
}

func (a *eventAdapter) onTrailers(h h2.Headers) {
	c := a.call
	if h != nil {
		c.SetTrailers(headersToMD(h))
		if code := h.Get("grpc-status"); code != "" {
			msg := percentDecode(h.Get("grpc-message"))
			c.SetFinalStatus(status.New(codes.Code(atoiOr(code, int(codes.Unknown))), msg))
		}
	}
	if c.FinalStatus() == nil {
		c.SetFinalStatus(status.New(codes.Unknown, "triple: stream ended without grpc-status"))
	}
	c.closeRelay()
	c.Inbound.Close(io.EOF)
}

func (a *eventAdapter) OnReset(code http2.ErrCode) {
	c := a.call
	st := status.New(codes.Unavailable, fmt.Sprintf("triple: stream reset (code=%v)", code))
	switch code {
	case http2.ErrCodeCancel:
		st = status.New(codes.Canceled, "triple: stream reset by peer")
	case http2.ErrCodeInternal:
		st = status.New(codes.Internal, "triple: stream reset by peer (protocol violation)")
	}
	c.SetFinalStatus(st)
	c.closeRelay()
	c.Inbound.Close(io.EOF)
	c.Outbound.Close(context.Canceled)
	c.closeCancel()
}
