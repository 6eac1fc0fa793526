// Package h2 is the Triple HTTP/2 transport: a single-connection client or
// server session driven by a cooperative event loop, exposing the stream
// primitives the call engine needs (open, send headers/data/trailers,
// half-close, reset) without depending on net/http's request/response
// model.
//
// Framing and HPACK are done with golang.org/x/net/http2's public Framer
// and hpack packages; everything above the frame layer (stream bookkeeping,
// flow control accounting, SETTINGS/PING/GOAWAY handling) is implemented
// here, grounded on the structure of a from-scratch HTTP/2 session: one
// read goroutine decoding frames off the wire, handing them to the
// connection's loop goroutine, which is the only goroutine that ever
// mutates stream or session state.
package h2

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/dubbogo/triple/internal/loop"
)

const (
	initialWindowSize  = 65535
	defaultMaxFrameLen = 16384
)

// Header is a single decoded HTTP/2 header or pseudo-header field.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of header fields, as produced by HPACK
// decoding. Pseudo-headers (":method", ":path", ...) retain their leading
// colon exactly as hpack decodes them.
type Headers []Header

// Get returns the first value for name, or "" if absent.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// StreamEventHandler receives connection-driven events for one stream.
// All methods are invoked on the connection's loop goroutine.
type StreamEventHandler interface {
	OnHeaders(h Headers, endStream bool)
	OnData(p []byte, endStream bool)
	OnTrailers(h Headers)
	OnReset(code http2.ErrCode)
}

// Conn is one HTTP/2 session over a single net.Conn, client or server
// side, driven by its own Loop. Construct with Dial (client) or Accept
// (server).
type Conn struct {
	nc     net.Conn
	fr     *http2.Framer
	Loop   *loop.Loop
	onOpen func(c *Conn, streamID uint32, h Headers, endStream bool) StreamEventHandler // server-only

	hpackEnc    *hpack.Encoder
	hpackEncBuf *bufBuffer
	hpackDec    *hpack.Decoder

	streams   map[uint32]*streamState
	headerAsm headerAssembly

	writeMu sync.Mutex // serializes physical writes (loop goroutine + keepalive timer)

	isClient     bool
	nextStreamID uint32

	connSendWindow int64
	connRecvCredit int64 // bytes received but not yet acked via WINDOW_UPDATE

	closed     bool
	closeErr   error
	onClose    []func(error)
	goAwayOnce sync.Once

	keepaliveInterval time.Duration
	keepaliveTimeout  time.Duration
	pingOutstanding   bool
}

type streamState struct {
	id          uint32
	handler     StreamEventHandler
	sendWindow  int64
	recvCredit  int64
	pending     []pendingChunk
	headersSent bool
	endSent     bool
	endRecv     bool
	reset       bool
}

// bufBuffer adapts a bytes-backed buffer for the hpack encoder; kept tiny
// and local rather than pulling in bytes.Buffer's full surface.
type bufBuffer struct{ b []byte }

func (b *bufBuffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}
func (b *bufBuffer) Reset() { b.b = b.b[:0] }

// newConn builds the shared connection state; isClient and nextStreamID
// seed determine stream-id parity (clients use odd ids, servers use
// even ids for server-push only - Triple never pushes, so servers only
// ever respond on client-opened odd-numbered streams).
func newConn(nc net.Conn, isClient bool, l *loop.Loop, onOpen func(*Conn, uint32, Headers, bool) StreamEventHandler) *Conn {
	c := &Conn{
		nc:             nc,
		fr:             http2.NewFramer(nc, bufio.NewReaderSize(nc, 16*1024)),
		Loop:           l,
		onOpen:         onOpen,
		streams:        make(map[uint32]*streamState),
		isClient:       isClient,
		connSendWindow: initialWindowSize,
		keepaliveInterval: 2 * time.Minute,
		keepaliveTimeout:  20 * time.Second,
	}
	c.fr.MaxHeaderListSize = 16 << 20
	buf := &bufBuffer{}
	c.hpackEncBuf = buf
	c.hpackEnc = hpack.NewEncoder(buf)
	c.hpackDec = hpack.NewDecoder(4096, nil)
	if isClient {
		c.nextStreamID = 1
	} else {
		c.nextStreamID = 2
	}
	return c
}

// Dial opens a TCP connection to addr and performs the client-side
// HTTP/2 handshake (connection preface + initial SETTINGS). The loop
// must already be running (its Run goroutine started by the caller).
func Dial(ctx context.Context, addr string, l *loop.Loop) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("triple: dial %s: %w", addr, err)
	}
	return NewClient(nc, l)
}

// NewClient performs the client-side HTTP/2 handshake over an
// already-established net.Conn. Exposed separately from Dial so tests (and
// callers with their own dialing/TLS logic) can drive the handshake over
// an arbitrary net.Conn, such as the two ends of a net.Pipe.
func NewClient(nc net.Conn, l *loop.Loop) (*Conn, error) {
	c := newConn(nc, true, l, nil)
	if _, err := nc.Write([]byte(http2.ClientPreface)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("triple: writing client preface: %w", err)
	}
	if err := c.fr.WriteSettings(
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: initialWindowSize},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: defaultMaxFrameLen},
	); err != nil {
		nc.Close()
		return nil, fmt.Errorf("triple: writing initial settings: %w", err)
	}
	c.startReading()
	c.startKeepalive()
	return c, nil
}

// Accept completes the server-side HTTP/2 handshake on an already-accepted
// net.Conn: reads the client preface, sends initial SETTINGS, and starts
// the read loop. onOpen is invoked (on the loop goroutine) for every new
// client-initiated stream and must return the handler that will receive
// its events.
func Accept(nc net.Conn, l *loop.Loop, onOpen func(c *Conn, streamID uint32, h Headers, endStream bool) StreamEventHandler) (*Conn, error) {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(nc, preface); err != nil {
		nc.Close()
		return nil, fmt.Errorf("triple: reading client preface: %w", err)
	}
	if string(preface) != http2.ClientPreface {
		nc.Close()
		return nil, fmt.Errorf("triple: bad client preface")
	}
	c := newConn(nc, false, l, onOpen)
	if err := c.fr.WriteSettings(
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: initialWindowSize},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: defaultMaxFrameLen},
	); err != nil {
		nc.Close()
		return nil, fmt.Errorf("triple: writing initial settings: %w", err)
	}
	c.startReading()
	c.startKeepalive()
	return c, nil
}

// SetKeepalive configures the PING interval/timeout. Must be called
// before the first PING would otherwise fire; typically immediately
// after Dial/Accept.
func (c *Conn) SetKeepalive(interval, timeout time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.keepaliveInterval = interval
	c.keepaliveTimeout = timeout
}

// OnClose registers fn to be called (on the loop goroutine) once when the
// connection terminates, with the reason (nil after a local Close; a
// received GOAWAY is reported as a non-nil error).
func (c *Conn) OnClose(fn func(error)) {
	_ = c.Loop.Submit(func() {
		if c.closed {
			fn(c.closeErr)
			return
		}
		c.onClose = append(c.onClose, fn)
	})
}

// startReading launches the dedicated reader goroutine: blocking socket
// reads and frame decoding happen here, off the loop goroutine, so a slow
// or malicious peer stalls only its own connection.
func (c *Conn) startReading() {
	go func() {
		for {
			fr, err := c.fr.ReadFrame()
			if err != nil {
				_ = c.Loop.SubmitInternal(func() { c.handleConnError(err) })
				return
			}
			ev := copyFrame(fr)
			_ = c.Loop.SubmitInternal(func() { c.dispatch(ev) })
		}
	}()
}

// startKeepalive schedules the first keepalive PING via the loop's timer.
func (c *Conn) startKeepalive() {
	_ = c.Loop.Submit(func() { c.scheduleKeepalive() })
}

func (c *Conn) scheduleKeepalive() {
	if c.closed || c.keepaliveInterval <= 0 {
		return
	}
	_, _ = c.Loop.ScheduleTimer(c.keepaliveInterval, func() { c.sendKeepalivePing() })
}

func (c *Conn) sendKeepalivePing() {
	if c.closed {
		return
	}
	if c.pingOutstanding {
		c.failConn(fmt.Errorf("triple: keepalive ping timeout"))
		return
	}
	c.pingOutstanding = true
	var data [8]byte
	c.writeMu.Lock()
	err := c.fr.WritePing(false, data)
	c.writeMu.Unlock()
	if err != nil {
		c.failConn(err)
		return
	}
	_, _ = c.Loop.ScheduleTimer(c.keepaliveTimeout, func() {
		if c.pingOutstanding {
			c.failConn(fmt.Errorf("triple: keepalive ping not acked within %s", c.keepaliveTimeout))
		}
	})
}

func (c *Conn) handleConnError(err error) {
	c.failConn(err)
}

// failConn tears the connection down: every live stream observes OnReset
// with ErrCodeConnect (the call engine maps this to Unavailable), and
// pending writers are unblocked.
func (c *Conn) failConn(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	for _, s := range c.streams {
		if !s.reset {
			s.reset = true
			s.handler.OnReset(http2.ErrCodeConnect)
		}
	}
	c.streams = nil
	_ = c.nc.Close()
	for _, fn := range c.onClose {
		fn(err)
	}
	c.onClose = nil
	c.Loop.Stop()
}

// Close sends GOAWAY and closes the socket. Safe to call from any
// goroutine; the actual teardown happens on the loop.
func (c *Conn) Close() error {
	return c.Loop.Submit(func() {
		c.goAwayOnce.Do(func() {
			c.writeMu.Lock()
			_ = c.fr.WriteGoAway(c.lastStreamID(), http2.ErrCodeNo, nil)
			c.writeMu.Unlock()
		})
		c.failConn(nil)
	})
}

func (c *Conn) lastStreamID() uint32 {
	var max uint32
	for id := range c.streams {
		if id > max {
			max = id
		}
	}
	return max
}
