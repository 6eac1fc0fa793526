package h2

import (
	"context"
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// pendingChunk is outbound DATA that flow control would not let us write
// immediately; queued per-stream and drained by flushPendingWrites as
// WINDOW_UPDATEs arrive.
type pendingChunk struct {
	data []byte
	end  bool
	// done, if non-nil, is closed once this chunk has been fully written
	// to the framer - the mechanism SendDataWait uses to give the caller
	// real flow-control-aware backpressure instead of an unbounded queue.
	done chan struct{}
}

// OpenStream starts a new client-initiated stream: encodes and sends
// headers, returning the new stream id. endStream should be true only for
// a call with no request body (never the case for Triple's framed gRPC
// bodies, but supported for completeness).
func (c *Conn) OpenStream(ctx context.Context, h Headers, endStream bool, handler StreamEventHandler) (uint32, error) {
	if !c.isClient {
		return 0, fmt.Errorf("triple: OpenStream called on a server connection")
	}
	type result struct {
		id  uint32
		err error
	}
	res := make(chan result, 1)
	err := c.Loop.Submit(func() {
		if c.closed {
			res <- result{err: fmt.Errorf("triple: connection closed")}
			return
		}
		id := c.nextStreamID
		c.nextStreamID += 2
		s := &streamState{id: id, handler: handler, sendWindow: initialWindowSize}
		c.streams[id] = s
		if err := c.writeHeaders(id, h, endStream); err != nil {
			delete(c.streams, id)
			res <- result{err: err}
			return
		}
		if endStream {
			s.endSent = true
		}
		res <- result{id: id}
	})
	if err != nil {
		return 0, err
	}
	select {
	case r := <-res:
		return r.id, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SendHeaders sends a HEADERS frame on an existing stream - the response
// headers (or a trailers-only response) for a server-opened stream, or
// additional headers on a client-opened one.
func (c *Conn) SendHeaders(streamID uint32, h Headers, endStream bool) error {
	return c.Loop.Submit(func() {
		s, ok := c.streams[streamID]
		if !ok || s.reset {
			return
		}
		if err := c.writeHeaders(streamID, h, endStream); err != nil {
			c.failConn(err)
			return
		}
		if endStream {
			s.endSent = true
			if s.endRecv {
				delete(c.streams, streamID)
			}
		}
	})
}

// SendTrailers sends a HEADERS frame carrying only trailers and closes the
// local side of the stream.
func (c *Conn) SendTrailers(streamID uint32, h Headers) error {
	return c.SendHeaders(streamID, h, true)
}

func (c *Conn) writeHeaders(streamID uint32, h Headers, endStream bool) error {
	c.hpackEncBuf.Reset()
	for _, f := range h {
		if err := c.hpackEnc.WriteField(hpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			return err
		}
	}
	block := c.hpackEncBuf.b
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	first := true
	for len(block) > 0 || first {
		chunk := block
		more := false
		if len(chunk) > defaultMaxFrameLen {
			chunk = block[:defaultMaxFrameLen]
			more = true
		}
		block = block[len(chunk):]
		if first {
			if err := c.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    !more,
			}); err != nil {
				return err
			}
			first = false
			continue
		}
		if err := c.fr.WriteContinuation(streamID, !more, chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendData enqueues payload for streamID without blocking the caller; the
// loop splits it into frames and holds back whatever flow control does not
// yet admit. endStream half-closes the local side once sent.
func (c *Conn) SendData(streamID uint32, payload []byte, endStream bool) error {
	return c.Loop.Submit(func() {
		s, ok := c.streams[streamID]
		if !ok || s.reset {
			return
		}
		s.pending = append(s.pending, pendingChunk{data: payload, end: endStream})
		c.drainStream(s)
	})
}

// SendDataWait enqueues payload like SendData, but blocks the calling
// goroutine until it has been fully written to the framer (i.e. flow
// control admitted every byte), or ctx is done first. This is the real
// backpressure point for the call engine's outbound pipeline: combined
// with a bounded pre-send queue, it keeps at most one in-flight message
// waiting on flow control per stream.
func (c *Conn) SendDataWait(ctx context.Context, streamID uint32, payload []byte, endStream bool) error {
	done := make(chan struct{})
	err := c.Loop.Submit(func() {
		s, ok := c.streams[streamID]
		if !ok || s.reset {
			close(done)
			return
		}
		s.pending = append(s.pending, pendingChunk{data: payload, end: endStream, done: done})
		c.drainStream(s)
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset sends RST_STREAM and discards stream state.
func (c *Conn) Reset(streamID uint32, code http2.ErrCode) error {
	return c.Loop.Submit(func() {
		if _, ok := c.streams[streamID]; !ok {
			return
		}
		c.resetStream(streamID, code)
	})
}

// flushPendingWrites drains every stream's pending queue after a
// connection- or stream-level WINDOW_UPDATE arrives.
func (c *Conn) flushPendingWrites() {
	for _, s := range c.streams {
		c.drainStream(s)
	}
}

func (c *Conn) drainStream(s *streamState) {
	for len(s.pending) > 0 {
		chunk := s.pending[0]
		avail := minInt64(s.sendWindow, c.connSendWindow)
		if avail <= 0 {
			return
		}
		send := chunk.data
		end := chunk.end
		if int64(len(send)) > avail {
			send = send[:avail]
			end = false
		}
		if len(send) > defaultMaxFrameLen {
			send = send[:defaultMaxFrameLen]
			end = false
		}
		c.writeMu.Lock()
		err := c.fr.WriteData(s.id, end && len(send) == len(chunk.data), send)
		c.writeMu.Unlock()
		if err != nil {
			c.failConn(err)
			return
		}
		s.sendWindow -= int64(len(send))
		c.connSendWindow -= int64(len(send))

		if len(send) == len(chunk.data) {
			s.pending = s.pending[1:]
			if chunk.done != nil {
				close(chunk.done)
			}
			if chunk.end {
				s.endSent = true
				if s.endRecv {
					delete(c.streams, s.id)
				}
			}
		} else {
			s.pending[0].data = chunk.data[len(send):]
		}
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
