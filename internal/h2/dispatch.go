package h2

import (
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// headerAssembly tracks an in-progress HEADERS (+ CONTINUATION*) sequence.
// HTTP/2 forbids interleaving other stream's frames within such a
// sequence, so one assembly per connection suffices.
type headerAssembly struct {
	streamID  uint32
	fragment  []byte
	endStream bool
	active    bool
}

// dispatch runs on the loop goroutine and is the single mutation point
// for all connection and stream state.
func (c *Conn) dispatch(ev frameEvent) {
	if c.closed {
		return
	}
	switch ev.kind {
	case frameSettings:
		c.handleSettings(ev)
	case framePing:
		c.handlePing(ev)
	case frameGoAway:
		c.handleGoAway(ev)
	case frameWindowUpdate:
		c.handleWindowUpdate(ev)
	case frameRSTStream:
		c.handleRSTStream(ev)
	case frameData:
		c.handleData(ev)
	case frameHeaders:
		c.beginHeaders(ev)
	case frameContinuation:
		c.continueHeaders(ev)
	case framePriority:
		// PRIORITY carries no semantics Triple acts on; ignored.
	}
}

func (c *Conn) handleSettings(ev frameEvent) {
	if ev.isAck() {
		return
	}
	for _, s := range ev.settings {
		if s.ID == http2.SettingInitialWindowSize {
			// The peer's value is not applied: every stream's send window
			// starts at initialWindowSize, whatever the peer advertises.
			_ = s.Val
		}
	}
	c.writeMu.Lock()
	err := c.fr.WriteSettingsAck()
	c.writeMu.Unlock()
	if err != nil {
		c.failConn(err)
	}
}

func (c *Conn) handlePing(ev frameEvent) {
	if ev.flags&http2.FlagPingAck != 0 {
		c.pingOutstanding = false
		c.scheduleKeepalive()
		return
	}
	c.writeMu.Lock()
	err := c.fr.WritePing(true, ev.pingData)
	c.writeMu.Unlock()
	if err != nil {
		c.failConn(err)
	}
}

func (c *Conn) handleGoAway(ev frameEvent) {
	c.failConn(fmt.Errorf("triple: received GOAWAY (code=%v, lastStreamID=%d)", ev.errCode, ev.lastSID))
}

func (c *Conn) handleWindowUpdate(ev frameEvent) {
	if ev.streamID == 0 {
		c.connSendWindow += int64(ev.windowID)
		c.flushPendingWrites()
		return
	}
	s, ok := c.streams[ev.streamID]
	if !ok {
		return
	}
	s.sendWindow += int64(ev.windowID)
	c.flushPendingWrites()
}

func (c *Conn) handleRSTStream(ev frameEvent) {
	s, ok := c.streams[ev.streamID]
	if !ok {
		return
	}
	delete(c.streams, ev.streamID)
	if !s.reset {
		s.reset = true
		s.handler.OnReset(ev.errCode)
	}
}

func (c *Conn) handleData(ev frameEvent) {
	c.connRecvCredit += int64(len(ev.data))
	if c.connRecvCredit > initialWindowSize/2 {
		incr := uint32(c.connRecvCredit)
		c.connRecvCredit = 0
		c.writeMu.Lock()
		_ = c.fr.WriteWindowUpdate(0, incr)
		c.writeMu.Unlock()
	}
	s, ok := c.streams[ev.streamID]
	if !ok {
		return
	}
	s.recvCredit += int64(len(ev.data))
	if s.recvCredit > initialWindowSize/2 {
		incr := uint32(s.recvCredit)
		s.recvCredit = 0
		c.writeMu.Lock()
		_ = c.fr.WriteWindowUpdate(ev.streamID, incr)
		c.writeMu.Unlock()
	}
	if ev.endStream() {
		s.endRecv = true
	}
	s.handler.OnData(ev.data, ev.endStream())
	if s.endRecv && s.endSent {
		delete(c.streams, ev.streamID)
	}
}

func (c *Conn) beginHeaders(ev frameEvent) {
	c.headerAsm = headerAssembly{streamID: ev.streamID, fragment: append([]byte(nil), ev.data...), endStream: ev.endStream(), active: true}
	if ev.endHeaders() {
		c.finishHeaders()
	}
}

func (c *Conn) continueHeaders(ev frameEvent) {
	if !c.headerAsm.active || c.headerAsm.streamID != ev.streamID {
		return
	}
	c.headerAsm.fragment = append(c.headerAsm.fragment, ev.data...)
	if ev.endHeaders() {
		c.finishHeaders()
	}
}

func (c *Conn) finishHeaders() {
	asm := c.headerAsm
	c.headerAsm = headerAssembly{}
	var hdrs Headers
	c.hpackDec.SetEmitFunc(func(f hpack.HeaderField) {
		hdrs = append(hdrs, Header{Name: f.Name, Value: f.Value})
	})
	if _, err := c.hpackDec.Write(asm.fragment); err != nil {
		c.resetStream(asm.streamID, http2.ErrCodeCompression)
		return
	}

	s, ok := c.streams[asm.streamID]
	if !ok {
		if c.isClient || c.onOpen == nil {
			// Server never opens streams; client never expects new
			// inbound streams (Triple has no server push).
			c.resetStream(asm.streamID, http2.ErrCodeProtocol)
			return
		}
		handler := c.onOpen(c, asm.streamID, hdrs, asm.endStream)
		if handler == nil {
			c.resetStream(asm.streamID, http2.ErrCodeRefusedStream)
			return
		}
		s = &streamState{id: asm.streamID, handler: handler, sendWindow: initialWindowSize, headersSent: true}
		c.streams[asm.streamID] = s
		if asm.endStream {
			s.endRecv = true
		}
		handler.OnHeaders(hdrs, asm.endStream)
		if s.endRecv && s.endSent {
			delete(c.streams, asm.streamID)
		}
		return
	}

	if asm.endStream {
		s.endRecv = true
	}
	if !s.headersSent { // first HEADERS this stream has observed from the peer
		s.headersSent = true
		s.handler.OnHeaders(hdrs, asm.endStream)
	} else {
		s.handler.OnTrailers(hdrs)
	}
	if s.endRecv && s.endSent {
		delete(c.streams, asm.streamID)
	}
}

func (c *Conn) resetStream(id uint32, code http2.ErrCode) {
	c.writeMu.Lock()
	_ = c.fr.WriteRSTStream(id, code)
	c.writeMu.Unlock()
	if s, ok := c.streams[id]; ok {
		delete(c.streams, id)
		if !s.reset {
			s.reset = true
			s.handler.OnReset(code)
		}
	}
}
