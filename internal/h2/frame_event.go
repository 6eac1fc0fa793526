package h2

import "golang.org/x/net/http2"

// frameEvent is a defensive copy of a decoded frame, safe to hand across
// goroutines: http2.Framer reuses its read buffer across calls, so any
// payload bytes referenced by the frame returned from ReadFrame are only
// valid until the next ReadFrame call. Since dispatch happens
// asynchronously on the loop goroutine, every byte slice here is freshly
// allocated by the reader goroutine before handoff.
type frameEvent struct {
	kind     frameKind
	streamID uint32
	flags    http2.Flags
	data     []byte // DATA payload, or HEADERS/CONTINUATION block fragment
	settings []http2.Setting
	errCode  http2.ErrCode
	windowID uint32 // WINDOW_UPDATE increment
	pingData [8]byte
	lastSID  uint32 // GOAWAY
}

type frameKind int

const (
	frameData frameKind = iota
	frameHeaders
	frameContinuation
	frameRSTStream
	frameSettings
	framePing
	frameGoAway
	frameWindowUpdate
	framePriority // ignored, but acknowledged so we can skip cleanly
)

func copyFrame(fr http2.Frame) frameEvent {
	h := fr.Header()
	switch f := fr.(type) {
	case *http2.DataFrame:
		return frameEvent{kind: frameData, streamID: h.StreamID, flags: h.Flags, data: append([]byte(nil), f.Data()...)}
	case *http2.HeadersFrame:
		return frameEvent{kind: frameHeaders, streamID: h.StreamID, flags: h.Flags, data: append([]byte(nil), f.HeaderBlockFragment()...)}
	case *http2.ContinuationFrame:
		return frameEvent{kind: frameContinuation, streamID: h.StreamID, flags: h.Flags, data: append([]byte(nil), f.HeaderBlockFragment()...)}
	case *http2.RSTStreamFrame:
		return frameEvent{kind: frameRSTStream, streamID: h.StreamID, errCode: f.ErrCode}
	case *http2.SettingsFrame:
		ev := frameEvent{kind: frameSettings, flags: h.Flags}
		if !f.IsAck() {
			_ = f.ForeachSetting(func(s http2.Setting) error {
				ev.settings = append(ev.settings, s)
				return nil
			})
		}
		return ev
	case *http2.PingFrame:
		ev := frameEvent{kind: framePing, flags: h.Flags}
		ev.pingData = f.Data
		return ev
	case *http2.GoAwayFrame:
		return frameEvent{kind: frameGoAway, errCode: f.ErrCode, lastSID: f.LastStreamID}
	case *http2.WindowUpdateFrame:
		return frameEvent{kind: frameWindowUpdate, streamID: h.StreamID, windowID: f.Increment}
	default:
		return frameEvent{kind: framePriority, streamID: h.StreamID}
	}
}

func (e frameEvent) isAck() bool  { return e.flags&http2.FlagSettingsAck != 0 || e.flags&http2.FlagPingAck != 0 }
func (e frameEvent) endStream() bool { return e.flags&http2.FlagDataEndStream != 0 || e.flags&http2.FlagHeadersEndStream != 0 }
func (e frameEvent) endHeaders() bool {
	return e.flags&http2.FlagHeadersEndHeaders != 0 || e.flags&http2.FlagContinuationEndHeaders != 0
}
