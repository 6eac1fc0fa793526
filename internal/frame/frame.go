// Package frame implements Triple/gRPC message framing: a 5-byte prefix
// (1-byte compressed flag, 4-byte big-endian length) followed by that many
// bytes of payload. Framing is identical to gRPC-over-HTTP/2; this package
// is codec-agnostic and operates purely on byte slices.
package frame

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxMessageSize is the default ceiling on a single decoded
// message, matching the spec's 4 MiB default.
const DefaultMaxMessageSize = 4 * 1024 * 1024

const headerLen = 5

// MalformedFrameError reports a framing-level protocol violation: a
// declared length that would exceed the configured maximum message size,
// or other inputs that cannot possibly be valid Triple frames.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string { return "triple: malformed frame: " + e.Reason }

// Encode produces a single length-prefixed frame wrapping payload. The
// compressed flag is set to 1 when compressed is true.
func Encode(payload []byte, compressed bool) []byte {
	out := make([]byte, headerLen+len(payload))
	if compressed {
		out[0] = 1
	}
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[headerLen:], payload)
	return out
}

// Message is one decoded frame: its compressed flag and payload bytes.
// Payload aliases the Decoder's internal buffer only for the duration of
// the callback in Decoder.Feed; callers that retain it must copy.
type Message struct {
	Payload    []byte
	Compressed bool
}

// Decoder incrementally decodes a stream of Triple frames, tolerating
// arbitrary chunking of the input (a single Feed call may contain zero,
// one, or many complete frames, and a frame may span many Feed calls).
//
// A Decoder is not safe for concurrent use; callers (the HTTP/2 transport
// loop) serialize access per-stream.
type Decoder struct {
	buf           []byte
	maxMsgSize    int
	wantLen       int
	haveLen       bool
	compressedNow bool
}

// NewDecoder returns a Decoder that rejects declared payload lengths
// greater than maxMsgSize. A maxMsgSize <= 0 uses DefaultMaxMessageSize.
func NewDecoder(maxMsgSize int) *Decoder {
	if maxMsgSize <= 0 {
		maxMsgSize = DefaultMaxMessageSize
	}
	return &Decoder{maxMsgSize: maxMsgSize}
}

// Feed appends newly-read bytes and invokes onMessage once per complete
// frame now available, in order. onMessage's Payload slice is only valid
// until Feed returns; retain a copy if needed past that point.
//
// Returns a *MalformedFrameError if a declared frame length exceeds the
// decoder's configured maximum.
func (d *Decoder) Feed(chunk []byte, onMessage func(Message)) error {
	d.buf = append(d.buf, chunk...)
	for {
		if !d.haveLen {
			if len(d.buf) < headerLen {
				return nil
			}
			length := binary.BigEndian.Uint32(d.buf[1:5])
			if int(length) > d.maxMsgSize {
				return &MalformedFrameError{Reason: fmt.Sprintf("declared length %d exceeds max message size %d", length, d.maxMsgSize)}
			}
			d.compressedNow = d.buf[0] != 0
			d.wantLen = int(length)
			d.buf = d.buf[headerLen:]
			d.haveLen = true
		}
		if len(d.buf) < d.wantLen {
			return nil
		}
		payload := d.buf[:d.wantLen]
		d.buf = d.buf[d.wantLen:]
		d.haveLen = false
		onMessage(Message{Payload: payload, Compressed: d.compressedNow})
		// Reclaim backing storage once fully drained so a decoder used for
		// many small messages doesn't retain an ever-growing array.
		if len(d.buf) == 0 {
			d.buf = nil
		}
	}
}

// DecodeAll decodes every complete frame currently buffered in b,
// returning copies of each payload. It is a convenience wrapper over
// Decoder, primarily used by tests exercising the round-trip property.
func DecodeAll(b []byte, maxMsgSize int) ([]Message, error) {
	d := NewDecoder(maxMsgSize)
	var out []Message
	err := d.Feed(b, func(m Message) {
		cp := make([]byte, len(m.Payload))
		copy(cp, m.Payload)
		out = append(out, Message{Payload: cp, Compressed: m.Compressed})
	})
	return out, err
}
