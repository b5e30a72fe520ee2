/*
Package frame splits a byte stream into discrete messages and back.

A frame on the wire is a 0x7E flag byte, the escaped payload followed by a one-byte XOR checksum of the
payload, and a closing 0x7E flag byte. Inside a frame 0x7E is sent as 0x7D 0x02 and 0x7D as 0x7D 0x01,
so the flag byte never appears in the body.
*/
package frame

import (
	"bytes"
	"errors"
)

const (
	flag    byte = 0x7E
	escape  byte = 0x7D
	escFlag byte = 0x02
	escEsc  byte = 0x01

	// DefaultMaxFrameSize bounds how much undelimited data a Decoder buffers.
	DefaultMaxFrameSize = 16 << 20
)

var (
	// ErrCorruptFrame is returned when at least one frame was dropped due to a bad checksum or escape sequence.
	ErrCorruptFrame = errors.New("corrupt frame")
	// ErrFrameTooLarge is returned when buffered partial data exceeded the maximum frame size and was discarded.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Encode returns the wire representation of msg.
func Encode(msg []byte) []byte {
	out := make([]byte, 0, len(msg)+4)
	out = append(out, flag)
	var sum byte
	for _, b := range msg {
		sum ^= b
		out = appendEscaped(out, b)
	}
	out = appendEscaped(out, sum)
	return append(out, flag)
}

func appendEscaped(out []byte, b byte) []byte {
	switch b {
	case flag:
		return append(out, escape, escFlag)
	case escape:
		return append(out, escape, escEsc)
	default:
		return append(out, b)
	}
}

// Decoder reassembles frames from chunks of a stream. It is not safe for concurrent use.
type Decoder struct {
	buf          []byte
	MaxFrameSize int
}

func NewDecoder() *Decoder {
	return &Decoder{MaxFrameSize: DefaultMaxFrameSize}
}

// Decode consumes chunk and returns every complete frame now available, in order.
// Incomplete trailing data is kept for the next call.
// Valid frames are returned even when the error is non-nil.
func (d *Decoder) Decode(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var (
		frames  [][]byte
		corrupt bool
	)
	for {
		start := bytes.IndexByte(d.buf, flag)
		if start < 0 {
			// nothing but noise outside of a frame
			d.buf = d.buf[:0]
			break
		}
		end := bytes.IndexByte(d.buf[start+1:], flag)
		if end < 0 {
			d.buf = d.buf[start:]
			break
		}
		end += start + 1
		body := d.buf[start+1 : end]
		if len(body) == 0 {
			// adjacent flags: treat the second one as the opening flag of the next frame
			d.buf = d.buf[end:]
			continue
		}
		msg, ok := unescape(body)
		if ok {
			frames = append(frames, msg)
		} else {
			corrupt = true
		}
		d.buf = d.buf[end+1:]
	}

	var err error
	if d.MaxFrameSize > 0 && len(d.buf) > d.MaxFrameSize {
		d.buf = nil
		err = ErrFrameTooLarge
	}
	if corrupt {
		err = errors.Join(err, ErrCorruptFrame)
	}
	return frames, err
}

// Buffered returns the number of bytes of incomplete frame data held by the decoder.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func unescape(body []byte) ([]byte, bool) {
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		if b != escape {
			out = append(out, b)
			continue
		}
		i++
		if i == len(body) {
			return nil, false
		}
		switch body[i] {
		case escFlag:
			out = append(out, flag)
		case escEsc:
			out = append(out, escape)
		default:
			return nil, false
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	msg, sum := out[:len(out)-1], out[len(out)-1]
	var calc byte
	for _, b := range msg {
		calc ^= b
	}
	if calc != sum {
		return nil, false
	}
	return msg, true
}
