// Package framer extracts whole, length-prefixed messages from an
// append-only byte stream. It is the same append/read dance the teacher's
// TCP listener does with its exchange buffer, narrowed to a single-producer,
// single-consumer component with no socket knowledge of its own.
package framer

import (
	"encoding/binary"
	"errors"
)

// ErrShortMessage is returned by Read when the next message's declared
// length is smaller than the header itself (length must be >= 4: two bytes
// of length plus two bytes of opcode). The caller MUST close the connection
// on this error; the framer does not recover its own buffer afterwards.
var ErrShortMessage = errors.New("framer: message length below minimum header size")

// minMessageLength is the smallest legal total length: 2 bytes length field
// + 2 bytes opcode, with zero payload.
const minMessageLength = 4

// LengthField parameterises the width and endianness of the length prefix.
// The opcode is always the two bytes immediately following the length
// field; only the length field itself varies across platform builds.
type LengthField struct {
	Width     int // 2 or 4
	BigEndian bool
}

// DefaultLengthField is the little-endian 16-bit length prefix described in
// the wire format: [len: u16 LE][opcode: u16 LE][payload...].
var DefaultLengthField = LengthField{Width: 2, BigEndian: false}

func (lf LengthField) readLength(b []byte) uint32 {
	switch lf.Width {
	case 4:
		if lf.BigEndian {
			return binary.BigEndian.Uint32(b)
		}
		return binary.LittleEndian.Uint32(b)
	default:
		if lf.BigEndian {
			return uint32(binary.BigEndian.Uint16(b))
		}
		return uint32(binary.LittleEndian.Uint16(b))
	}
}

// Framer accumulates bytes in arrival order and yields whole messages.
// Not safe for concurrent use; each Connection owns exactly one.
type Framer struct {
	lf      LengthField
	pending []byte
}

// New creates a Framer using the given length-field layout.
func New(lf LengthField) *Framer {
	return &Framer{lf: lf}
}

// Write appends b to the pending buffer in arrival order.
func (f *Framer) Write(b []byte) {
	f.pending = append(f.pending, b...)
}

// Read returns the next complete message, or (nil, nil) if one has not
// fully arrived yet. Call it repeatedly to drain every message currently
// buffered. The returned slice is a view into the framer's internal buffer
// and must not be retained past the next Write/Read call without copying.
func (f *Framer) Read() ([]byte, error) {
	if len(f.pending) < f.lf.Width {
		return nil, nil
	}

	length := f.lf.readLength(f.pending)
	if length < minMessageLength {
		return nil, ErrShortMessage
	}

	if uint32(len(f.pending)) < length {
		return nil, nil
	}

	msg := f.pending[:length]
	f.pending = f.pending[length:]
	return msg, nil
}

// OpcodeOffset is the fixed byte offset of the opcode field, which always
// immediately follows the length field.
func (f *Framer) OpcodeOffset() int { return f.lf.Width }

// Opcode reads the little-endian opcode out of a message previously
// returned by Read, honouring this framer's length-field width.
func (f *Framer) Opcode(msg []byte) uint16 {
	off := f.OpcodeOffset()
	return binary.LittleEndian.Uint16(msg[off : off+2])
}

// Pending reports how many unconsumed bytes are currently buffered, for
// diagnostics/tests.
func (f *Framer) Pending() int { return len(f.pending) }
