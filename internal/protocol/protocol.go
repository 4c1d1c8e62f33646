// Package protocol implements the NetSync binary wire format: message
// framing, pose quantization, smallest-three quaternion compression, RPC
// envelopes, and network-variable messages.
//
// Every message travels as a two-frame unit: frame 0 is the raw UTF-8 room
// identifier (doubling as the publish-socket topic), frame 1 is the payload.
// The payload's first byte is the message type.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Message type identifiers (first byte of the payload frame).
const (
	TypeRPCBroadcast    byte = 3
	TypeRPCServer       byte = 4
	TypeRPCClient       byte = 5
	TypeDeviceIDMapping byte = 6
	TypeGlobalVarSet    byte = 7
	TypeGlobalVarSync   byte = 8
	TypeClientVarSet    byte = 9
	TypeClientVarSync   byte = 10
	TypeClientPose      byte = 11
	TypeRoomPose        byte = 12
)

// Version is the protocol version carried by pose messages. Anything else is
// rejected, including the retired v1/v2 transform message types.
const Version byte = 3

// Wire-level size caps. Violations are malformed frames, never truncations.
const (
	MaxRoomIDLen   = 255
	MaxDeviceIDLen = 255
	MaxVirtuals    = 50
	MaxVarNameLen  = 64
	MaxVarValueLen = 1024
	MinVarNameLen  = 1
)

// ErrMalformedFrame is returned for any framing, length, version, or
// content-cap violation. Callers drop the message and keep going.
var ErrMalformedFrame = errors.New("malformed frame")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// reader walks a payload buffer. All multi-byte reads are little-endian.
type reader struct {
	buf []byte
	off int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, malformed("u8 past end at offset %d", r.off)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, malformed("u16 past end at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, malformed("u32 past end at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) i16() (int16, error) {
	v, err := r.u16()
	return int16(v), err
}

// i24 reads a 3-byte little-endian signed integer, sign-extending bit 23.
func (r *reader) i24() (int32, error) {
	if r.remaining() < 3 {
		return 0, malformed("i24 past end at offset %d", r.off)
	}
	b := r.buf[r.off:]
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	r.off += 3
	return v, nil
}

func (r *reader) f64() (float64, error) {
	if r.remaining() < 8 {
		return 0, malformed("f64 past end at offset %d", r.off)
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v, nil
}

// bytesU8 reads a u8 length prefix followed by that many bytes. The returned
// slice aliases the underlying buffer.
func (r *reader) bytesU8() ([]byte, error) {
	n, err := r.u8()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, malformed("u8-prefixed field of %d bytes past end at offset %d", n, r.off)
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// bytesU16 reads a u16 length prefix followed by that many bytes.
func (r *reader) bytesU16() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, malformed("u16-prefixed field of %d bytes past end at offset %d", n, r.off)
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// Append helpers. All little-endian, matching the readers above.

func appendU16(dst []byte, v uint16) []byte {
	return append(dst, byte(v), byte(v>>8))
}

func appendU32(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendI16(dst []byte, v int16) []byte {
	return appendU16(dst, uint16(v))
}

func appendI24(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16))
}

func appendF64(dst []byte, v float64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return append(dst, b[:]...)
}

func appendBytesU8(dst, b []byte) []byte {
	dst = append(dst, byte(len(b)))
	return append(dst, b...)
}

func appendBytesU16(dst, b []byte) []byte {
	dst = appendU16(dst, uint16(len(b)))
	return append(dst, b...)
}

// ValidateRoomID checks the topic frame: non-empty UTF-8, at most 255 bytes.
func ValidateRoomID(room []byte) error {
	if len(room) == 0 {
		return malformed("empty room id")
	}
	if len(room) > MaxRoomIDLen {
		return malformed("room id of %d bytes exceeds cap", len(room))
	}
	return nil
}
