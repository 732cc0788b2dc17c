package pdu

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrShort is returned when a PDU is too short to contain a field the
// decoder needs. Decoders never panic on malformed input — see
// spec.md §4.1 — so every length check returns this instead.
var ErrShort = errors.New("pdu: buffer too short")

// Reader decodes fixed-layout fields from a byte slice without copying,
// tracking a read cursor and reporting ErrShort instead of panicking on
// out-of-range access.
type Reader struct {
	b   []byte
	off int
	err error
}

// NewReader wraps b for sequential decoding.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Err returns the first decode error encountered, if any. Once set,
// all further reads are no-ops that keep returning 0/nil.
func (r *Reader) Err() error { return r.err }

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.b) - r.off }

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.b) {
		r.err = ErrShort
		return false
	}
	return true
}

// Byte reads one byte, or 0 on underrun.
func (r *Reader) Byte() byte {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

// Uint16LE reads a little-endian uint16, or 0 on underrun.
func (r *Reader) Uint16LE() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

// Uint16BE reads a big-endian uint16 (SDP data elements), or 0 on underrun.
func (r *Reader) Uint16BE() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

// Uint32BE reads a big-endian uint32, or 0 on underrun.
func (r *Reader) Uint32BE() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

// Bytes reads the next n bytes as a sub-slice (no copy), or nil on underrun.
func (r *Reader) Bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

// Rest returns all remaining unread bytes and advances the cursor to the end.
func (r *Reader) Rest() []byte {
	v := r.b[r.off:]
	r.off = len(r.b)
	return v
}
