// Package uuid implements Bluetooth attribute UUIDs: the 16-bit, 32-bit
// and 128-bit forms, the Base UUID shortening rule, and their little-endian
// wire encoding.
//
// Grounded on the teacher's UUID type (paypal-gatt's uuid.go, visible via
// uuid_test.go and const.go's UUID16 calls): a UUID wraps its raw bytes in
// little-endian (wire) order and compares/derives everything from that.
package uuid

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// baseUUIDSuffix is bits [95:0] of the Bluetooth Base UUID:
// 0000xxxx-0000-1000-8000-00805F9B34FB, stored big-endian (RFC 4122 order).
var baseUUIDSuffix = [12]byte{
	0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5F, 0x9B, 0x34, 0xFB,
}

// UUID is a Bluetooth attribute UUID. Its zero value is not a valid UUID.
// b holds the UUID in little-endian wire order, 2, 4, or 16 bytes long.
type UUID struct {
	b []byte
}

// UUID16 constructs a UUID from a 16-bit short form.
func UUID16(v uint16) UUID {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return UUID{b}
}

// UUID32 constructs a UUID from a 32-bit short form.
func UUID32(v uint32) UUID {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return UUID{b}
}

// Must128 parses a canonical 16-byte RFC 4122 big-endian UUID string
// ("xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx") and panics on malformed input.
// Intended for package-level var initialization.
func Must128(s string) UUID {
	u, err := Parse128(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Parse128 parses a canonical 16-byte RFC 4122 big-endian UUID string into
// its little-endian wire form.
func Parse128(s string) (UUID, error) {
	clean := make([]byte, 0, 32)
	for _, r := range s {
		if r == '-' {
			continue
		}
		clean = append(clean, byte(r))
	}
	if len(clean) != 32 {
		return UUID{}, errors.Errorf("uuid: %q is not a 128-bit UUID", s)
	}
	raw := make([]byte, 16)
	for i := 0; i < 16; i++ {
		var hi, lo byte
		if !hexNibble(clean[i*2], &hi) || !hexNibble(clean[i*2+1], &lo) {
			return UUID{}, errors.Errorf("uuid: %q contains invalid hex", s)
		}
		raw[i] = hi<<4 | lo
	}
	return UUID{reverse(raw)}, nil
}

func hexNibble(c byte, out *byte) bool {
	switch {
	case c >= '0' && c <= '9':
		*out = c - '0'
	case c >= 'a' && c <= 'f':
		*out = c - 'a' + 10
	case c >= 'A' && c <= 'F':
		*out = c - 'A' + 10
	default:
		return false
	}
	return true
}

// FromWireBytes wraps raw little-endian wire bytes as a UUID. The caller
// must not mutate b afterward.
func FromWireBytes(b []byte) (UUID, error) {
	switch len(b) {
	case 2, 4, 16:
		cp := make([]byte, len(b))
		copy(cp, b)
		return UUID{cp}, nil
	default:
		return UUID{}, errors.Errorf("uuid: invalid wire length %d", len(b))
	}
}

// Len returns the UUID's wire length: 2, 4, or 16.
func (u UUID) Len() int { return len(u.b) }

// Bytes returns the UUID in little-endian wire order. Callers must not
// mutate the returned slice.
func (u UUID) Bytes() []byte { return u.b }

// Equal reports whether two UUIDs denote the same attribute type, after
// normalizing both to their full 128-bit form.
func Equal(a, b UUID) bool {
	return bytes.Equal(a.full128(), b.full128())
}

func (u UUID) Equal(o UUID) bool { return Equal(u, o) }

// full128 expands a short UUID to its 128-bit form (big-endian, for
// comparison only) using the Base UUID rule. 128-bit UUIDs are returned
// as-is (reversed to big-endian for a canonical comparison key).
func (u UUID) full128() []byte {
	switch len(u.b) {
	case 16:
		return reverse(u.b)
	case 4:
		full := make([]byte, 16)
		copy(full[:4], reverse(u.b))
		copy(full[4:], baseUUIDSuffix[:])
		return full
	case 2:
		full := make([]byte, 16)
		binary.BigEndian.PutUint32(full[:4], uint32(binary.LittleEndian.Uint16(u.b)))
		copy(full[4:], baseUUIDSuffix[:])
		return full
	default:
		return nil
	}
}

// Short16 reports whether u's lower 96 bits equal the Base UUID and bits
// [127:112] are zero, i.e. it is representable as a 16-bit short UUID, and
// if so returns that value.
func (u UUID) Short16() (v uint16, ok bool) {
	full := u.full128()
	if full == nil || !bytes.Equal(full[4:], baseUUIDSuffix[:]) {
		return 0, false
	}
	if full[0] != 0 || full[1] != 0 {
		return 0, false
	}
	return binary.BigEndian.Uint16(full[2:4]), true
}

// Short32 reports whether u's lower 96 bits equal the Base UUID, returning
// the 32-bit value if so (always true when Short16 is true).
func (u UUID) Short32() (v uint32, ok bool) {
	full := u.full128()
	if full == nil || !bytes.Equal(full[4:], baseUUIDSuffix[:]) {
		return 0, false
	}
	return binary.BigEndian.Uint32(full[:4]), true
}

// Canonicalize rewrites u to its shortest representable wire form under
// the Base UUID rule, without changing the UUID it denotes.
func (u UUID) Canonicalize() UUID {
	if v, ok := u.Short16(); ok {
		return UUID16(v)
	}
	if v, ok := u.Short32(); ok && len(u.b) != 2 {
		return UUID32(v)
	}
	if len(u.b) == 16 {
		return u
	}
	// already minimal for its own length class (2 or 4 but not base-derivable
	// — cannot happen in practice since 2/4-byte forms are always base
	// UUIDs by construction, but keep this total).
	return u
}

// String renders the UUID as hex, little-endian-as-written for 16/32-bit
// short forms and canonical RFC 4122 (big-endian, dashed) for 128-bit.
func (u UUID) String() string {
	switch len(u.b) {
	case 2:
		return fmt.Sprintf("%04x", binary.LittleEndian.Uint16(u.b))
	case 4:
		return fmt.Sprintf("%08x", binary.LittleEndian.Uint32(u.b))
	case 16:
		full := reverse(u.b)
		return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
			full[0:4], full[4:6], full[6:8], full[8:10], full[10:16])
	default:
		return "<invalid-uuid>"
	}
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// Well-known GATT declaration and descriptor UUIDs used throughout the
// att and sdp packages (Bluetooth Assigned Numbers).
var (
	PrimaryService   = UUID16(0x2800)
	SecondaryService = UUID16(0x2801)
	Include          = UUID16(0x2802)
	Characteristic   = UUID16(0x2803)

	ClientCharacteristicConfig = UUID16(0x2902)
	ServerCharacteristicConfig = UUID16(0x2903)

	GenericAccess = UUID16(0x1800)
	GenericAttrib = UUID16(0x1801)

	DeviceName = UUID16(0x2A00)
	Appearance = UUID16(0x2A01)
)
