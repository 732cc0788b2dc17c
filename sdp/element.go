// Package sdp implements the minimal subset of the Bluetooth Service
// Discovery Protocol needed to resolve a service UUID to an RFCOMM
// server channel: the big-endian data-element codec and a
// ServiceSearchAttributeRequest/Response client query. No repo in the
// retrieved pack implements SDP, so the element codec follows the
// Bluetooth Core Spec directly, written in the teacher's explicit
// byte-oriented style (see pdu.Writer/uuid.UUID for the equivalent
// idiom elsewhere in this module).
package sdp

import (
	"github.com/pkg/errors"

	"github.com/courierstack/courierstack/uuid"
)

// Data element type codes (upper 5 bits of the header byte).
const (
	elemTypeNil     uint8 = 0
	elemTypeUint    uint8 = 1
	elemTypeInt     uint8 = 2
	elemTypeUUID    uint8 = 3
	elemTypeText    uint8 = 4
	elemTypeBool    uint8 = 5
	elemTypeSeq     uint8 = 6
	elemTypeAlt     uint8 = 7
	elemTypeURL     uint8 = 8
)

// Element is one decoded SDP data element. Sequence/Alternative
// elements carry their children in Seq; everything else carries its
// raw value bytes in Value.
type Element struct {
	Type  uint8
	Value []byte
	Seq   []Element
}

func marshalHeader(typ uint8, sizeIndex uint8) byte {
	return (typ << 3) | sizeIndex
}

// MarshalUint8/16/32 encode fixed-width unsigned integers.
func MarshalUint8(v uint8) []byte  { return []byte{marshalHeader(elemTypeUint, 0), v} }
func MarshalUint16(v uint16) []byte {
	return []byte{marshalHeader(elemTypeUint, 1), byte(v >> 8), byte(v)}
}
func MarshalUint32(v uint32) []byte {
	return []byte{marshalHeader(elemTypeUint, 2), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// MarshalUUID encodes u in its shortest canonical form (16, 32, or 128
// bit). SDP carries UUIDs big-endian on the wire, unlike uuid.UUID's
// little-endian internal (GATT/ATT) representation, so the bytes are
// reversed here.
func MarshalUUID(u uuid.UUID) []byte {
	u = u.Canonicalize()
	be := reverseBytes(u.Bytes())
	var sizeIndex uint8
	switch len(be) {
	case 2:
		sizeIndex = 1
	case 4:
		sizeIndex = 2
	default:
		sizeIndex = 3
	}
	return append([]byte{marshalHeader(elemTypeUUID, sizeIndex)}, be...)
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// MarshalSequence wraps already-encoded child elements in a Data
// Element Sequence, picking the shortest length-field width that fits.
func MarshalSequence(children ...[]byte) []byte {
	var body []byte
	for _, c := range children {
		body = append(body, c...)
	}
	return marshalVariableLength(elemTypeSeq, body)
}

func marshalVariableLength(typ uint8, body []byte) []byte {
	n := len(body)
	switch {
	case n <= 0xFF:
		return append([]byte{marshalHeader(typ, 5), byte(n)}, body...)
	case n <= 0xFFFF:
		return append([]byte{marshalHeader(typ, 6), byte(n >> 8), byte(n)}, body...)
	default:
		hdr := []byte{marshalHeader(typ, 7), byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
		return append(hdr, body...)
	}
}

// ParseElement decodes one data element from b, returning the
// remaining bytes. Sequence/Alternative elements are recursively
// decoded into Seq.
func ParseElement(b []byte) (Element, []byte, error) {
	if len(b) < 1 {
		return Element{}, nil, errors.New("sdp: empty element")
	}
	typ := b[0] >> 3
	sizeIndex := b[0] & 0x07

	var valueLen int
	var headerLen int
	switch {
	case typ == elemTypeNil:
		headerLen = 1
		valueLen = 0
	case sizeIndex <= 4:
		headerLen = 1
		switch sizeIndex {
		case 0:
			valueLen = 1
		case 1:
			valueLen = 2
		case 2:
			valueLen = 4
		case 3:
			valueLen = 8
		case 4:
			valueLen = 16
		}
	case sizeIndex == 5:
		if len(b) < 2 {
			return Element{}, nil, errors.New("sdp: truncated 1-octet length field")
		}
		headerLen = 2
		valueLen = int(b[1])
	case sizeIndex == 6:
		if len(b) < 3 {
			return Element{}, nil, errors.New("sdp: truncated 2-octet length field")
		}
		headerLen = 3
		valueLen = int(b[1])<<8 | int(b[2])
	case sizeIndex == 7:
		if len(b) < 5 {
			return Element{}, nil, errors.New("sdp: truncated 4-octet length field")
		}
		headerLen = 5
		valueLen = int(b[1])<<24 | int(b[2])<<16 | int(b[3])<<8 | int(b[4])
	default:
		return Element{}, nil, errors.New("sdp: invalid size index")
	}

	if len(b) < headerLen+valueLen {
		return Element{}, nil, errors.New("sdp: element shorter than declared length")
	}
	value := b[headerLen : headerLen+valueLen]
	rest := b[headerLen+valueLen:]

	el := Element{Type: typ, Value: value}
	if typ == elemTypeSeq || typ == elemTypeAlt {
		remaining := value
		for len(remaining) > 0 {
			child, r, err := ParseElement(remaining)
			if err != nil {
				return Element{}, nil, err
			}
			el.Seq = append(el.Seq, child)
			remaining = r
		}
	}
	return el, rest, nil
}

// AsUUID interprets a UUID-typed element, converting from SDP's
// big-endian wire order back to uuid.UUID's little-endian form.
func (e Element) AsUUID() (uuid.UUID, error) {
	if e.Type != elemTypeUUID {
		return uuid.UUID{}, errors.New("sdp: element is not a UUID")
	}
	return uuid.FromWireBytes(reverseBytes(e.Value))
}

// AsUint interprets an unsigned-integer element of any width.
func (e Element) AsUint() (uint64, error) {
	if e.Type != elemTypeUint {
		return 0, errors.New("sdp: element is not an unsigned integer")
	}
	var v uint64
	for _, b := range e.Value {
		v = v<<8 | uint64(b)
	}
	return v, nil
}
