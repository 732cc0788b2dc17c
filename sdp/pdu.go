package sdp

import (
	"github.com/pkg/errors"
)

// SDP PDU IDs (Bluetooth Core Spec, SDP §4.2).
const (
	PDUErrorResponse                  uint8 = 0x01
	PDUServiceSearchRequest           uint8 = 0x02
	PDUServiceSearchResponse          uint8 = 0x03
	PDUServiceAttributeRequest        uint8 = 0x04
	PDUServiceAttributeResponse       uint8 = 0x05
	PDUServiceSearchAttributeRequest  uint8 = 0x06
	PDUServiceSearchAttributeResponse uint8 = 0x07
)

// Well-known attribute IDs used to locate an RFCOMM server channel
// inside a ServiceSearchAttributeResponse.
const (
	AttrServiceRecordHandle   uint16 = 0x0000
	AttrServiceClassIDList    uint16 = 0x0001
	AttrProtocolDescriptorList uint16 = 0x0004
)

// Well-known Bluetooth protocol UUIDs (short 16-bit form).
const (
	ProtocolL2CAP  uint16 = 0x0100
	ProtocolRFCOMM uint16 = 0x0003
)

type pduHeader struct {
	id     uint8
	tid    uint16
	length uint16
}

func marshalPDU(id uint8, tid uint16, params []byte) []byte {
	out := make([]byte, 0, 5+len(params))
	out = append(out, id, byte(tid>>8), byte(tid))
	out = append(out, byte(len(params)>>8), byte(len(params)))
	return append(out, params...)
}

func parsePDUHeader(b []byte) (pduHeader, []byte, error) {
	if len(b) < 5 {
		return pduHeader{}, nil, errors.New("sdp: PDU shorter than header")
	}
	h := pduHeader{
		id:     b[0],
		tid:    uint16(b[1])<<8 | uint16(b[2]),
		length: uint16(b[3])<<8 | uint16(b[4]),
	}
	body := b[5:]
	if len(body) < int(h.length) {
		return pduHeader{}, nil, errors.New("sdp: PDU shorter than declared length")
	}
	return h, body[:h.length], nil
}

// marshalServiceSearchAttributeRequest builds the parameters of a
// ServiceSearchAttributeRequest: a service search pattern (sequence of
// UUIDs), a maximum response byte count, an attribute ID list, and a
// continuation state.
func marshalServiceSearchAttributeRequest(pattern []byte, maxBytes uint16, attrIDList []byte, continuation []byte) []byte {
	out := append([]byte{}, pattern...)
	out = append(out, byte(maxBytes>>8), byte(maxBytes))
	out = append(out, attrIDList...)
	out = append(out, byte(len(continuation)))
	out = append(out, continuation...)
	return out
}

// parseServiceSearchAttributeResponse decodes the response's
// AttributeListsByteCount + attribute-list sequence + continuation
// state, returning the raw attribute-list sequence bytes (still
// needing ParseElement) and any continuation state to resume with.
func parseServiceSearchAttributeResponse(params []byte) (attrListBytes []byte, continuation []byte, err error) {
	if len(params) < 2 {
		return nil, nil, errors.New("sdp: truncated ServiceSearchAttributeResponse")
	}
	n := int(params[0])<<8 | int(params[1])
	rest := params[2:]
	if len(rest) < n {
		return nil, nil, errors.New("sdp: response shorter than declared attribute list byte count")
	}
	attrListBytes = rest[:n]
	tail := rest[n:]
	if len(tail) < 1 {
		return nil, nil, errors.New("sdp: missing continuation length octet")
	}
	cLen := int(tail[0])
	if len(tail) < 1+cLen {
		return nil, nil, errors.New("sdp: truncated continuation state")
	}
	continuation = tail[1 : 1+cLen]
	return attrListBytes, continuation, nil
}
