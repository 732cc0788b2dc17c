// Package att implements the Attribute Protocol and GATT profile of
// spec.md §4.4: a shared attribute table addressed by 16-bit handles,
// half-duplex request/response semantics per connection, MTU exchange,
// 3-phase service/characteristic/descriptor discovery, long reads via
// Read-Blob-Request chaining, and CCCD-driven notify/indicate.
//
// Grounded on the teacher's att.go (opcode/error-code constants) and
// l2cap.go's handleReq/handleMTU/handleFindInfo/handleFindByType/
// handleReadByType/handleRead/handleReadByGroup/handleWrite (the server
// request dispatch this package generalizes from a single fixed ATT
// pipe to one per l2cap.Channel, with a client side added for
// discovery and connect_by_uuid workflows the teacher never needed as
// a peripheral-only stack).
package att

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/courierstack/courierstack/uuid"
)

// Opcode is the one-byte ATT PDU method code.
const (
	OpError           uint8 = 0x01
	OpMTUReq          uint8 = 0x02
	OpMTUResp         uint8 = 0x03
	OpFindInfoReq     uint8 = 0x04
	OpFindInfoResp    uint8 = 0x05
	OpFindByTypeReq   uint8 = 0x06
	OpFindByTypeResp  uint8 = 0x07
	OpReadByTypeReq   uint8 = 0x08
	OpReadByTypeResp  uint8 = 0x09
	OpReadReq         uint8 = 0x0a
	OpReadResp        uint8 = 0x0b
	OpReadBlobReq     uint8 = 0x0c
	OpReadBlobResp    uint8 = 0x0d
	OpReadMultiReq    uint8 = 0x0e
	OpReadMultiResp   uint8 = 0x0f
	OpReadByGroupReq  uint8 = 0x10
	OpReadByGroupResp uint8 = 0x11
	OpWriteReq        uint8 = 0x12
	OpWriteResp       uint8 = 0x13
	OpWriteCmd        uint8 = 0x52
	OpPrepWriteReq    uint8 = 0x16
	OpPrepWriteResp   uint8 = 0x17
	OpExecWriteReq    uint8 = 0x18
	OpExecWriteResp   uint8 = 0x19
	OpHandleNotify    uint8 = 0x1b
	OpHandleInd       uint8 = 0x1d
	OpHandleCnf       uint8 = 0x1e
	OpSignedWriteCmd  uint8 = 0xd2
)

// Error codes (Core Spec Vol 3 Part F §3.4.1.1).
const (
	EcodeSuccess           uint8 = 0x00
	EcodeInvalidHandle     uint8 = 0x01
	EcodeReadNotPerm       uint8 = 0x02
	EcodeWriteNotPerm      uint8 = 0x03
	EcodeInvalidPDU        uint8 = 0x04
	EcodeAuthentication    uint8 = 0x05
	EcodeReqNotSupp        uint8 = 0x06
	EcodeInvalidOffset     uint8 = 0x07
	EcodeAuthorization     uint8 = 0x08
	EcodePrepQueueFull     uint8 = 0x09
	EcodeAttrNotFound      uint8 = 0x0a
	EcodeAttrNotLong       uint8 = 0x0b
	EcodeInsuffEncrKeySize uint8 = 0x0c
	EcodeInvalAttrValueLen uint8 = 0x0d
	EcodeUnlikely          uint8 = 0x0e
	EcodeInsuffEnc         uint8 = 0x0f
	EcodeUnsuppGrpType     uint8 = 0x10
	EcodeInsuffResources   uint8 = 0x11
)

// respFor maps a request opcode to its matching success-response opcode.
var respFor = map[uint8]uint8{
	OpMTUReq:         OpMTUResp,
	OpFindInfoReq:    OpFindInfoResp,
	OpFindByTypeReq:  OpFindByTypeResp,
	OpReadByTypeReq:  OpReadByTypeResp,
	OpReadReq:        OpReadResp,
	OpReadBlobReq:    OpReadBlobResp,
	OpReadMultiReq:   OpReadMultiResp,
	OpReadByGroupReq: OpReadByGroupResp,
	OpWriteReq:       OpWriteResp,
	OpPrepWriteReq:   OpPrepWriteResp,
	OpExecWriteReq:   OpExecWriteResp,
}

func marshalErrorResp(opcode uint8, handle uint16, ecode uint8) []byte {
	return []byte{OpError, opcode, byte(handle), byte(handle >> 8), ecode}
}

// AttrError carries an ATT error response back to a client caller.
type AttrError struct {
	RequestOpcode uint8
	Handle        uint16
	Code          uint8
}

func (e *AttrError) Error() string {
	return errors.Errorf("att: error 0x%02x on opcode 0x%02x at handle 0x%04x", e.Code, e.RequestOpcode, e.Handle).Error()
}

func parseErrorResp(b []byte) error {
	if len(b) < 5 {
		return errors.New("att: malformed error response")
	}
	return &AttrError{RequestOpcode: b[1], Handle: binary.LittleEndian.Uint16(b[2:4]), Code: b[4]}
}

func readHandleRange(b []byte) (start, end uint16, err error) {
	if len(b) < 4 {
		return 0, 0, errors.New("att: handle range truncated")
	}
	return binary.LittleEndian.Uint16(b), binary.LittleEndian.Uint16(b[2:]), nil
}

// uuidFromWire decodes a 2- or 16-byte little-endian UUID, the only two
// wire forms ATT ever carries (spec.md §4.1).
func uuidFromWire(b []byte) (uuid.UUID, error) {
	return uuid.FromWireBytes(b)
}
