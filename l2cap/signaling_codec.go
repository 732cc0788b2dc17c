package l2cap

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/courierstack/courierstack/pdu"
)

// Signaling command codes (spec.md §4.3.2, Bluetooth Core Spec Vol 3
// Part A §4).
const (
	sigCommandReject          uint8 = 0x01
	sigConnectionRequest      uint8 = 0x02
	sigConnectionResponse     uint8 = 0x03
	sigConfigureRequest       uint8 = 0x04
	sigConfigureResponse      uint8 = 0x05
	sigDisconnectionRequest   uint8 = 0x06
	sigDisconnectionResponse  uint8 = 0x07
	sigEchoRequest            uint8 = 0x08
	sigEchoResponse           uint8 = 0x09
	sigInformationRequest     uint8 = 0x0A
	sigInformationResponse    uint8 = 0x0B
	sigLECreditConnRequest    uint8 = 0x14
	sigLECreditConnResponse   uint8 = 0x15
	sigFlowControlCredit      uint8 = 0x16
)

// Connection-Response result codes.
const (
	ConnResultSuccess uint16 = 0x0000
	ConnResultPending uint16 = 0x0001
	ConnResultPSMNotSupported uint16 = 0x0002
	ConnResultSecurityBlock  uint16 = 0x0003
	ConnResultNoResources    uint16 = 0x0004
)

// Connection-Response status codes.
const (
	ConnStatusNoInfo               uint16 = 0x0000
	ConnStatusAuthenticationPending uint16 = 0x0001
)

// Configuration option types.
const (
	configOptMTU uint8 = 0x01
)

// Information types.
const (
	InfoConnectionlessMTU   uint16 = 0x0001
	InfoExtendedFeatures    uint16 = 0x0002
	InfoFixedChannels       uint16 = 0x0003
)

// Information-Response results.
const (
	InfoResultSuccess     uint16 = 0x0000
	InfoResultNotSupported uint16 = 0x0001
)

// sigHeader is the 4-byte signaling command header shared by BR/EDR
// CID 0x0001 and LE CID 0x0005: code(1), identifier(1), length(2 LE).
type sigHeader struct {
	code   uint8
	ident  uint8
	length uint16
}

func marshalSigPDU(code, ident uint8, data []byte) []byte {
	b := make([]byte, 4+len(data))
	b[0] = code
	b[1] = ident
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(data)))
	copy(b[4:], data)
	return b
}

func parseSigHeader(b []byte) (sigHeader, []byte, error) {
	if len(b) < 4 {
		return sigHeader{}, nil, errors.New("l2cap: signaling command shorter than header")
	}
	h := sigHeader{code: b[0], ident: b[1], length: binary.LittleEndian.Uint16(b[2:4])}
	if len(b) < 4+int(h.length) {
		return sigHeader{}, nil, errors.New("l2cap: signaling command shorter than declared length")
	}
	return h, b[4 : 4+int(h.length)], nil
}

type connectionRequest struct {
	psm      uint16
	sourceCID uint16
}

func marshalConnectionRequest(psm, sourceCID uint16) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], psm)
	binary.LittleEndian.PutUint16(b[2:4], sourceCID)
	return b
}

func parseConnectionRequest(b []byte) (connectionRequest, error) {
	if len(b) < 4 {
		return connectionRequest{}, errors.New("l2cap: connection request too short")
	}
	return connectionRequest{
		psm:       binary.LittleEndian.Uint16(b[0:2]),
		sourceCID: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

type connectionResponse struct {
	destCID, sourceCID uint16
	result, status     uint16
}

func marshalConnectionResponse(r connectionResponse) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], r.destCID)
	binary.LittleEndian.PutUint16(b[2:4], r.sourceCID)
	binary.LittleEndian.PutUint16(b[4:6], r.result)
	binary.LittleEndian.PutUint16(b[6:8], r.status)
	return b
}

func parseConnectionResponse(b []byte) (connectionResponse, error) {
	if len(b) < 8 {
		return connectionResponse{}, errors.New("l2cap: connection response too short")
	}
	return connectionResponse{
		destCID:   binary.LittleEndian.Uint16(b[0:2]),
		sourceCID: binary.LittleEndian.Uint16(b[2:4]),
		result:    binary.LittleEndian.Uint16(b[4:6]),
		status:    binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// marshalConfigureRequestMTU builds a Configuration-Request carrying only
// the MTU option, which is all this engine ever proposes (spec.md §4.3.2).
func marshalConfigureRequestMTU(destCID, mtu uint16) []byte {
	b := make([]byte, 4+4)
	binary.LittleEndian.PutUint16(b[0:2], destCID)
	binary.LittleEndian.PutUint16(b[2:4], 0) // flags
	b[4] = configOptMTU
	b[5] = 2
	binary.LittleEndian.PutUint16(b[6:8], mtu)
	return b
}

type configureRequest struct {
	destCID uint16
	flags   uint16
	mtu     uint16 // 0 if absent; peer may omit the MTU option
	hasMTU  bool
}

func parseConfigureRequest(b []byte) (configureRequest, error) {
	if len(b) < 4 {
		return configureRequest{}, errors.New("l2cap: configure request too short")
	}
	r := configureRequest{
		destCID: binary.LittleEndian.Uint16(b[0:2]),
		flags:   binary.LittleEndian.Uint16(b[2:4]),
	}
	opts := b[4:]
	for len(opts) >= 2 {
		typ, ln := opts[0], int(opts[1])
		if len(opts) < 2+ln {
			break
		}
		if typ == configOptMTU && ln == 2 {
			r.mtu = binary.LittleEndian.Uint16(opts[2:4])
			r.hasMTU = true
		}
		opts = opts[2+ln:]
	}
	return r, nil
}

func marshalConfigureResponseSuccess(sourceCID uint16) []byte {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint16(b[0:2], sourceCID)
	binary.LittleEndian.PutUint16(b[2:4], 0) // flags
	binary.LittleEndian.PutUint16(b[4:6], 0) // result success
	return b
}

type configureResponse struct {
	sourceCID uint16
	flags     uint16
	result    uint16
}

func parseConfigureResponse(b []byte) (configureResponse, error) {
	if len(b) < 6 {
		return configureResponse{}, errors.New("l2cap: configure response too short")
	}
	return configureResponse{
		sourceCID: binary.LittleEndian.Uint16(b[0:2]),
		flags:     binary.LittleEndian.Uint16(b[2:4]),
		result:    binary.LittleEndian.Uint16(b[4:6]),
	}, nil
}

type disconnectRequest struct {
	destCID, sourceCID uint16
}

func marshalDisconnectRequest(destCID, sourceCID uint16) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], destCID)
	binary.LittleEndian.PutUint16(b[2:4], sourceCID)
	return b
}

func parseDisconnectRequest(b []byte) (disconnectRequest, error) {
	if len(b) < 4 {
		return disconnectRequest{}, errors.New("l2cap: disconnect request too short")
	}
	return disconnectRequest{
		destCID:   binary.LittleEndian.Uint16(b[0:2]),
		sourceCID: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

func marshalDisconnectResponse(destCID, sourceCID uint16) []byte {
	return marshalDisconnectRequest(destCID, sourceCID) // identical layout
}

func marshalInformationRequest(infoType uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, infoType)
	return b
}

type informationRequest struct {
	infoType uint16
}

func parseInformationRequest(b []byte) (informationRequest, error) {
	if len(b) < 2 {
		return informationRequest{}, errors.New("l2cap: information request too short")
	}
	return informationRequest{infoType: binary.LittleEndian.Uint16(b[0:2])}, nil
}

func marshalInformationResponse(infoType, result uint16, data []byte) []byte {
	b := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(b[0:2], infoType)
	binary.LittleEndian.PutUint16(b[2:4], result)
	copy(b[4:], data)
	return b
}

type informationResponse struct {
	infoType uint16
	result   uint16
	data     []byte
}

func parseInformationResponse(b []byte) (informationResponse, error) {
	if len(b) < 4 {
		return informationResponse{}, errors.New("l2cap: information response too short")
	}
	return informationResponse{
		infoType: binary.LittleEndian.Uint16(b[0:2]),
		result:   binary.LittleEndian.Uint16(b[2:4]),
		data:     b[4:],
	}, nil
}

// LE Credit-Based Connection request/response (spec.md §4.3.3).
type leCreditConnRequest struct {
	psm            uint16
	sourceCID      uint16
	mtu            uint16
	mps            uint16
	initialCredits uint16
}

func marshalLECreditConnRequest(r leCreditConnRequest) []byte {
	b := make([]byte, 10)
	binary.LittleEndian.PutUint16(b[0:2], r.psm)
	binary.LittleEndian.PutUint16(b[2:4], r.sourceCID)
	binary.LittleEndian.PutUint16(b[4:6], r.mtu)
	binary.LittleEndian.PutUint16(b[6:8], r.mps)
	binary.LittleEndian.PutUint16(b[8:10], r.initialCredits)
	return b
}

func parseLECreditConnRequest(b []byte) (leCreditConnRequest, error) {
	if len(b) < 10 {
		return leCreditConnRequest{}, errors.New("l2cap: LE credit connection request too short")
	}
	return leCreditConnRequest{
		psm:            binary.LittleEndian.Uint16(b[0:2]),
		sourceCID:      binary.LittleEndian.Uint16(b[2:4]),
		mtu:            binary.LittleEndian.Uint16(b[4:6]),
		mps:            binary.LittleEndian.Uint16(b[6:8]),
		initialCredits: binary.LittleEndian.Uint16(b[8:10]),
	}, nil
}

type leCreditConnResponse struct {
	destCID        uint16
	mtu            uint16
	mps            uint16
	initialCredits uint16
	result         uint16
}

func marshalLECreditConnResponse(r leCreditConnResponse) []byte {
	b := make([]byte, 10)
	binary.LittleEndian.PutUint16(b[0:2], r.destCID)
	binary.LittleEndian.PutUint16(b[2:4], r.mtu)
	binary.LittleEndian.PutUint16(b[4:6], r.mps)
	binary.LittleEndian.PutUint16(b[6:8], r.initialCredits)
	binary.LittleEndian.PutUint16(b[8:10], r.result)
	return b
}

func parseLECreditConnResponse(b []byte) (leCreditConnResponse, error) {
	if len(b) < 10 {
		return leCreditConnResponse{}, errors.New("l2cap: LE credit connection response too short")
	}
	return leCreditConnResponse{
		destCID:        binary.LittleEndian.Uint16(b[0:2]),
		mtu:            binary.LittleEndian.Uint16(b[2:4]),
		mps:            binary.LittleEndian.Uint16(b[4:6]),
		initialCredits: binary.LittleEndian.Uint16(b[6:8]),
		result:         binary.LittleEndian.Uint16(b[8:10]),
	}, nil
}

type flowControlCredit struct {
	cid     uint16
	credits uint16
}

func marshalFlowControlCredit(f flowControlCredit) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], f.cid)
	binary.LittleEndian.PutUint16(b[2:4], f.credits)
	return b
}

func parseFlowControlCredit(b []byte) (flowControlCredit, error) {
	if len(b) < 4 {
		return flowControlCredit{}, errors.New("l2cap: flow control credit too short")
	}
	return flowControlCredit{
		cid:     binary.LittleEndian.Uint16(b[0:2]),
		credits: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// wrapL2CAPHeader prepends the [len:16][cid:16] L2CAP basic-frame header
// (spec.md §4.3.1) to payload, for outbound ACL framing.
func wrapL2CAPHeader(cid uint16, payload []byte) []byte {
	w := pdu.NewWriter(4 + len(payload))
	w.WriteUint16Fit(uint16(len(payload)))
	w.WriteUint16Fit(cid)
	w.WriteFit(payload)
	return w.Bytes()
}
