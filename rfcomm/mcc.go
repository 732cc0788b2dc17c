package rfcomm

import (
	"github.com/pkg/errors"
)

// Multiplexer Control Channel command types (TS 27.010 §5.4.6.3),
// carried as UIH frames on DLCI 0.
const (
	mccPN  uint8 = 0x20 >> 2
	mccMSC uint8 = 0x38 >> 2
	mccFCon uint8 = 0x28 >> 2
	mccFCoff uint8 = 0x18 >> 2
	mccRLS  uint8 = 0x14 >> 2
	mccRPN  uint8 = 0x24 >> 2
	mccTest uint8 = 0x08 >> 2
	mccNSC  uint8 = 0x04 >> 2
)

// mccFrame is one decoded MCC command/response.
type mccFrame struct {
	typ     uint8
	cr      bool // 1 = command, 0 = response
	payload []byte
}

func marshalMCC(m mccFrame) []byte {
	typByte := (m.typ << 2) | 0x01 // EA=1
	if m.cr {
		typByte |= 0x02
	}
	n := len(m.payload)
	var lenBytes []byte
	if n <= 127 {
		lenBytes = []byte{byte(n<<1) | 0x01}
	} else {
		lenBytes = []byte{byte(n<<1) & 0xFE, byte(n >> 7)}
	}
	out := append([]byte{typByte}, lenBytes...)
	out = append(out, m.payload...)
	return out
}

func parseMCC(b []byte) (mccFrame, []byte, error) {
	if len(b) < 2 {
		return mccFrame{}, nil, errors.New("rfcomm: MCC command truncated")
	}
	typByte := b[0]
	typ := typByte >> 2
	cr := typByte&0x02 != 0

	var length, lenOctets int
	if b[1]&0x01 == 1 {
		length = int(b[1] >> 1)
		lenOctets = 1
	} else {
		if len(b) < 3 {
			return mccFrame{}, nil, errors.New("rfcomm: MCC two-octet length truncated")
		}
		length = int(b[1]>>1) | int(b[2])<<7
		lenOctets = 2
	}
	start := 1 + lenOctets
	if len(b) < start+length {
		return mccFrame{}, nil, errors.New("rfcomm: MCC payload shorter than declared length")
	}
	return mccFrame{typ: typ, cr: cr, payload: b[start : start+length]}, b[start+length:], nil
}

// pnParams is the Parameter Negotiation payload (TS 27.010 §5.5.3).
type pnParams struct {
	dlci           uint8
	frameType      uint8 // convergence layer, always 0 (UIH)
	priority       uint8
	ackTimerMs     uint8
	maxFrameSize   uint16
	maxRetrans     uint8
	initialCredits uint8
}

func marshalPN(p pnParams) []byte {
	return []byte{
		p.dlci & 0x3F,
		p.frameType&0x0F | (p.initialCredits&0x0F)<<4, // convergence layer nibble | credit flow control indication nibble
		p.priority & 0x3F,
		p.ackTimerMs,
		byte(p.maxFrameSize), byte(p.maxFrameSize >> 8),
		p.maxRetrans,
		p.initialCredits & 0x07,
	}
}

func parsePN(b []byte) (pnParams, error) {
	if len(b) < 8 {
		return pnParams{}, errors.New("rfcomm: PN payload too short")
	}
	return pnParams{
		dlci:           b[0] & 0x3F,
		frameType:      b[1] & 0x0F,
		priority:       b[2] & 0x3F,
		ackTimerMs:     b[3],
		maxFrameSize:   uint16(b[4]) | uint16(b[5])<<8,
		maxRetrans:     b[6],
		initialCredits: b[7] & 0x07,
	}, nil
}

// Modem status bits (TS 27.010 §5.4.6.3.7): V.24 signals relevant to a
// virtual serial link.
const (
	msFC  uint8 = 0x02 // flow control (peer asserts to pause)
	msRTC uint8 = 0x04
	msRTR uint8 = 0x08
	msIC  uint8 = 0x40
	msDV  uint8 = 0x80
)

func marshalMSC(dlci uint8, signals uint8) []byte {
	addr := (dlci&0x3F)<<2 | 0x03 // EA=1, CR=1 (DLCI addressing octet inside MSC, always command-shaped)
	return []byte{addr, signals | 0x01}
}

func parseMSC(b []byte) (dlci uint8, signals uint8, err error) {
	if len(b) < 2 {
		return 0, 0, errors.New("rfcomm: MSC payload too short")
	}
	return (b[0] >> 2) & 0x3F, b[1] &^ 0x01, nil
}
