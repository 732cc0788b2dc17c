// Package hci implements the HCI command/event dispatcher (spec.md §4.2):
// command/response correlation by opcode and synchronous fan-out of
// events to listeners, over an abstract transport.Pipe.
//
// Grounded on the teacher's linux/internal/cmd.Cmd (opcode-keyed
// in-flight command tracking with a done channel per command) and
// linux/internal/event.Event (an EventCode-keyed handler registry
// dispatching on the event header). CourierStack generalizes Cmd's
// fixed CmdParam-typed commands into opaque opcode+params commands,
// since the core only needs correlation, not a marshaler for every
// HCI command in the spec.
package hci

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Opcode is a 16-bit HCI command opcode (OGF:6 | OCF:10).
type Opcode uint16

func (op Opcode) OGF() uint8   { return uint8(op >> 10) }
func (op Opcode) OCF() uint16  { return uint16(op) & 0x03FF }
func MakeOpcode(ogf uint8, ocf uint16) Opcode {
	return Opcode(uint16(ogf&0x3F)<<10 | ocf&0x03FF)
}

// EventCode is the one-byte HCI event code.
type EventCode uint8

// Event codes used by the dispatcher itself and by the subsystems
// layered on top (l2cap for connection lifecycle, pairing for SSP).
// Bluetooth Core Spec v5.3 Vol 2 Part E §7.7.
const (
	EvtInquiryComplete               EventCode = 0x01
	EvtConnectionComplete            EventCode = 0x03
	EvtConnectionRequest             EventCode = 0x04
	EvtDisconnectionComplete         EventCode = 0x05
	EvtAuthenticationComplete        EventCode = 0x06
	EvtEncryptionChange              EventCode = 0x08
	EvtReadRemoteVersionComplete     EventCode = 0x0C
	EvtCommandComplete               EventCode = 0x0E
	EvtCommandStatus                EventCode = 0x0F
	EvtNumberOfCompletedPackets      EventCode = 0x13
	EvtPINCodeRequest                EventCode = 0x16
	EvtLinkKeyRequest                EventCode = 0x17
	EvtLinkKeyNotification           EventCode = 0x18
	EvtReadClockOffsetComplete       EventCode = 0x1C
	EvtEncryptionKeyRefreshComplete  EventCode = 0x30
	EvtIOCapabilityRequest           EventCode = 0x31
	EvtIOCapabilityResponse          EventCode = 0x32
	EvtUserConfirmationRequest       EventCode = 0x33
	EvtUserPasskeyRequest            EventCode = 0x34
	EvtRemoteOOBDataRequest          EventCode = 0x35
	EvtSimplePairingComplete         EventCode = 0x36
	EvtUserPasskeyNotify             EventCode = 0x3B
	EvtKeypressNotify                EventCode = 0x3C
	EvtLEMeta                        EventCode = 0x3E
)

// LE meta subevent codes, nested under EvtLEMeta.
const (
	LESubConnectionComplete          uint8 = 0x01
	LESubAdvertisingReport           uint8 = 0x02
	LESubConnectionUpdateComplete    uint8 = 0x03
	LESubReadRemoteUsedFeatures      uint8 = 0x04
	LESubLTKRequest                  uint8 = 0x05
	LESubRemoteConnParamRequest      uint8 = 0x06
	LESubEnhancedConnectionComplete  uint8 = 0x0A
)

// marshalCommand builds the wire layout of an outbound HCI command packet:
// spec.md §6 — [opcode:16 LE][param_len:8][params].
func marshalCommand(op Opcode, params []byte) []byte {
	b := make([]byte, 3+len(params))
	binary.LittleEndian.PutUint16(b, uint16(op))
	b[2] = byte(len(params))
	copy(b[3:], params)
	return b
}

// unmarshalEventHeader splits an event packet laid out as
// [code:8][param_len:8][params].
func unmarshalEventHeader(b []byte) (code EventCode, params []byte, err error) {
	if len(b) < 2 {
		return 0, nil, errors.New("hci: event header too short")
	}
	plen := int(b[1])
	if len(b) < 2+plen {
		return 0, nil, errors.New("hci: event shorter than declared param length")
	}
	return EventCode(b[0]), b[2 : 2+plen], nil
}

// CommandComplete is the parsed body of a Command-Complete event
// (code 0x0E): spec.md §4.2.
type CommandComplete struct {
	NumHCICommandPackets uint8
	Opcode               Opcode
	ReturnParameters     []byte
}

func parseCommandComplete(b []byte) (CommandComplete, error) {
	if len(b) < 3 {
		return CommandComplete{}, errors.New("hci: command-complete too short")
	}
	return CommandComplete{
		NumHCICommandPackets: b[0],
		Opcode:               Opcode(binary.LittleEndian.Uint16(b[1:3])),
		ReturnParameters:     b[3:],
	}, nil
}

// CommandStatus is the parsed body of a Command-Status event (code 0x0F).
type CommandStatus struct {
	Status               uint8
	NumHCICommandPackets uint8
	Opcode               Opcode
}

func parseCommandStatus(b []byte) (CommandStatus, error) {
	if len(b) < 4 {
		return CommandStatus{}, errors.New("hci: command-status too short")
	}
	return CommandStatus{
		Status:               b[0],
		NumHCICommandPackets: b[1],
		Opcode:               Opcode(binary.LittleEndian.Uint16(b[2:4])),
	}, nil
}

// Status returns the one-byte status code carried by most HCI command
// return parameters (they universally begin with a status octet).
func Status(returnParams []byte) uint8 {
	if len(returnParams) == 0 {
		return 0xFF
	}
	return returnParams[0]
}
