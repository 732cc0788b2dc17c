package hci

import (
	"context"
	"encoding/binary"
	"time"
)

// OGF values used by the command helpers below (Bluetooth Core Spec
// v5.3 Vol 2 Part E §5.4.1).
const (
	ogfLinkControl    uint8 = 0x01
	ogfLEController   uint8 = 0x08
)

var (
	opCreateConnection   = MakeOpcode(ogfLinkControl, 0x0005)
	opReadRemoteVersion  = MakeOpcode(ogfLinkControl, 0x001D)
	opReadClockOffset    = MakeOpcode(ogfLinkControl, 0x001F)
	opLECreateConnection = MakeOpcode(ogfLEController, 0x000D)
)

// DefaultCommandTimeout bounds SendCommandSync calls made by the
// helpers in this file when the caller doesn't need a tighter budget.
const DefaultCommandTimeout = 10 * time.Second

// CreateConnection issues the BR/EDR Create-Connection command
// (§7.1.5) for the given peer address. It returns once the controller
// accepts the request (Command-Status); the resulting ACL shows up
// later as a Connection-Complete event, which is l2cap.Core's job to
// observe and turn into an *l2cap.ACLConn.
func (d *Dispatcher) CreateConnection(ctx context.Context, addr [6]byte, allowRoleSwitch bool) error {
	params := make([]byte, 13)
	copy(params[0:6], addr[:])
	binary.LittleEndian.PutUint16(params[6:8], 0xCC18) // packet_type: all standard packet types
	params[8] = 0x01                                   // page_scan_repetition_mode: R1
	params[9] = 0x00                                   // reserved
	binary.LittleEndian.PutUint16(params[10:12], 0x0000) // clock_offset: unknown
	if allowRoleSwitch {
		params[12] = 0x01
	}
	_, err := d.SendCommandSync(ctx, opCreateConnection, params, DefaultCommandTimeout)
	return err
}

// ReadRemoteVersion issues Read-Remote-Version-Information (§7.1.23) for
// an established ACL handle. It returns once the controller accepts the
// request (Command-Status); the actual version data arrives later as a
// Read-Remote-Version-Information-Complete event (EvtReadRemoteVersionComplete),
// which a caller observes via AddListener the same way l2cap.Core
// observes Connection-Complete.
func (d *Dispatcher) ReadRemoteVersion(ctx context.Context, handle uint16) error {
	params := make([]byte, 2)
	binary.LittleEndian.PutUint16(params, handle)
	_, err := d.SendCommandSync(ctx, opReadRemoteVersion, params, DefaultCommandTimeout)
	return err
}

// ReadClockOffset issues Read-Clock-Offset (§7.1.24) for an established
// ACL handle. The result arrives later as a Read-Clock-Offset-Complete
// event (EvtReadClockOffsetComplete), observed the same way.
func (d *Dispatcher) ReadClockOffset(ctx context.Context, handle uint16) error {
	params := make([]byte, 2)
	binary.LittleEndian.PutUint16(params, handle)
	_, err := d.SendCommandSync(ctx, opReadClockOffset, params, DefaultCommandTimeout)
	return err
}

// LECreateConnectionParams configures an LE-Create-Connection command
// (§7.8.12). Scan interval/window are in units of 0.625ms; connection
// interval bounds, latency, and supervision timeout follow the same
// units as the Core Spec defines for this command.
type LECreateConnectionParams struct {
	ScanInterval      uint16
	ScanWindow        uint16
	PeerAddr          [6]byte
	PeerAddrRandom    bool
	OwnAddrRandom     bool
	ConnIntervalMin   uint16
	ConnIntervalMax   uint16
	ConnLatency       uint16
	SupervisionTimeout uint16
}

// LECreateConnection issues LE-Create-Connection. The resulting
// connection is reported asynchronously via LE-Connection-Complete /
// Enhanced-Connection-Complete, observed by l2cap.Core.
func (d *Dispatcher) LECreateConnection(ctx context.Context, p LECreateConnectionParams) error {
	params := make([]byte, 25)
	binary.LittleEndian.PutUint16(params[0:2], p.ScanInterval)
	binary.LittleEndian.PutUint16(params[2:4], p.ScanWindow)
	params[4] = 0x00 // initiator_filter_policy: use peer address
	if p.PeerAddrRandom {
		params[5] = 0x01
	}
	copy(params[6:12], p.PeerAddr[:])
	if p.OwnAddrRandom {
		params[12] = 0x01
	}
	binary.LittleEndian.PutUint16(params[13:15], p.ConnIntervalMin)
	binary.LittleEndian.PutUint16(params[15:17], p.ConnIntervalMax)
	binary.LittleEndian.PutUint16(params[17:19], p.ConnLatency)
	binary.LittleEndian.PutUint16(params[19:21], p.SupervisionTimeout)
	binary.LittleEndian.PutUint16(params[21:23], 0x0000) // min_ce_length
	binary.LittleEndian.PutUint16(params[23:25], 0x0000) // max_ce_length
	_, err := d.SendCommandSync(ctx, opLECreateConnection, params, DefaultCommandTimeout)
	return err
}
