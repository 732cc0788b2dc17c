package l2cap

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/courierstack/courierstack/hci"
	"github.com/courierstack/courierstack/transport"
)

// ServerHandler is invoked once for every inbound connection accepted
// for a registered PSM. For a BR/EDR channel it starts as soon as the
// Connection-Response and the local Configure-Request have been sent, so
// the channel may still be in StateConfig; an LE credit-based channel is
// already OPEN.
type ServerHandler func(ch *Channel)

// Core is the L2CAP multiplexer (spec.md §4.3): it owns the ACL
// connection table, drives the signaling state machine, and dispatches
// reassembled PDUs to fixed-channel owners (ATT, SMP) or dynamic-channel
// servers (RFCOMM/SDP via PSM).
//
// Grounded on the teacher's linux/internal/l2cap.L2CAP, which keeps a
// single map of connection handle to *Conn and drives lifecycle from
// HandleLEMeta/HandleDisconnectionComplete; generalized here to a
// BR/EDR+LE connection table and the full signaling protocol.
type Core struct {
	disp *hci.Dispatcher
	log  *logrus.Entry
	sig  *signaling

	mu   sync.RWMutex
	acls map[uint16]*ACLConn // connection handle -> ACL

	serversMu sync.RWMutex
	servers   map[uint16]ServerHandler // PSM -> handler

	fixedMu  sync.RWMutex
	fixed    map[uint16]func(conn *ACLConn, sdu []byte) // fixed CID -> handler

	connectMu  sync.Mutex
	connectWait map[[6]byte]chan *ACLConn // pending outbound connects by peer address

	hooks ConnHooks
}

// ConnHooks are optional observers notified as ACLs come and go, used
// by the metrics package to track active-connection gauges without
// l2cap importing metrics (spec.md §2's data flow names Pairing as the
// only subsystem allowed to observe HCI events directly; everything
// else, including metrics, observes through a narrower seam like this
// one).
type ConnHooks struct {
	OnConnected    func(conn *ACLConn)
	OnDisconnected func(conn *ACLConn)
	// OnPDUSent/OnPDUReceived fire once per L2CAP-layer PDU crossing
	// Core.send (every outbound signaling/data PDU) or HandleACL's
	// reassembled-delivery path (every complete inbound PDU).
	OnPDUSent     func()
	OnPDUReceived func()
	// OnCreditRefill fires whenever the core tops up a credit-based
	// channel's peer credits below the low-water mark (spec.md §4.3.3).
	OnCreditRefill func(ch *Channel)
}

// SetConnHooks installs observers for ACL connect/disconnect. Not safe
// to call concurrently with traffic; intended to be wired once at
// startup before disp.Run.
func (c *Core) SetConnHooks(h ConnHooks) { c.hooks = h }

// New constructs a Core wired to disp and registers c.Listener with
// disp. Callers pass HandleACL as the onACL callback of disp.Run.
func New(disp *hci.Dispatcher, log *logrus.Entry) *Core {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Core{
		disp:        disp,
		log:         log.WithField("component", "l2cap"),
		sig:         newSignaling(),
		acls:        make(map[uint16]*ACLConn),
		servers:     make(map[uint16]ServerHandler),
		fixed:       make(map[uint16]func(conn *ACLConn, sdu []byte)),
		connectWait: make(map[[6]byte]chan *ACLConn),
	}
	disp.AddListener(c.Listener)
	return c
}

// RegisterServer accepts inbound dynamic-channel connections for psm.
func (c *Core) RegisterServer(psm uint16, h ServerHandler) {
	c.serversMu.Lock()
	c.servers[psm] = h
	c.serversMu.Unlock()
}

func (c *Core) server(psm uint16) (ServerHandler, bool) {
	c.serversMu.RLock()
	defer c.serversMu.RUnlock()
	h, ok := c.servers[psm]
	return h, ok
}

// RegisterFixedChannel wires a handler for a fixed CID such as CIDATT or
// CIDSMP; it is invoked with every reassembled SDU delivered on that CID
// for any connection.
func (c *Core) RegisterFixedChannel(cid uint16, h func(conn *ACLConn, sdu []byte)) {
	c.fixedMu.Lock()
	c.fixed[cid] = h
	c.fixedMu.Unlock()
}

func (c *Core) fixedHandler(cid uint16) (func(conn *ACLConn, sdu []byte), bool) {
	c.fixedMu.RLock()
	defer c.fixedMu.RUnlock()
	h, ok := c.fixed[cid]
	return h, ok
}

// Conn looks up the ACL connection for a controller handle.
func (c *Core) Conn(handle uint16) (*ACLConn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.acls[handle]
	return conn, ok
}

// ConnByAddr looks up the ACL connection for a peer address without
// blocking, the non-waiting counterpart to AwaitConnection.
func (c *Core) ConnByAddr(addr [6]byte) (*ACLConn, bool) {
	conn := c.findByAddrLocked(addr)
	return conn, conn != nil
}

// AwaitConnection blocks until an ACL connection to addr is established
// (typically raced against an outbound HCI Create-Connection / LE
// Create-Connection that this Core observes via Connection-Complete).
func (c *Core) AwaitConnection(ctx context.Context, addr [6]byte) (*ACLConn, error) {
	c.connectMu.Lock()
	if conn := c.findByAddrLocked(addr); conn != nil {
		c.connectMu.Unlock()
		return conn, nil
	}
	ch, ok := c.connectWait[addr]
	if !ok {
		ch = make(chan *ACLConn, 1)
		c.connectWait[addr] = ch
	}
	c.connectMu.Unlock()

	select {
	case conn := <-ch:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Core) findByAddrLocked(addr [6]byte) *ACLConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conn := range c.acls {
		if conn.PeerAddr == addr {
			return conn
		}
	}
	return nil
}

func (c *Core) notifyConnected(conn *ACLConn) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if ch, ok := c.connectWait[conn.PeerAddr]; ok {
		select {
		case ch <- conn:
		default:
		}
		delete(c.connectWait, conn.PeerAddr)
	}
}

// Listener is registered with the hci.Dispatcher to observe connection
// lifecycle events (spec.md §4.2 fan-out, §4.3.4 lifecycle-driven
// teardown).
func (c *Core) Listener(code hci.EventCode, params []byte) {
	switch code {
	case hci.EvtConnectionComplete:
		c.handleConnectionComplete(params)
	case hci.EvtDisconnectionComplete:
		c.handleDisconnectionComplete(params)
	case hci.EvtLEMeta:
		c.handleLEMeta(params)
	}
}

// handleConnectionComplete parses the BR/EDR Connection-Complete event
// (Vol 2 Part E §7.7.3): status(1) handle(2 LE) bdaddr(6) link_type(1)
// encryption_enabled(1).
func (c *Core) handleConnectionComplete(b []byte) {
	if len(b) < 11 || b[0] != 0 {
		return
	}
	handle := binary.LittleEndian.Uint16(b[1:3])
	var addr [6]byte
	copy(addr[:], b[3:9])
	conn := newACLConn(handle, addr, AddrPublic, TransportBREDR, RoleInitiator)
	c.addConn(conn)
}

// handleLEMeta parses LE Meta events, including LE-Connection-Complete
// (subevent 0x01) and Enhanced-Connection-Complete (subevent 0x0A, Core
// Spec 4.2+). Both carry the same fields this layer needs (status,
// handle, role, peer address) at the same early offsets, so a single
// code path handles both rather than recursing into a second dispatch —
// resolving the spec's open question on recursive LE-meta handling by
// treating Enhanced-Connection-Complete as a plain variant, not a nested
// event needing its own dispatcher round-trip.
func (c *Core) handleLEMeta(b []byte) {
	if len(b) < 1 {
		return
	}
	subevent := b[0]
	body := b[1:]
	switch subevent {
	case hci.LESubConnectionComplete, hci.LESubEnhancedConnectionComplete:
		c.handleLEConnectionComplete(body)
	}
}

// handleLEConnectionComplete parses the common prefix of LE-Connection-
// Complete and Enhanced-Connection-Complete: status(1) handle(2 LE)
// role(1) peer_address_type(1) peer_address(6) ... (remaining fields
// differ but are not needed here).
func (c *Core) handleLEConnectionComplete(b []byte) {
	if len(b) < 11 || b[0] != 0 {
		return
	}
	handle := binary.LittleEndian.Uint16(b[1:3])
	role := RoleInitiator
	if b[3] == 1 {
		role = RoleResponder
	}
	addrType := AddrPublic
	if b[4] == 1 {
		addrType = AddrRandom
	}
	var addr [6]byte
	copy(addr[:], b[5:11])
	conn := newACLConn(handle, addr, addrType, TransportLE, role)
	c.addConn(conn)
}

func (c *Core) addConn(conn *ACLConn) {
	c.mu.Lock()
	c.acls[conn.Handle] = conn
	c.mu.Unlock()
	c.notifyConnected(conn)
	if c.hooks.OnConnected != nil {
		c.hooks.OnConnected(conn)
	}
}

// handleDisconnectionComplete parses Disconnection-Complete (Vol 2 Part
// E §7.7.5): status(1) handle(2 LE) reason(1). It cascades channel
// closure to every channel owned by the handle (spec.md §4.3.4).
func (c *Core) handleDisconnectionComplete(b []byte) {
	if len(b) < 4 || b[0] != 0 {
		return
	}
	handle := binary.LittleEndian.Uint16(b[1:3])

	c.mu.Lock()
	conn, ok := c.acls[handle]
	delete(c.acls, handle)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.sig.abortAll(handle)
	for _, ch := range conn.snapshotChannels() {
		ch.setState(StateClosed)
		ch.closeQueue()
	}
	if c.hooks.OnDisconnected != nil {
		c.hooks.OnDisconnected(conn)
	}
}

// HandleACL is wired as the hci.Dispatcher's onACL callback: it
// reassembles fragments per spec.md §4.3.1 and routes complete PDUs to
// signaling, a fixed-channel handler, or a dynamic channel's receive
// queue.
func (c *Core) HandleACL(f transport.Frame) {
	hdr, payload, err := parseACLHeader(f.Bytes)
	if err != nil {
		c.log.WithError(err).Warn("dropping malformed ACL packet")
		return
	}

	c.mu.RLock()
	conn, ok := c.acls[hdr.handle]
	c.mu.RUnlock()
	if !ok {
		c.log.WithField("handle", hdr.handle).Debug("ACL packet for unknown handle")
		return
	}

	pdu, err := conn.reassemble(hdr.pbFlag, payload)
	if err != nil {
		c.log.WithError(err).Warn("reassembly failure")
		return
	}
	if pdu == nil {
		return // fragment buffered, awaiting continuation
	}
	if c.hooks.OnPDUReceived != nil {
		c.hooks.OnPDUReceived()
	}

	cid := binary.LittleEndian.Uint16(pdu[2:4])
	sdu := pdu[4:]

	switch cid {
	case CIDSignalingBREDR, CIDSignalingLE:
		c.handleSignalingPDU(conn, sdu)
		return
	}

	if h, ok := c.fixedHandler(cid); ok {
		h(conn, sdu)
		return
	}

	if ch, ok := conn.channel(cid); ok {
		if ch.CreditBased {
			if _, belowHalf := ch.receiveConsumesPeerCredit(); belowHalf {
				c.grantCredits(ch, DefaultLECredits)
			}
		}
		ch.deliver(sdu)
		return
	}

	c.log.WithField("cid", cid).Debug("PDU for unknown channel")
}
