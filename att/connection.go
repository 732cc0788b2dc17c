package att

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/courierstack/courierstack/l2cap"
)

// ErrClosed is returned by Connection operations once the underlying
// ACL connection has torn down.
var ErrClosed = errors.New("att: connection closed")

// ErrTimeout is returned when a request receives no response in time.
var ErrTimeout = errors.New("att: request timed out")

const defaultMTU = 23 // Core Spec minimum; also the pre-negotiation default

// NotificationHandler receives a value-handle notification or
// indication. It must not block.
type NotificationHandler func(valueHandle uint16, data []byte, indication bool)

// Connection is one GATT Connection (spec.md §4.4: "GATT Connection is
// explicitly 1:1 per LE ACL"), layered on the ATT fixed channel (CID
// 0x0004) of an l2cap.ACLConn. It serializes requests per the ATT
// half-duplex invariant and owns this connection's CCCD subscription
// state — kept per connection rather than in the shared attribute
// table, since the spec's 1:1 Connection model implies independent
// subscribers (the teacher kept one CCCD value per descriptor globally,
// which only works for its single-central peripheral role).
type Connection struct {
	acl   *l2cap.ACLConn
	core  *l2cap.Core
	table *Table
	log   *logrus.Entry

	mu  sync.Mutex
	mtu uint16

	inbound chan []byte
	done    chan struct{}

	clientMu   sync.Mutex // serializes our own outstanding requests (half-duplex)
	pendingReq chan []byte

	indicateMu   sync.Mutex
	indicateWait chan struct{}

	cccdMu sync.Mutex
	cccd   map[uint16]uint16 // descriptor handle -> subscription bits

	onNotify NotificationHandler
}

// CCCD bit values (Core Spec Vol 3 Part G §3.3.3.3).
const (
	CCCNotify   uint16 = 0x0001
	CCCIndicate uint16 = 0x0002
)

func newConnection(acl *l2cap.ACLConn, core *l2cap.Core, table *Table, log *logrus.Entry) *Connection {
	c := &Connection{
		acl:     acl,
		core:    core,
		table:   table,
		log:     log,
		mtu:     defaultMTU,
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
		cccd:    make(map[uint16]uint16),
	}
	go c.run()
	return c
}

func (c *Connection) run() {
	for {
		select {
		case b := <-c.inbound:
			c.handlePDU(b)
		case <-c.done:
			return
		}
	}
}

func (c *Connection) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// MTU returns the negotiated ATT_MTU, or the default 23 before exchange.
func (c *Connection) MTU() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

func (c *Connection) setMTU(v uint16) {
	c.mu.Lock()
	if v < defaultMTU {
		v = defaultMTU
	}
	c.mtu = v
	c.mu.Unlock()
}

// OnNotification registers the handler invoked for every inbound
// Handle-Value-Notification/Indication on this connection.
func (c *Connection) OnNotification(h NotificationHandler) {
	c.onNotify = h
}

func (c *Connection) sendPDU(b []byte) {
	c.core.SendFixed(c.acl, l2cap.CIDATT, b)
}

// request sends req and blocks for the matching response, enforcing the
// half-duplex one-pending-request-per-connection invariant (spec.md
// §4.4) by holding clientMu for the full round trip.
func (c *Connection) request(ctx context.Context, req []byte, timeout time.Duration) ([]byte, error) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()

	wait := make(chan []byte, 1)
	c.mu.Lock()
	c.pendingReq = wait
	c.mu.Unlock()

	c.sendPDU(req)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-wait:
		if resp == nil {
			return nil, ErrClosed
		}
		if resp[0] == OpError {
			return nil, parseErrorResp(resp)
		}
		return resp, nil
	case <-timer.C:
		c.clearPending()
		return nil, ErrTimeout
	case <-ctx.Done():
		c.clearPending()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Connection) clearPending() {
	c.mu.Lock()
	c.pendingReq = nil
	c.mu.Unlock()
}

func (c *Connection) resolveRequest(resp []byte) bool {
	c.mu.Lock()
	wait := c.pendingReq
	c.pendingReq = nil
	c.mu.Unlock()
	if wait == nil {
		return false
	}
	select {
	case wait <- resp:
	default:
	}
	return true
}

// deliver is called by Server's fixed-channel handler with every inbound
// ATT PDU for this connection.
func (c *Connection) deliver(b []byte) {
	select {
	case c.inbound <- b:
	case <-c.done:
	}
}
