package l2cap

import (
	"sync"
)

// Channel is the data model's L2CAP Channel (spec.md §3): local-cid,
// remote-cid, psm, owning ACL, state, local/peer MTU, credit-based flag,
// local/peer credits, mps, local/remote config-done flags.
type Channel struct {
	LocalCID  uint16
	RemoteCID uint16
	PSM       uint16
	Conn      *ACLConn

	CreditBased bool // LE Credit-Based Connection channel; skips CONFIG

	mu              sync.Mutex
	state           State
	localMTU        uint16
	peerMTU         uint16
	mps             uint16
	localCredits    uint16
	peerCredits     uint16
	localConfigDone bool
	remoteConfigDone bool

	// rxQueue delivers reassembled, connection-oriented SDUs to whatever
	// owns this channel (ATT, RFCOMM mux, or an application listener).
	rxQueue chan []byte
}

func newChannel(conn *ACLConn, localCID, psm uint16) *Channel {
	return &Channel{
		LocalCID: localCID,
		PSM:      psm,
		Conn:     conn,
		state:    StateClosed,
		localMTU: DefaultMTU,
		rxQueue:  make(chan []byte, 32),
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// configComplete reports whether both sides have signaled CONFIG done,
// per the bilateral configuration requirement of spec.md §4.3.2.
func (c *Channel) configComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localConfigDone && c.remoteConfigDone
}

func (c *Channel) markLocalConfigDone() {
	c.mu.Lock()
	c.localConfigDone = true
	c.mu.Unlock()
}

func (c *Channel) markRemoteConfigDone() {
	c.mu.Lock()
	c.remoteConfigDone = true
	c.mu.Unlock()
}

func (c *Channel) setPeerMTU(mtu uint16) {
	c.mu.Lock()
	c.peerMTU = mtu
	c.mu.Unlock()
}

func (c *Channel) PeerMTU() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerMTU == 0 {
		return DefaultMTU
	}
	return c.peerMTU
}

func (c *Channel) LocalMTU() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localMTU
}

// consumeCredit decrements the local (outbound) credit count by one,
// returning false if none remain (spec.md §4.3.3: writer must not send
// without an available credit).
func (c *Channel) consumeCredit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.CreditBased {
		return true
	}
	if c.localCredits == 0 {
		return false
	}
	c.localCredits--
	return true
}

// refillCredits adds n credits granted by the peer via a Flow-Control-
// Credit-Ind, returning the new total.
func (c *Channel) refillCredits(n uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localCredits += n
	return c.localCredits
}

// receiveConsumesPeerCredit tracks the peer's remaining send budget as
// observed from this end, returning the remaining count and whether it
// has dropped below half the initial window (spec.md §4.3.3: "credit
// consumption/refill below half-window" triggers a top-up).
func (c *Channel) receiveConsumesPeerCredit() (remaining uint16, belowHalf bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerCredits > 0 {
		c.peerCredits--
	}
	return c.peerCredits, c.peerCredits < DefaultLECredits/2
}

func (c *Channel) setPeerCredits(n uint16) {
	c.mu.Lock()
	c.peerCredits = n
	c.mu.Unlock()
}

// deliver hands a complete SDU to the channel's receive queue. Non-
// blocking with a bounded queue: a channel whose owner stops reading
// applies backpressure by way of the controller's own flow control, not
// by blocking the L2CAP dispatch path.
func (c *Channel) deliver(sdu []byte) {
	select {
	case c.rxQueue <- sdu:
	default:
	}
}

// Recv blocks until an SDU arrives or the channel is closed (rxQueue
// drained and closed).
func (c *Channel) Recv() ([]byte, bool) {
	sdu, ok := <-c.rxQueue
	return sdu, ok
}

func (c *Channel) closeQueue() {
	defer func() { recover() }() // tolerate a second close from disconnect races
	close(c.rxQueue)
}

// allocateDynamicCID picks an unused local CID from the dynamic range
// (spec.md §3: [0x0040, 0xFFFF], or capped to 0x007F for LE CoC). Caller
// must hold no lock; this takes the ACL's channel-table lock internally.
func (a *ACLConn) allocateDynamicCID(leCoC bool) uint16 {
	a.chMu.Lock()
	defer a.chMu.Unlock()

	max := dynamicCIDMax
	if leCoC {
		max = leCoCCIDMax
	}
	for cid := dynamicCIDMin; cid <= max; cid++ {
		if _, taken := a.channels[cid]; !taken {
			return cid
		}
	}
	return 0 // exhausted; caller treats 0 as "no resources"
}
