package l2cap

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoResources is returned when the dynamic CID pool on a connection is
// exhausted (spec.md §4.3.2, Connection-Response result "No Resources").
var ErrNoResources = errors.New("l2cap: no dynamic CIDs available on this connection")

// ErrPSMNotSupported is returned by Connect/inbound dispatch when no
// server is registered for a PSM.
var ErrPSMNotSupported = errors.New("l2cap: PSM not supported")

// ErrDisconnected is returned to callers awaiting a response when the
// underlying ACL connection is torn down mid-handshake.
var ErrDisconnected = errors.New("l2cap: connection closed")

// sigWaiter correlates an outbound signaling command (by ACL + identifier)
// with its response, mirroring the HCI dispatcher's pending-by-key design
// (spec.md §4.2, generalized to L2CAP signaling identifiers per §4.3.2).
type sigWaiter struct {
	done chan []byte // raw response payload, or nil on abort
}

type sigKey struct {
	handle uint16
	ident  uint8
}

// signaling holds the outstanding-request bookkeeping for one Core. It is
// intentionally separate from ACLConn so a torn-down connection can abort
// every outstanding waiter for that handle in one pass.
type signaling struct {
	mu      sync.Mutex
	waiters map[sigKey]*sigWaiter
}

func newSignaling() *signaling {
	return &signaling{waiters: make(map[sigKey]*sigWaiter)}
}

func (s *signaling) register(handle uint16, ident uint8) *sigWaiter {
	w := &sigWaiter{done: make(chan []byte, 1)}
	s.mu.Lock()
	s.waiters[sigKey{handle, ident}] = w
	s.mu.Unlock()
	return w
}

func (s *signaling) resolve(handle uint16, ident uint8, payload []byte) {
	key := sigKey{handle, ident}
	s.mu.Lock()
	w, ok := s.waiters[key]
	if ok {
		delete(s.waiters, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.done <- payload:
	default:
	}
}

func (s *signaling) abortAll(handle uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, w := range s.waiters {
		if k.handle == handle {
			delete(s.waiters, k)
			select {
			case w.done <- nil:
			default:
			}
		}
	}
}

func (s *signaling) cancel(handle uint16, ident uint8) {
	s.mu.Lock()
	delete(s.waiters, sigKey{handle, ident})
	s.mu.Unlock()
}

// handleSignalingPDU demultiplexes one signaling command found on CID
// 0x0001 (BR/EDR) or 0x0005 (LE) and either resolves a waiting requester
// or drives the responder side of the state machine (spec.md §4.3.2).
func (c *Core) handleSignalingPDU(conn *ACLConn, b []byte) {
	for len(b) > 0 {
		hdr, data, err := parseSigHeader(b)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed signaling command")
			return
		}
		consumed := 4 + int(hdr.length)
		rest := b[consumed:]
		b = rest

		switch hdr.code {
		case sigConnectionResponse:
			c.sig.resolve(conn.Handle, hdr.ident, data)
		case sigConfigureResponse:
			c.sig.resolve(conn.Handle, hdr.ident, data)
		case sigDisconnectionResponse:
			c.sig.resolve(conn.Handle, hdr.ident, data)
		case sigInformationResponse:
			c.sig.resolve(conn.Handle, hdr.ident, data)
		case sigLECreditConnResponse:
			c.sig.resolve(conn.Handle, hdr.ident, data)
		case sigEchoResponse:
			c.sig.resolve(conn.Handle, hdr.ident, data)
		case sigCommandReject:
			c.sig.resolve(conn.Handle, hdr.ident, nil)

		case sigConnectionRequest:
			c.handleConnectionRequest(conn, hdr.ident, data)
		case sigConfigureRequest:
			c.handleConfigureRequest(conn, hdr.ident, data)
		case sigDisconnectionRequest:
			c.handleDisconnectionRequest(conn, hdr.ident, data)
		case sigInformationRequest:
			c.handleInformationRequest(conn, hdr.ident, data)
		case sigLECreditConnRequest:
			c.handleLECreditConnRequest(conn, hdr.ident, data)
		case sigFlowControlCredit:
			c.handleFlowControlCredit(conn, data)
		case sigEchoRequest:
			c.send(conn, conn.sigCID(), marshalSigPDU(sigEchoResponse, hdr.ident, data))
		default:
			c.log.WithField("code", hdr.code).Debug("rejecting unknown signaling command")
			reject := make([]byte, 2)
			c.send(conn, conn.sigCID(), marshalSigPDU(sigCommandReject, hdr.ident, reject))
		}
	}
}

// sigCID picks the signaling CID appropriate to the connection's
// transport (spec.md §4.3.4).
func (a *ACLConn) sigCID() uint16 {
	if a.Transport == TransportLE {
		return CIDSignalingLE
	}
	return CIDSignalingBREDR
}

// SendFixed writes payload to a fixed channel (e.g. CIDATT, CIDSMP) on
// conn. Used by subsystems layered directly on a fixed channel rather
// than a dynamic one.
func (c *Core) SendFixed(conn *ACLConn, cid uint16, payload []byte) {
	c.send(conn, cid, payload)
}

func (c *Core) send(conn *ACLConn, cid uint16, payload []byte) {
	frame := wrapL2CAPHeader(cid, payload)
	pkt := marshalACLHeader(conn.Handle, pbFirstNonFlush, frame)
	if err := c.disp.SendACL(context.Background(), pkt); err != nil {
		c.log.WithError(err).Warn("failed to send ACL packet")
		return
	}
	if c.hooks.OnPDUSent != nil {
		c.hooks.OnPDUSent()
	}
}

// --- Outbound: dynamic channel connect (BR/EDR and LE classic PSM) ---

// Connect opens a dynamic L2CAP channel to psm over conn and blocks until
// the peer accepts the local Configure-Request or ctx expires. It does
// not wait for the peer's own Configure-Request: if that has not arrived
// yet, the returned channel is still in StateConfig and becomes OPEN
// when it does. The PSM 0x0001 (SDP) "Authentication Pending" status is
// treated as a provisional response: the caller keeps waiting for the
// eventual success/failure Connection-Response rather than failing fast.
func (c *Core) Connect(ctx context.Context, conn *ACLConn, psm uint16) (*Channel, error) {
	localCID := conn.allocateDynamicCID(false)
	if localCID == 0 {
		return nil, ErrNoResources
	}
	ch := newChannel(conn, localCID, psm)
	ch.setState(StateWaitConnect)
	conn.addChannel(ch)

	ident := conn.nextIdentifier()
	w := c.sig.register(conn.Handle, ident)
	c.send(conn, conn.sigCID(), marshalSigPDU(sigConnectionRequest, ident, marshalConnectionRequest(psm, localCID)))
	ch.setState(StateWaitConnectRsp)

	for {
		resp, err := c.awaitSig(ctx, conn, ident, w)
		if err != nil {
			conn.removeChannel(localCID)
			return nil, err
		}
		cr, perr := parseConnectionResponse(resp)
		if perr != nil {
			conn.removeChannel(localCID)
			return nil, perr
		}
		switch cr.result {
		case ConnResultSuccess:
			ch.RemoteCID = cr.destCID
			return c.configureOutbound(ctx, conn, ch)
		case ConnResultPending:
			// Authentication Pending: the peer will send a further
			// Connection-Response on the same identifier once resolved.
			w = c.sig.register(conn.Handle, ident)
			continue
		default:
			conn.removeChannel(localCID)
			return nil, errors.Errorf("l2cap: connection refused, result=0x%04x", cr.result)
		}
	}
}

func (c *Core) awaitSig(ctx context.Context, conn *ACLConn, ident uint8, w *sigWaiter) ([]byte, error) {
	select {
	case resp, ok := <-w.done:
		if !ok || resp == nil {
			return nil, ErrDisconnected
		}
		return resp, nil
	case <-ctx.Done():
		c.sig.cancel(conn.Handle, ident)
		return nil, ctx.Err()
	}
}

// configureOutbound drives the bilateral configuration exchange once a
// Connection-Response with result Success has been received.
func (c *Core) configureOutbound(ctx context.Context, conn *ACLConn, ch *Channel) (*Channel, error) {
	ch.setState(StateConfig)

	ident := conn.nextIdentifier()
	w := c.sig.register(conn.Handle, ident)
	c.send(conn, conn.sigCID(), marshalSigPDU(sigConfigureRequest, ident, marshalConfigureRequestMTU(ch.RemoteCID, ch.LocalMTU())))

	resp, err := c.awaitSig(ctx, conn, ident, w)
	if err != nil {
		return nil, err
	}
	cfgResp, perr := parseConfigureResponse(resp)
	if perr != nil {
		return nil, perr
	}
	if cfgResp.result != 0 {
		return nil, errors.Errorf("l2cap: peer rejected configuration, result=0x%04x", cfgResp.result)
	}
	ch.markLocalConfigDone()

	if ch.configComplete() {
		ch.setState(StateOpen)
	}
	return ch, nil
}

// --- Inbound: responder side of dynamic channel open ---

func (c *Core) handleConnectionRequest(conn *ACLConn, ident uint8, data []byte) {
	req, err := parseConnectionRequest(data)
	if err != nil {
		c.log.WithError(err).Warn("malformed connection request")
		return
	}

	handler, ok := c.server(req.psm)
	if !ok {
		if req.psm == PSMSDP {
			// spec.md §4.3.2: SDP's well-known PSM always exists on a
			// compliant stack, so a miss here means the local SDP server
			// hasn't registered yet rather than that the PSM is unknown.
			// Reply PENDING/Authentication-Pending instead of rejecting.
			resp := connectionResponse{destCID: 0, sourceCID: req.sourceCID, result: ConnResultPending, status: ConnStatusAuthenticationPending}
			c.send(conn, conn.sigCID(), marshalSigPDU(sigConnectionResponse, ident, marshalConnectionResponse(resp)))
			return
		}
		resp := connectionResponse{destCID: 0, sourceCID: req.sourceCID, result: ConnResultPSMNotSupported}
		c.send(conn, conn.sigCID(), marshalSigPDU(sigConnectionResponse, ident, marshalConnectionResponse(resp)))
		return
	}

	localCID := conn.allocateDynamicCID(false)
	if localCID == 0 {
		resp := connectionResponse{destCID: 0, sourceCID: req.sourceCID, result: ConnResultNoResources}
		c.send(conn, conn.sigCID(), marshalSigPDU(sigConnectionResponse, ident, marshalConnectionResponse(resp)))
		return
	}

	ch := newChannel(conn, localCID, req.psm)
	ch.RemoteCID = req.sourceCID
	ch.setState(StateConfig)
	conn.addChannel(ch)

	resp := connectionResponse{destCID: localCID, sourceCID: req.sourceCID, result: ConnResultSuccess, status: ConnStatusNoInfo}
	c.send(conn, conn.sigCID(), marshalSigPDU(sigConnectionResponse, ident, marshalConnectionResponse(resp)))

	// Kick off our side of configuration immediately; the peer does the
	// same independently (spec.md §4.3.2 bilateral configuration).
	cfgIdent := conn.nextIdentifier()
	c.send(conn, conn.sigCID(), marshalSigPDU(sigConfigureRequest, cfgIdent, marshalConfigureRequestMTU(ch.RemoteCID, ch.LocalMTU())))

	go handler(ch)
}

func (c *Core) handleConfigureRequest(conn *ACLConn, ident uint8, data []byte) {
	req, err := parseConfigureRequest(data)
	if err != nil {
		c.log.WithError(err).Warn("malformed configure request")
		return
	}
	ch, ok := conn.channel(req.destCID)
	if !ok {
		return
	}
	if req.hasMTU {
		ch.setPeerMTU(req.mtu)
	}
	c.send(conn, conn.sigCID(), marshalSigPDU(sigConfigureResponse, ident, marshalConfigureResponseSuccess(ch.RemoteCID)))
	ch.markRemoteConfigDone()
	if ch.configComplete() {
		ch.setState(StateOpen)
	}
}

func (c *Core) handleDisconnectionRequest(conn *ACLConn, ident uint8, data []byte) {
	req, err := parseDisconnectRequest(data)
	if err != nil {
		return
	}
	ch, ok := conn.channel(req.destCID)
	if ok {
		ch.setState(StateClosed)
		ch.closeQueue()
		conn.removeChannel(req.destCID)
	}
	c.send(conn, conn.sigCID(), marshalSigPDU(sigDisconnectionResponse, ident, marshalDisconnectResponse(req.destCID, req.sourceCID)))
}

// Disconnect initiates a peer-visible close of a dynamic channel (spec.md
// §3 state lattice: OPEN/CONFIG → WAIT_DISCONNECT → CLOSED).
func (c *Core) Disconnect(ctx context.Context, ch *Channel) error {
	conn := ch.Conn
	ch.setState(StateWaitDisconnect)
	ident := conn.nextIdentifier()
	w := c.sig.register(conn.Handle, ident)
	c.send(conn, conn.sigCID(), marshalSigPDU(sigDisconnectionRequest, ident, marshalDisconnectRequest(ch.RemoteCID, ch.LocalCID)))

	_, err := c.awaitSig(ctx, conn, ident, w)
	ch.setState(StateClosed)
	ch.closeQueue()
	conn.removeChannel(ch.LocalCID)
	if err != nil {
		return err
	}
	return nil
}

// --- Information Request/Response (spec.md §4.3.4) ---

func (c *Core) handleInformationRequest(conn *ACLConn, ident uint8, data []byte) {
	req, err := parseInformationRequest(data)
	if err != nil {
		return
	}
	var payload []byte
	switch req.infoType {
	case InfoConnectionlessMTU:
		payload = make([]byte, 2)
		payload[0] = byte(ConnectionlessMTU)
		payload[1] = byte(ConnectionlessMTU >> 8)
	case InfoExtendedFeatures:
		// Bit 7: fixed channels supported. No other extended feature is
		// advertised (spec.md §4.3.4).
		payload = []byte{0x80, 0x00, 0x00, 0x00}
	case InfoFixedChannels:
		// Bitmap: bit 1 (CID 0x0001 signaling), bit 4 (CID 0x0004 ATT),
		// bit 5 (CID 0x0005 LE signaling) and bit 6 (CID 0x0006 SMP) are
		// always present for a stack offering GATT and pairing over
		// BR/EDR+LE (spec.md §4.3.4).
		payload = make([]byte, 8)
		payload[0] = 0x02 | 0x10 | 0x20 | 0x40
	default:
		c.send(conn, conn.sigCID(), marshalSigPDU(sigInformationResponse, ident, marshalInformationResponse(req.infoType, InfoResultNotSupported, nil)))
		return
	}
	c.send(conn, conn.sigCID(), marshalSigPDU(sigInformationResponse, ident, marshalInformationResponse(req.infoType, InfoResultSuccess, payload)))
}

// QueryInformation issues an Information Request and returns the raw
// response payload, used by SDP discovery and capability probing.
func (c *Core) QueryInformation(ctx context.Context, conn *ACLConn, infoType uint16) ([]byte, error) {
	ident := conn.nextIdentifier()
	w := c.sig.register(conn.Handle, ident)
	c.send(conn, conn.sigCID(), marshalSigPDU(sigInformationRequest, ident, marshalInformationRequest(infoType)))
	resp, err := c.awaitSig(ctx, conn, ident, w)
	if err != nil {
		return nil, err
	}
	ir, perr := parseInformationResponse(resp)
	if perr != nil {
		return nil, perr
	}
	if ir.result != InfoResultSuccess {
		return nil, errors.New("l2cap: information request not supported by peer")
	}
	return ir.data, nil
}

// --- LE Credit-Based Connections (spec.md §4.3.3) ---

// ConnectLE opens an LE Credit-Based Connection in a single round trip:
// request, then the peer's response carries its own MTU/MPS/credits.
func (c *Core) ConnectLE(ctx context.Context, conn *ACLConn, psm uint16, mtu, mps, credits uint16) (*Channel, error) {
	localCID := conn.allocateDynamicCID(true)
	if localCID == 0 {
		return nil, ErrNoResources
	}
	ch := newChannel(conn, localCID, psm)
	ch.CreditBased = true
	ch.localMTU = mtu
	ch.mps = mps
	ch.peerCredits = credits
	ch.setState(StateWaitConnectRsp)
	conn.addChannel(ch)

	ident := conn.nextIdentifier()
	w := c.sig.register(conn.Handle, ident)
	req := leCreditConnRequest{psm: psm, sourceCID: localCID, mtu: mtu, mps: mps, initialCredits: credits}
	c.send(conn, conn.sigCID(), marshalSigPDU(sigLECreditConnRequest, ident, marshalLECreditConnRequest(req)))

	resp, err := c.awaitSig(ctx, conn, ident, w)
	if err != nil {
		conn.removeChannel(localCID)
		return nil, err
	}
	cr, perr := parseLECreditConnResponse(resp)
	if perr != nil {
		conn.removeChannel(localCID)
		return nil, perr
	}
	if cr.result != ConnResultSuccess {
		conn.removeChannel(localCID)
		return nil, errors.Errorf("l2cap: LE credit connection refused, result=0x%04x", cr.result)
	}
	ch.RemoteCID = cr.destCID
	ch.setPeerMTU(cr.mtu)
	ch.mps = cr.mps
	ch.refillCredits(cr.initialCredits)
	ch.setState(StateOpen)
	return ch, nil
}

func (c *Core) handleLECreditConnRequest(conn *ACLConn, ident uint8, data []byte) {
	req, err := parseLECreditConnRequest(data)
	if err != nil {
		return
	}
	handler, ok := c.server(req.psm)
	if !ok {
		resp := leCreditConnResponse{result: ConnResultPSMNotSupported}
		c.send(conn, conn.sigCID(), marshalSigPDU(sigLECreditConnResponse, ident, marshalLECreditConnResponse(resp)))
		return
	}
	localCID := conn.allocateDynamicCID(true)
	if localCID == 0 {
		resp := leCreditConnResponse{result: ConnResultNoResources}
		c.send(conn, conn.sigCID(), marshalSigPDU(sigLECreditConnResponse, ident, marshalLECreditConnResponse(resp)))
		return
	}

	ch := newChannel(conn, localCID, req.psm)
	ch.CreditBased = true
	ch.localMTU = DefaultMTU
	ch.mps = req.mps
	ch.peerCredits = DefaultLECredits
	ch.RemoteCID = req.sourceCID
	ch.setPeerMTU(req.mtu)
	ch.localCredits = req.initialCredits
	ch.setState(StateOpen)
	conn.addChannel(ch)

	resp := leCreditConnResponse{
		destCID:        localCID,
		mtu:            ch.localMTU,
		mps:            ch.mps,
		initialCredits: ch.peerCredits,
		result:         ConnResultSuccess,
	}
	c.send(conn, conn.sigCID(), marshalSigPDU(sigLECreditConnResponse, ident, marshalLECreditConnResponse(resp)))
	go handler(ch)
}

func (c *Core) handleFlowControlCredit(conn *ACLConn, data []byte) {
	f, err := parseFlowControlCredit(data)
	if err != nil {
		return
	}
	ch, ok := conn.channel(f.cid)
	if !ok {
		return
	}
	ch.refillCredits(f.credits)
}

// grantCredits tops up the peer's send window once it has dropped below
// half the initial allotment (spec.md §4.3.3), used by the LE CoC reader
// after delivering an SDU.
func (c *Core) grantCredits(ch *Channel, n uint16) {
	conn := ch.Conn
	ch.mu.Lock()
	ch.peerCredits += n
	ch.mu.Unlock()
	c.send(conn, conn.sigCID(), marshalSigPDU(sigFlowControlCredit, conn.nextIdentifier(), marshalFlowControlCredit(flowControlCredit{cid: ch.RemoteCID, credits: n})))
	if c.hooks.OnCreditRefill != nil {
		c.hooks.OnCreditRefill(ch)
	}
}

// WriteLE sends sdu over a credit-based channel, consuming one local
// credit. Returns an error without sending if no credit is currently
// available; callers needing to block should watch for a Flow-Control-
// Credit-Ind via refillCredits before retrying (spec.md §4.3.3).
func (c *Core) WriteLE(ch *Channel, sdu []byte) error {
	if !ch.consumeCredit() {
		return errors.New("l2cap: no credits available on this channel")
	}
	c.send(ch.Conn, ch.RemoteCID, sdu)
	return nil
}

// Write sends data on a basic (non-credit-based) connection-oriented
// channel, fragmenting across the peer MTU is the caller's
// responsibility (handled by pdu.Writer-based callers such as att/rfcomm).
// The destination CID is the peer's own channel id (spec.md §3: the
// L2CAP basic header's CID field always addresses the receiver's side).
func (c *Core) Write(ch *Channel, data []byte) {
	c.send(ch.Conn, ch.RemoteCID, data)
}
