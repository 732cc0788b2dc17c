package att

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/courierstack/courierstack/l2cap"
	"github.com/courierstack/courierstack/pdu"
	"github.com/courierstack/courierstack/uuid"
)

// Server owns one shared attribute Table and a Connection per attached
// ACL, dispatching inbound ATT requests to table-driven handlers (spec.md
// §4.4). Grounded on the teacher's l2cap.handleReq and its
// handleMTU/handleFindInfo/handleFindByType/handleReadByType/handleRead/
// handleReadByGroup/handleWrite, generalized from a single fixed pipe per
// process to one Connection per l2cap.ACLConn.
type Server struct {
	table *Table
	core  *l2cap.Core
	log   *logrus.Entry

	mu    sync.Mutex
	conns map[uint16]*Connection // ACL handle -> Connection

	// OnConnOpened/OnConnClosed are optional observers for the metrics
	// package's GATT-connection-count gauge, mirroring l2cap.ConnHooks
	// so att need not import metrics.
	OnConnOpened func(handle uint16)
	OnConnClosed func(handle uint16)
}

// NewServer attaches a GATT server backed by table to core's fixed ATT
// channel (CID 0x0004).
func NewServer(core *l2cap.Core, table *Table, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		table: table,
		core:  core,
		log:   log.WithField("component", "att"),
		conns: make(map[uint16]*Connection),
	}
	core.RegisterFixedChannel(l2cap.CIDATT, s.handleACL)
	return s
}

func (s *Server) handleACL(acl *l2cap.ACLConn, sdu []byte) {
	if len(sdu) == 0 {
		return
	}
	conn := s.connFor(acl)
	conn.deliver(sdu)
}

// connFor returns the Connection for acl, creating one on first use.
func (s *Server) connFor(acl *l2cap.ACLConn) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[acl.Handle]
	if !ok {
		c = newConnection(acl, s.core, s.table, s.log)
		s.conns[acl.Handle] = c
		if s.OnConnOpened != nil {
			s.OnConnOpened(acl.Handle)
		}
	}
	return c
}

// Connection returns the Connection for acl, creating one on first use.
// Exported so a Client can issue requests on the same per-ACL dispatch
// a Server would otherwise drive — a single Connection per ACL handles
// both the local (server) and remote (client) GATT roles, since both
// share the one ATT fixed channel.
func (s *Server) Connection(acl *l2cap.ACLConn) *Connection {
	return s.connFor(acl)
}

// Close tears down the Connection tracked for handle, e.g. after observing
// Disconnection-Complete.
func (s *Server) Close(handle uint16) {
	s.mu.Lock()
	c, ok := s.conns[handle]
	delete(s.conns, handle)
	s.mu.Unlock()
	if ok {
		c.close()
		if s.OnConnClosed != nil {
			s.OnConnClosed(handle)
		}
	}
}

// handlePDU is the server+client combined dispatch for one connection:
// response/confirmation opcodes resolve a local waiter; request opcodes
// are served from the table; notify/indicate opcodes fan out to the
// registered NotificationHandler (spec.md §4.4: "immediate
// confirmation-before-listener-delivery for indications").
func (c *Connection) handlePDU(b []byte) {
	op := b[0]
	body := b[1:]

	switch op {
	case OpError, OpMTUResp, OpFindInfoResp, OpFindByTypeResp, OpReadByTypeResp,
		OpReadResp, OpReadBlobResp, OpReadMultiResp, OpReadByGroupResp,
		OpWriteResp, OpPrepWriteResp, OpExecWriteResp:
		c.resolveRequest(b)
		return

	case OpHandleCnf:
		c.resolveIndicateConfirm()
		return

	case OpHandleNotify:
		if len(body) >= 2 {
			handle := uint16(body[0]) | uint16(body[1])<<8
			if c.onNotify != nil {
				c.onNotify(handle, body[2:], false)
			}
		}
		return

	case OpHandleInd:
		if len(body) >= 2 {
			handle := uint16(body[0]) | uint16(body[1])<<8
			// Confirm immediately, before delivering to the listener
			// (spec.md §4.4): the peer is entitled to send its next
			// indication as soon as the confirmation arrives.
			c.sendPDU([]byte{OpHandleCnf})
			if c.onNotify != nil {
				c.onNotify(handle, body[2:], true)
			}
		}
		return

	case OpMTUReq:
		c.sendPDU(c.handleMTU(body))
	case OpFindInfoReq:
		c.sendPDU(c.handleFindInfo(body))
	case OpFindByTypeReq:
		c.sendPDU(c.handleFindByType(body))
	case OpReadByTypeReq:
		c.sendPDU(c.handleReadByType(body))
	case OpReadReq, OpReadBlobReq:
		c.sendPDU(c.handleRead(op, body))
	case OpReadByGroupReq:
		c.sendPDU(c.handleReadByGroup(body))
	case OpWriteReq, OpWriteCmd:
		if resp := c.handleWrite(op, body); resp != nil {
			c.sendPDU(resp)
		}
	default:
		c.sendPDU(marshalErrorResp(op, 0x0000, EcodeReqNotSupp))
	}
}

func (c *Connection) resolveIndicateConfirm() {
	c.indicateMu.Lock()
	w := c.indicateWait
	c.indicateWait = nil
	c.indicateMu.Unlock()
	if w != nil {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (c *Connection) handleMTU(b []byte) []byte {
	if len(b) < 2 {
		return marshalErrorResp(OpMTUReq, 0, EcodeInvalidPDU)
	}
	peer := uint16(b[0]) | uint16(b[1])<<8
	negotiated := peer
	if negotiated < defaultMTU {
		negotiated = defaultMTU
	}
	c.setMTU(negotiated)
	return []byte{OpMTUResp, byte(c.MTU()), byte(c.MTU() >> 8)}
}

func (c *Connection) handleFindInfo(b []byte) []byte {
	start, end, err := readHandleRange(b)
	if err != nil {
		return marshalErrorResp(OpFindInfoReq, 0, EcodeInvalidPDU)
	}

	w := pdu.NewWriter(int(c.MTU()))
	w.WriteByteFit(OpFindInfoResp)
	uuidLen := -1
	for _, a := range c.table.subrange(start, end) {
		var u uuid.UUID
		switch a.kind {
		case kindService:
			u = uuid.PrimaryService
		case kindIncludedService:
			u = uuid.SecondaryService
		case kindCharacteristic:
			u = uuid.Characteristic
		case kindCharacteristicValue, kindDescriptor:
			u = a.uuid
		default:
			continue
		}

		if uuidLen == -1 {
			uuidLen = u.Len()
			if uuidLen == 2 {
				w.WriteByteFit(0x01)
			} else {
				w.WriteByteFit(0x02)
			}
		}
		if u.Len() != uuidLen {
			break
		}

		w.Chunk()
		w.WriteUint16Fit(a.handle)
		w.WriteFit(u.Bytes())
		if ok := w.Commit(); !ok {
			break
		}
	}

	if uuidLen == -1 {
		return marshalErrorResp(OpFindInfoReq, start, EcodeAttrNotFound)
	}
	return w.Bytes()
}

func (c *Connection) handleFindByType(b []byte) []byte {
	start, end, err := readHandleRange(b)
	if err != nil || len(b) < 6 {
		return marshalErrorResp(OpFindByTypeReq, 0, EcodeInvalidPDU)
	}
	typeUUID, _ := uuidFromWire(b[4:6])
	if !typeUUID.Equal(uuid.PrimaryService) {
		return marshalErrorResp(OpFindByTypeReq, start, EcodeAttrNotFound)
	}
	value, err := uuidFromWire(b[6:])
	if err != nil {
		return marshalErrorResp(OpFindByTypeReq, start, EcodeInvalidPDU)
	}

	w := pdu.NewWriter(int(c.MTU()))
	w.WriteByteFit(OpFindByTypeResp)

	var wrote bool
	for _, a := range c.table.subrange(start, end) {
		if a.kind != kindService || !a.uuid.Equal(value) {
			continue
		}
		w.Chunk()
		w.WriteUint16Fit(a.handle)
		w.WriteUint16Fit(a.endGroup)
		if ok := w.Commit(); !ok {
			break
		}
		wrote = true
	}

	if !wrote {
		return marshalErrorResp(OpFindByTypeReq, start, EcodeAttrNotFound)
	}
	return w.Bytes()
}

func (c *Connection) handleReadByType(b []byte) []byte {
	start, end, err := readHandleRange(b)
	if err != nil {
		return marshalErrorResp(OpReadByTypeReq, 0, EcodeInvalidPDU)
	}
	typeUUID, err := uuidFromWire(b[4:])
	if err != nil {
		return marshalErrorResp(OpReadByTypeReq, start, EcodeInvalidPDU)
	}

	if typeUUID.Equal(uuid.Characteristic) {
		w := pdu.NewWriter(int(c.MTU()))
		w.WriteByteFit(OpReadByTypeResp)
		uuidLen := -1
		for _, a := range c.table.subrange(start, end) {
			if a.kind != kindCharacteristic {
				continue
			}
			if uuidLen == -1 {
				uuidLen = a.uuid.Len()
				w.WriteByteFit(byte(uuidLen + 5))
			}
			if a.uuid.Len() != uuidLen {
				break
			}
			w.Chunk()
			w.WriteUint16Fit(a.handle)
			w.WriteByteFit(a.props)
			w.WriteUint16Fit(a.valueHandle)
			w.WriteFit(a.uuid.Bytes())
			if ok := w.Commit(); !ok {
				break
			}
		}
		if uuidLen == -1 {
			return marshalErrorResp(OpReadByTypeReq, start, EcodeAttrNotFound)
		}
		return w.Bytes()
	}

	var target *attribute
	for _, a := range c.table.subrange(start, end) {
		if (a.kind == kindCharacteristicValue || a.kind == kindDescriptor) && a.uuid.Equal(typeUUID) {
			target = a
			break
		}
	}
	if target == nil {
		return marshalErrorResp(OpReadByTypeReq, start, EcodeAttrNotFound)
	}
	if target.secure&CharRead != 0 {
		return marshalErrorResp(OpReadByTypeReq, start, EcodeAuthentication)
	}

	data, status := c.readValue(target, 0, int(c.MTU())-4)
	if status != EcodeSuccess {
		return marshalErrorResp(OpReadByTypeReq, target.handle, status)
	}

	w := pdu.NewWriter(int(c.MTU()))
	datalen := w.Writeable(4, data)
	w.WriteByteFit(OpReadByTypeResp)
	w.WriteByteFit(byte(datalen + 2))
	w.WriteUint16Fit(target.handle)
	w.WriteFit(data)
	return w.Bytes()
}

func (c *Connection) handleRead(op uint8, b []byte) []byte {
	if len(b) < 2 {
		return marshalErrorResp(op, 0, EcodeInvalidPDU)
	}
	handle := uint16(b[0]) | uint16(b[1])<<8
	var offset int
	if op == OpReadBlobReq {
		if len(b) < 4 {
			return marshalErrorResp(op, handle, EcodeInvalidPDU)
		}
		offset = int(uint16(b[2]) | uint16(b[3])<<8)
	}
	respType := respFor[op]

	a, ok := c.table.at(handle)
	if !ok {
		return marshalErrorResp(op, handle, EcodeInvalidHandle)
	}

	w := pdu.NewWriter(int(c.MTU()))
	w.WriteByteFit(respType)
	w.Chunk()

	switch a.kind {
	case kindService, kindIncludedService:
		w.WriteFit(a.uuid.Bytes())
	case kindCharacteristic:
		w.WriteByteFit(a.props)
		w.WriteUint16Fit(a.valueHandle)
		w.WriteFit(a.uuid.Bytes())
	case kindCharacteristicValue, kindDescriptor:
		if a.kind == kindCharacteristicValue && a.props&CharRead == 0 {
			return marshalErrorResp(op, handle, EcodeReadNotPerm)
		}
		if a.secure&CharRead != 0 {
			return marshalErrorResp(op, handle, EcodeAuthentication)
		}
		data, status := c.readValue(a, offset, int(c.MTU())-1)
		if status != EcodeSuccess {
			return marshalErrorResp(op, handle, status)
		}
		w.WriteFit(data)
		offset = 0 // readValue already applied the offset
	default:
		return marshalErrorResp(op, handle, EcodeInvalidHandle)
	}

	if ok := w.ChunkSeek(offset); !ok {
		return marshalErrorResp(op, handle, EcodeInvalidOffset)
	}
	w.CommitFit()
	return w.Bytes()
}

// readValue serves a. value statically if set, otherwise calls its
// ReadFunc (spec.md §4.4: "long-read via Read-Blob-Request chaining" —
// the ReadFunc contract takes offset/maxLen so callers can stream a
// value across several blob reads without materializing it twice).
func (c *Connection) readValue(a *attribute, offset, maxLen int) ([]byte, uint8) {
	if a.value != nil {
		if offset > len(a.value) {
			return nil, EcodeInvalidOffset
		}
		end := len(a.value)
		if end-offset > maxLen {
			end = offset + maxLen
		}
		return a.value[offset:end], EcodeSuccess
	}
	if a.read == nil {
		return nil, EcodeReadNotPerm
	}
	return a.read(offset, maxLen)
}

func (c *Connection) handleReadByGroup(b []byte) []byte {
	start, end, err := readHandleRange(b)
	if err != nil {
		return marshalErrorResp(OpReadByGroupReq, 0, EcodeInvalidPDU)
	}
	typeUUID, err := uuidFromWire(b[4:])
	if err != nil {
		return marshalErrorResp(OpReadByGroupReq, start, EcodeInvalidPDU)
	}

	var kind attrKind
	switch {
	case typeUUID.Equal(uuid.PrimaryService):
		kind = kindService
	case typeUUID.Equal(uuid.SecondaryService):
		kind = kindIncludedService
	default:
		return marshalErrorResp(OpReadByGroupReq, start, EcodeUnsuppGrpType)
	}

	w := pdu.NewWriter(int(c.MTU()))
	w.WriteByteFit(OpReadByGroupResp)
	uuidLen := -1
	for _, a := range c.table.subrange(start, end) {
		if a.kind != kind {
			continue
		}
		if uuidLen == -1 {
			uuidLen = a.uuid.Len()
			w.WriteByteFit(byte(uuidLen + 4))
		}
		if uuidLen != a.uuid.Len() {
			break
		}
		w.Chunk()
		w.WriteUint16Fit(a.handle)
		w.WriteUint16Fit(a.endGroup)
		w.WriteFit(a.uuid.Bytes())
		if ok := w.Commit(); !ok {
			break
		}
	}
	if uuidLen == -1 {
		return marshalErrorResp(OpReadByGroupReq, start, EcodeAttrNotFound)
	}
	return w.Bytes()
}

func (c *Connection) handleWrite(op uint8, b []byte) []byte {
	if len(b) < 2 {
		return marshalErrorResp(op, 0, EcodeInvalidPDU)
	}
	handle := uint16(b[0]) | uint16(b[1])<<8
	data := b[2:]
	noResp := op == OpWriteCmd

	a, ok := c.table.at(handle)
	if !ok {
		if noResp {
			return nil
		}
		return marshalErrorResp(op, handle, EcodeInvalidHandle)
	}

	if a.uuid.Equal(uuid.ClientCharacteristicConfig) && a.kind == kindDescriptor {
		return c.handleCCCDWrite(op, a, data, noResp)
	}

	flag := CharWrite
	if noResp {
		flag = CharWriteNR
	}
	if a.props&flag == 0 && a.kind == kindCharacteristicValue {
		if noResp {
			return nil
		}
		return marshalErrorResp(op, handle, EcodeWriteNotPerm)
	}
	if a.secure&flag != 0 {
		if noResp {
			return nil
		}
		return marshalErrorResp(op, handle, EcodeAuthentication)
	}
	if a.write == nil {
		if noResp {
			return nil
		}
		return marshalErrorResp(op, handle, EcodeWriteNotPerm)
	}

	status := a.write(data, noResp)
	if noResp {
		return nil
	}
	if status != EcodeSuccess {
		return marshalErrorResp(op, handle, status)
	}
	return []byte{OpWriteResp}
}

// handleCCCDWrite stores subscription state per-connection (spec.md's
// supplemented CCCD model) rather than in the shared table row.
func (c *Connection) handleCCCDWrite(op uint8, a *attribute, data []byte, noResp bool) []byte {
	if len(data) != 2 {
		if noResp {
			return nil
		}
		return marshalErrorResp(op, a.handle, EcodeInvalAttrValueLen)
	}
	bits := uint16(data[0]) | uint16(data[1])<<8

	c.cccdMu.Lock()
	c.cccd[a.handle] = bits
	c.cccdMu.Unlock()

	if noResp {
		return nil
	}
	return []byte{OpWriteResp}
}

// Subscription reports the current notify/indicate bits this connection
// has enabled for the CCCD at descriptorHandle.
func (c *Connection) Subscription(descriptorHandle uint16) uint16 {
	c.cccdMu.Lock()
	defer c.cccdMu.Unlock()
	return c.cccd[descriptorHandle]
}
