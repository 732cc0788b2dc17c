package sdp

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/courierstack/courierstack/l2cap"
	"github.com/courierstack/courierstack/uuid"
)

// DefaultRequestTimeout bounds one SDP request/response round trip.
const DefaultRequestTimeout = 5 * time.Second

// maxAttributeByteCount is the response-size cap offered in every
// ServiceSearchAttributeRequest; large records are retrieved across
// several requests via the continuation state.
const maxAttributeByteCount = 512

// ErrServiceNotFound is returned when a query's search pattern matches
// no service record.
var ErrServiceNotFound = errors.New("sdp: no matching service record")

// Client issues SDP queries over an already-open L2CAP channel to PSM
// 0x0001. Grounded on the same request/waiter shape as
// att.Connection.request and l2cap.signaling (a transaction-ID-keyed
// table rather than att's single in-flight slot, since SDP transaction
// IDs are free-running per the Core Spec).
type Client struct {
	ch   *l2cap.Channel
	core *l2cap.Core
	log  *logrus.Entry

	mu      sync.Mutex
	nextTID uint16
	waiters map[uint16]chan []byte
}

// NewClient wraps an open L2CAP channel (from core.Connect(ctx, conn,
// l2cap.PSMSDP)) as an SDP client and starts its receive loop.
func NewClient(core *l2cap.Core, ch *l2cap.Channel, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		ch:      ch,
		core:    core,
		log:     log.WithField("component", "sdp"),
		waiters: make(map[uint16]chan []byte),
	}
	go c.run()
	return c
}

func (c *Client) run() {
	for {
		b, ok := c.ch.Recv()
		if !ok {
			c.abortAll()
			return
		}
		h, body, err := parsePDUHeader(b)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed SDP PDU")
			continue
		}
		c.resolve(h.tid, append([]byte{h.id}, body...))
	}
}

func (c *Client) register() (uint16, chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tid := c.nextTID
	c.nextTID++
	w := make(chan []byte, 1)
	c.waiters[tid] = w
	return tid, w
}

func (c *Client) resolve(tid uint16, payload []byte) {
	c.mu.Lock()
	w, ok := c.waiters[tid]
	if ok {
		delete(c.waiters, tid)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w <- payload:
	default:
	}
}

func (c *Client) abortAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tid, w := range c.waiters {
		delete(c.waiters, tid)
		close(w)
	}
}

func (c *Client) request(ctx context.Context, pduID uint8, params []byte) ([]byte, error) {
	tid, w := c.register()
	c.core.Write(c.ch, marshalPDU(pduID, tid, params))

	select {
	case resp, ok := <-w:
		if !ok {
			return nil, errors.New("sdp: channel closed while awaiting response")
		}
		if resp[0] == PDUErrorResponse {
			if len(resp) < 3 {
				return nil, errors.New("sdp: malformed error response")
			}
			code := uint16(resp[1])<<8 | uint16(resp[2])
			return nil, errors.Errorf("sdp: error response code=0x%04x", code)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ServiceSearchAttribute issues a full ServiceSearchAttributeRequest,
// transparently looping on the continuation state until the complete
// attribute-list sequence has been retrieved.
func (c *Client) ServiceSearchAttribute(ctx context.Context, pattern []uuid.UUID, attrIDRange [2]uint16) (Element, error) {
	var patternElems []byte
	for _, u := range pattern {
		patternElems = append(patternElems, MarshalUUID(u)...)
	}
	searchPattern := MarshalSequence(patternElems)

	attrList := MarshalSequence(append(MarshalUint16(attrIDRange[0]), MarshalUint16(attrIDRange[1])...))

	var full []byte
	var continuation []byte
	for {
		params := marshalServiceSearchAttributeRequest(searchPattern, maxAttributeByteCount, attrList, continuation)
		resp, err := c.request(ctx, PDUServiceSearchAttributeRequest, params)
		if err != nil {
			return Element{}, err
		}
		attrBytes, nextCont, err := parseServiceSearchAttributeResponse(resp[1:])
		if err != nil {
			return Element{}, err
		}
		full = append(full, attrBytes...)
		if len(nextCont) == 0 {
			break
		}
		continuation = nextCont
	}

	elem, _, err := ParseElement(full)
	return elem, err
}

// QueryRFCOMMChannel resolves svc to the RFCOMM server channel number
// advertised in its ProtocolDescriptorList attribute — the lookup
// `connect_by_uuid` needs (spec.md §8 scenario 5).
func (c *Client) QueryRFCOMMChannel(ctx context.Context, svc uuid.UUID) (uint8, error) {
	top, err := c.ServiceSearchAttribute(ctx, []uuid.UUID{svc}, [2]uint16{AttrProtocolDescriptorList, AttrProtocolDescriptorList})
	if err != nil {
		return 0, err
	}
	for _, record := range top.Seq {
		for i := 0; i+1 < len(record.Seq); i += 2 {
			idElem := record.Seq[i]
			id, err := idElem.AsUint()
			if err != nil || uint16(id) != AttrProtocolDescriptorList {
				continue
			}
			if ch, ok := extractRFCOMMChannel(record.Seq[i+1]); ok {
				return ch, nil
			}
		}
	}
	return 0, ErrServiceNotFound
}

func extractRFCOMMChannel(pdList Element) (uint8, bool) {
	for _, proto := range pdList.Seq {
		if len(proto.Seq) == 0 {
			continue
		}
		u, err := proto.Seq[0].AsUUID()
		if err != nil {
			continue
		}
		v, ok := u.Short16()
		if !ok || v != ProtocolRFCOMM {
			continue
		}
		if len(proto.Seq) < 2 {
			continue
		}
		ch, err := proto.Seq[1].AsUint()
		if err != nil {
			continue
		}
		return uint8(ch), true
	}
	return 0, false
}
