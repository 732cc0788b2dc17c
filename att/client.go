package att

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/courierstack/courierstack/l2cap"
	"github.com/courierstack/courierstack/pdu"
	"github.com/courierstack/courierstack/uuid"
)

// DefaultRequestTimeout bounds a single ATT request/response round trip.
const DefaultRequestTimeout = 5 * time.Second

// Client wraps a Connection with the request-initiating operations of a
// GATT client: MTU exchange, 3-phase discovery, reads (including long
// reads via Read-Blob-Request chaining), writes, and CCCD subscription.
// Grounded on the same opcode set as the server half, generalizing the
// teacher's peripheral-only role to also act as a central.
type Client struct {
	conn *Connection
}

// NewClient wraps a Connection on the ATT fixed channel of an
// established ACL (the caller obtains it from Server.Connection for
// the l2cap.ACLConn).
func NewClient(conn *Connection) *Client {
	return &Client{conn: conn}
}

// ServiceInfo is one discovered Primary/Secondary Service (phase 1).
type ServiceInfo struct {
	Handle    uint16
	EndHandle uint16
	UUID      uuid.UUID
}

// CharacteristicInfo is one discovered characteristic (phase 2).
type CharacteristicInfo struct {
	DeclHandle  uint16
	ValueHandle uint16
	Props       uint8
	UUID        uuid.UUID
}

// DescriptorInfo is one discovered descriptor (phase 3).
type DescriptorInfo struct {
	Handle uint16
	UUID   uuid.UUID
}

// ExchangeMTU negotiates ATT_MTU as the client (spec.md §4.4).
func (cl *Client) ExchangeMTU(ctx context.Context, preferred uint16) (uint16, error) {
	req := []byte{OpMTUReq, byte(preferred), byte(preferred >> 8)}
	resp, err := cl.conn.request(ctx, req, DefaultRequestTimeout)
	if err != nil {
		return 0, err
	}
	if len(resp) < 3 {
		return 0, errors.New("att: malformed MTU response")
	}
	negotiated := uint16(resp[1]) | uint16(resp[2])<<8
	if negotiated > preferred {
		negotiated = preferred
	}
	if negotiated < defaultMTU {
		negotiated = defaultMTU
	}
	cl.conn.setMTU(negotiated)
	return negotiated, nil
}

// DiscoverServices is phase 1: repeated Read-By-Group-Type requests for
// the Primary Service UUID, advancing past each group until
// Attribute-Not-Found ends discovery (spec.md §4.4).
func (cl *Client) DiscoverServices(ctx context.Context) ([]ServiceInfo, error) {
	var out []ServiceInfo
	start := uint16(1)
	for start <= 0xFFFF {
		w := pdu.NewWriter(6)
		w.WriteByteFit(OpReadByGroupReq)
		w.WriteUint16Fit(start)
		w.WriteUint16Fit(0xFFFF)
		w.WriteFit(uuid.PrimaryService.Bytes())

		resp, err := cl.conn.request(ctx, w.Bytes(), DefaultRequestTimeout)
		if err != nil {
			if isAttrNotFound(err) {
				break
			}
			return out, err
		}
		entries, entryLen, err := parseGroupList(resp)
		if err != nil || len(entries) == 0 {
			break
		}
		var last uint16
		for _, e := range entries {
			u, _ := uuidFromWire(e[4:entryLen])
			out = append(out, ServiceInfo{
				Handle:    uint16(e[0]) | uint16(e[1])<<8,
				EndHandle: uint16(e[2]) | uint16(e[3])<<8,
				UUID:      u,
			})
			last = uint16(e[2]) | uint16(e[3])<<8
		}
		if last == 0xFFFF {
			break
		}
		start = last + 1
	}
	return out, nil
}

func parseGroupList(resp []byte) (entries [][]byte, entryLen int, err error) {
	if len(resp) < 2 {
		return nil, 0, errors.New("att: malformed read-by-group response")
	}
	entryLen = int(resp[1])
	body := resp[2:]
	if entryLen <= 4 || len(body)%entryLen != 0 {
		return nil, 0, errors.New("att: malformed read-by-group entry length")
	}
	for i := 0; i < len(body); i += entryLen {
		entries = append(entries, body[i:i+entryLen])
	}
	return entries, entryLen, nil
}

// DiscoverCharacteristics is phase 2, scoped to one service's handle
// range: repeated Read-By-Type requests for the Characteristic UUID.
func (cl *Client) DiscoverCharacteristics(ctx context.Context, svc ServiceInfo) ([]CharacteristicInfo, error) {
	var out []CharacteristicInfo
	start := svc.Handle + 1
	for start <= svc.EndHandle {
		w := pdu.NewWriter(6)
		w.WriteByteFit(OpReadByTypeReq)
		w.WriteUint16Fit(start)
		w.WriteUint16Fit(svc.EndHandle)
		w.WriteFit(uuid.Characteristic.Bytes())

		resp, err := cl.conn.request(ctx, w.Bytes(), DefaultRequestTimeout)
		if err != nil {
			if isAttrNotFound(err) {
				break
			}
			return out, err
		}
		if len(resp) < 2 {
			break
		}
		entryLen := int(resp[1])
		body := resp[2:]
		if entryLen < 5 || len(body)%entryLen != 0 {
			break
		}
		var last uint16
		for i := 0; i < len(body); i += entryLen {
			e := body[i : i+entryLen]
			u, _ := uuidFromWire(e[5:entryLen])
			decl := uint16(e[0]) | uint16(e[1])<<8
			out = append(out, CharacteristicInfo{
				DeclHandle:  decl,
				Props:       e[2],
				ValueHandle: uint16(e[3]) | uint16(e[4])<<8,
				UUID:        u,
			})
			last = decl
		}
		if last >= svc.EndHandle {
			break
		}
		start = last + 1
	}
	return out, nil
}

// DiscoverDescriptors is phase 3, scoped to the handle range between a
// characteristic's value handle and the next characteristic (or the end
// of its service): Find-Information requests.
func (cl *Client) DiscoverDescriptors(ctx context.Context, valueHandle, rangeEnd uint16) ([]DescriptorInfo, error) {
	var out []DescriptorInfo
	start := valueHandle + 1
	for start <= rangeEnd {
		w := pdu.NewWriter(6)
		w.WriteByteFit(OpFindInfoReq)
		w.WriteUint16Fit(start)
		w.WriteUint16Fit(rangeEnd)

		resp, err := cl.conn.request(ctx, w.Bytes(), DefaultRequestTimeout)
		if err != nil {
			if isAttrNotFound(err) {
				break
			}
			return out, err
		}
		if len(resp) < 2 {
			break
		}
		format := resp[1]
		body := resp[2:]
		entryLen := 4
		if format == 0x02 {
			entryLen = 18
		}
		if len(body)%entryLen != 0 {
			break
		}
		var last uint16
		for i := 0; i < len(body); i += entryLen {
			e := body[i : i+entryLen]
			handle := uint16(e[0]) | uint16(e[1])<<8
			u, _ := uuidFromWire(e[2:entryLen])
			out = append(out, DescriptorInfo{Handle: handle, UUID: u})
			last = handle
		}
		if last >= rangeEnd {
			break
		}
		start = last + 1
	}
	return out, nil
}

// Read issues a Read-Request, transparently chaining Read-Blob-Requests
// while the response exactly fills the current MTU, i.e. a long value
// (spec.md §4.4: "long-read via Read-Blob-Request chaining").
func (cl *Client) Read(ctx context.Context, handle uint16) ([]byte, error) {
	req := []byte{OpReadReq, byte(handle), byte(handle >> 8)}
	resp, err := cl.conn.request(ctx, req, DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	value := append([]byte(nil), resp[1:]...)

	for len(resp)-1 == int(cl.conn.MTU())-1 {
		blobReq := []byte{OpReadBlobReq, byte(handle), byte(handle >> 8), byte(len(value)), byte(len(value) >> 8)}
		resp, err = cl.conn.request(ctx, blobReq, DefaultRequestTimeout)
		if err != nil {
			if isInvalidOffset(err) && len(value) > 0 {
				break
			}
			return value, err
		}
		if len(resp) <= 1 {
			break
		}
		value = append(value, resp[1:]...)
	}
	return value, nil
}

// Write issues a Write-Request and waits for Write-Response.
func (cl *Client) Write(ctx context.Context, handle uint16, data []byte) error {
	w := pdu.NewWriter(int(cl.conn.MTU()))
	w.WriteByteFit(OpWriteReq)
	w.WriteUint16Fit(handle)
	w.WriteFit(data)
	_, err := cl.conn.request(ctx, w.Bytes(), DefaultRequestTimeout)
	return err
}

// WriteCommand sends a Write-Command, which carries no response.
func (cl *Client) WriteCommand(handle uint16, data []byte) {
	w := pdu.NewWriter(int(cl.conn.MTU()))
	w.WriteByteFit(OpWriteCmd)
	w.WriteUint16Fit(handle)
	w.WriteFit(data)
	cl.conn.sendPDU(w.Bytes())
}

// Subscribe writes the CCCD at cccdHandle to enable notifications,
// indications, or neither.
func (cl *Client) Subscribe(ctx context.Context, cccdHandle uint16, notify, indicate bool) error {
	var bits uint16
	if notify {
		bits |= CCCNotify
	}
	if indicate {
		bits |= CCCIndicate
	}
	return cl.Write(ctx, cccdHandle, []byte{byte(bits), byte(bits >> 8)})
}

// NewClientFor wraps the Server's Connection for acl in a Client. This
// is the normal way to start a GATT client discovery session against a
// remote peripheral: the local Server's (possibly empty) attribute
// table continues to answer any inbound requests from that same peer on
// the same Connection.
func NewClientFor(server *Server, acl *l2cap.ACLConn) *Client {
	return NewClient(server.Connection(acl))
}

func isAttrNotFound(err error) bool {
	ae, ok := err.(*AttrError)
	return ok && ae.Code == EcodeAttrNotFound
}

func isInvalidOffset(err error) bool {
	ae, ok := err.(*AttrError)
	return ok && ae.Code == EcodeInvalidOffset
}
