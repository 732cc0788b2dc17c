package sdp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierstack/courierstack/hci"
	"github.com/courierstack/courierstack/l2cap"
	"github.com/courierstack/courierstack/transport"
	"github.com/courierstack/courierstack/uuid"
)

// fakePipe mirrors the double used throughout hci/l2cap/att/rfcomm tests.
type fakePipe struct {
	sent   chan transport.Frame
	inbox  chan transport.Frame
	closed chan struct{}
}

func newFakePipe() *fakePipe {
	return &fakePipe{
		sent:   make(chan transport.Frame, 64),
		inbox:  make(chan transport.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (p *fakePipe) Send(ctx context.Context, f transport.Frame) error { p.sent <- f; return nil }
func (p *fakePipe) Receive(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-p.inbox:
		return f, nil
	case <-p.closed:
		return transport.Frame{}, hci.ErrClosed
	}
}
func (p *fakePipe) Close() error { close(p.closed); return nil }

// setupSDPLoopback wires one Core to itself (outbound air traffic fed
// straight back in) and registers a minimal in-process SDP server that
// always answers with a single service record advertising RFCOMM
// channel 5, so QueryRFCOMMChannel can be exercised without a second
// controller or a full sdp.Server implementation.
func setupSDPLoopback(t *testing.T, rfcommChannel uint8) (*l2cap.Core, *l2cap.ACLConn) {
	pipe := newFakePipe()
	disp := hci.New(pipe, nil)
	core := l2cap.New(disp, nil)
	go disp.Run(context.Background(), core.HandleACL, nil, nil)
	go func() {
		for {
			select {
			case f := <-pipe.sent:
				pipe.inbox <- f
			case <-pipe.closed:
				return
			}
		}
	}()

	core.RegisterServer(l2cap.PSMSDP, func(ch *l2cap.Channel) {
		serveOneQuery(core, ch, rfcommChannel)
	})

	params := []byte{0x00, 0x01, 0x00, 1, 2, 3, 4, 5, 6, 0x01, 0x00}
	evt := append([]byte{byte(hci.EvtConnectionComplete), byte(len(params))}, params...)
	pipe.inbox <- evt2Frame(evt)

	var conn *l2cap.ACLConn
	require.Eventually(t, func() bool {
		var ok bool
		conn, ok = core.Conn(1)
		return ok
	}, time.Second, time.Millisecond)
	t.Cleanup(func() { disp.Close() })
	return core, conn
}

func evt2Frame(b []byte) transport.Frame { return transport.Frame{Kind: transport.Event, Bytes: b} }

func serveOneQuery(core *l2cap.Core, ch *l2cap.Channel, rfcommChannel uint8) {
	b, ok := ch.Recv()
	if !ok {
		return
	}
	h, _, err := parsePDUHeader(b)
	if err != nil {
		return
	}

	protoDescList := MarshalSequence(
		MarshalSequence(MarshalUUID(uuid.UUID16(ProtocolL2CAP))),
		MarshalSequence(append(MarshalUUID(uuid.UUID16(ProtocolRFCOMM)), MarshalUint8(rfcommChannel)...)),
	)
	record := MarshalSequence(append(MarshalUint16(AttrProtocolDescriptorList), protoDescList...))
	top := MarshalSequence(record)

	body := append([]byte{byte(len(top) >> 8), byte(len(top))}, top...)
	body = append(body, 0x00) // empty continuation state

	core.Write(ch, marshalPDU(PDUServiceSearchAttributeResponse, h.tid, body))
}

func TestQueryRFCOMMChannelResolvesServiceRecord(t *testing.T) {
	core, conn := setupSDPLoopback(t, 5)

	ch, err := core.Connect(context.Background(), conn, l2cap.PSMSDP)
	require.NoError(t, err)

	client := NewClient(core, ch, nil)
	channel, err := client.QueryRFCOMMChannel(context.Background(), uuid.UUID16(0x1101))
	require.NoError(t, err)
	assert.Equal(t, uint8(5), channel)
}
