package att

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

// fakePipe is a minimal loopback-free transport.Pipe double: Send
// records outbound frames, Receive drains an injectable inbox. Mirrors
// the equivalent doubles in hci/dispatcher_test.go and
// l2cap/signaling_test.go.
type fakePipe struct {
	sent  chan transport.Frame
	inbox chan transport.Frame
	closed chan struct{}
}

func newFakePipe() *fakePipe {
	return &fakePipe{
		sent:   make(chan transport.Frame, 32),
		inbox:  make(chan transport.Frame, 32),
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

func setupServer(t *testing.T) (*Server, *fakePipe, *l2cap.ACLConn) {
	pipe := newFakePipe()
	disp := hci.New(pipe, nil)
	core := l2cap.New(disp, nil)
	go disp.Run(context.Background(), core.HandleACL, nil, nil)

	table := NewTable()
	svc := table.AddService(uuid.UUID16(0x1234), false)
	valueHandle := table.AddCharacteristic(uuid.UUID16(0x5678), CharRead|CharWrite|CharNotify, 0,
		func(offset, maxLen int) ([]byte, uint8) {
			v := []byte("hello-world")
			if offset > len(v) {
				return nil, EcodeInvalidOffset
			}
			end := len(v)
			if end-offset > maxLen {
				end = offset + maxLen
			}
			return v[offset:end], EcodeSuccess
		},
		func(data []byte, noResponse bool) uint8 { return EcodeSuccess },
	)
	table.AddDescriptor(uuid.ClientCharacteristicConfig, 0, nil, nil)
	table.EndService(svc)
	_ = valueHandle

	srv := NewServer(core, table, nil)

	// Establish an ACL by injecting a Connection-Complete event, the same
	// path a real controller would drive (l2cap.Core.Listener).
	pipe.inbox <- connectionCompleteEvent(1)
	var conn *l2cap.ACLConn
	require.Eventually(t, func() bool {
		var ok bool
		conn, ok = core.Conn(1)
		return ok
	}, time.Second, time.Millisecond)

	return srv, pipe, conn
}

func connectionCompleteEvent(handle uint16) transport.Frame {
	params := []byte{0x00, byte(handle), byte(handle >> 8), 1, 2, 3, 4, 5, 6, 0x01, 0x00}
	b := append([]byte{byte(hci.EvtConnectionComplete), byte(len(params))}, params...)
	return transport.Frame{Kind: transport.Event, Bytes: b}
}

func TestMTUExchangeEnforcesMinimum(t *testing.T) {
	_, pipe, acl := setupServerWithConn(t)
	pipe.inbox <- aclFrame(acl.Handle, att(OpMTUReq, byte(10), byte(0)))

	resp := recvATT(t, pipe)
	require.Equal(t, OpMTUResp, resp[0])
	mtu := uint16(resp[1]) | uint16(resp[2])<<8
	assert.Equal(t, uint16(defaultMTU), mtu, "negotiated MTU must never go below the Core Spec minimum")
}

func TestReadByGroupTypeDiscoversService(t *testing.T) {
	_, pipe, acl := setupServerWithConn(t)
	pipe.inbox <- aclFrame(acl.Handle, att(OpReadByGroupReq, le16(1), le16(0xFFFF), le16(0x2800)))

	resp := recvATT(t, pipe)
	require.Equal(t, OpReadByGroupResp, resp[0])
}

func TestReadValueReturnsCharacteristicData(t *testing.T) {
	_, pipe, acl := setupServerWithConn(t)
	// Service=1, char decl=2, char value=3, CCCD=4 given AddService/AddCharacteristic/AddDescriptor order.
	pipe.inbox <- aclFrame(acl.Handle, att(OpReadReq, le16(3)))

	resp := recvATT(t, pipe)
	require.Equal(t, OpReadResp, resp[0])
	assert.Equal(t, "hello-world", string(resp[1:]))
}

func TestUnsupportedOpcodeReturnsRequestNotSupported(t *testing.T) {
	_, pipe, acl := setupServerWithConn(t)
	pipe.inbox <- aclFrame(acl.Handle, att(OpReadMultiReq, le16(1), le16(2)))

	resp := recvATT(t, pipe)
	require.Equal(t, OpError, resp[0])
	assert.Equal(t, EcodeReqNotSupp, resp[4])
}

func TestIndicationResolvesOnConfirmation(t *testing.T) {
	srv, pipe, acl := setupServerWithConn(t)
	conn := srv.Connection(acl)

	done := make(chan error, 1)
	go func() {
		done <- conn.indicate(context.Background(), 3, []byte("x"), time.Second)
	}()

	ind := recvATT(t, pipe)
	require.Equal(t, OpHandleInd, ind[0])

	pipe.inbox <- aclFrame(acl.Handle, []byte{OpHandleCnf})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("indicate did not resolve on confirmation")
	}
}

// --- helpers ---

func setupServerWithConn(t *testing.T) (*Server, *fakePipe, *l2cap.ACLConn) {
	srv, pipe, acl := setupServer(t)
	return srv, pipe, acl
}

func att(op uint8, rest ...[]byte) []byte {
	b := []byte{op}
	for _, r := range rest {
		b = append(b, r...)
	}
	return b
}

func le16(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }

func aclFrame(handle uint16, l2capPayload []byte) transport.Frame {
	framed := append([]byte{byte(len(l2capPayload)), byte(len(l2capPayload) >> 8), byte(l2cap.CIDATT), byte(l2cap.CIDATT >> 8)}, l2capPayload...)
	hf := handle & 0x0FFF
	out := []byte{byte(hf), byte(hf >> 8), byte(len(framed)), byte(len(framed) >> 8)}
	out = append(out, framed...)
	return transport.Frame{Kind: transport.ACL, Bytes: out}
}

func recvATT(t *testing.T, pipe *fakePipe) []byte {
	t.Helper()
	select {
	case f := <-pipe.sent:
		require.Equal(t, transport.ACL, f.Kind)
		// [handle/flags:16][total_len:16][l2cap_len:16][cid:16][att pdu]
		require.GreaterOrEqual(t, len(f.Bytes), 8)
		return f.Bytes[8:]
	case <-time.After(time.Second):
		t.Fatal("no outbound ATT PDU observed")
		return nil
	}
}
