package l2cap

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierstack/courierstack/hci"
	"github.com/courierstack/courierstack/transport"
)

// fakePipe is an in-memory transport.Pipe for l2cap integration tests,
// mirroring hci's own test double (hci/dispatcher_test.go).
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

func (p *fakePipe) Send(ctx context.Context, f transport.Frame) error {
	p.sent <- f
	return nil
}

func (p *fakePipe) Receive(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-p.inbox:
		return f, nil
	case <-p.closed:
		return transport.Frame{}, hci.ErrClosed
	}
}

func (p *fakePipe) Close() error {
	close(p.closed)
	return nil
}

// recvSignalingCmd pulls one outbound ACL frame and decodes its
// signaling command header, for test assertions.
func recvSignalingCmd(t *testing.T, pipe *fakePipe) (handle uint16, code uint8, ident uint8, data []byte) {
	t.Helper()
	select {
	case f := <-pipe.sent:
		require.Equal(t, transport.ACL, f.Kind)
		hdr, payload, err := parseACLHeader(f.Bytes)
		require.NoError(t, err)
		cid := binary.LittleEndian.Uint16(payload[2:4])
		require.Contains(t, []uint16{CIDSignalingBREDR, CIDSignalingLE}, cid)
		sig := payload[4:]
		return hdr.handle, sig[0], sig[1], sig[4:]
	case <-time.After(time.Second):
		t.Fatal("no outbound ACL frame observed")
		return 0, 0, 0, nil
	}
}

func injectSignalingResponse(pipe *fakePipe, handle uint16, code uint8, ident uint8, data []byte) {
	payload := wrapL2CAPHeader(CIDSignalingBREDR, marshalSigPDU(code, ident, data))
	pipe.inbox <- transport.Frame{Kind: transport.ACL, Bytes: marshalACLHeader(handle, pbFirstNonFlush, payload)}
}

func setupCore(t *testing.T) (*Core, *fakePipe, *ACLConn) {
	pipe := newFakePipe()
	disp := hci.New(pipe, nil)
	core := New(disp, nil)
	go disp.Run(context.Background(), core.HandleACL, nil, nil)
	conn := newACLConn(0x0001, [6]byte{1, 2, 3, 4, 5, 6}, AddrPublic, TransportBREDR, RoleInitiator)
	core.addConn(conn)
	t.Cleanup(func() { disp.Close() })
	return core, pipe, conn
}

func TestConnectSucceedsAfterConfigurationHandshake(t *testing.T) {
	core, pipe, conn := setupCore(t)

	done := make(chan struct{})
	var ch *Channel
	var connErr error
	go func() {
		ch, connErr = core.Connect(context.Background(), conn, PSMRFCOMM)
		close(done)
	}()

	// Connection Request -> Response(success)
	handle, code, ident, data := recvSignalingCmd(t, pipe)
	require.Equal(t, uint8(sigConnectionRequest), code)
	req, err := parseConnectionRequest(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(PSMRFCOMM), req.psm)

	injectSignalingResponse(pipe, handle, sigConnectionResponse, ident,
		marshalConnectionResponse(connectionResponse{destCID: 0x0050, sourceCID: req.sourceCID, result: ConnResultSuccess}))

	// Configure Request -> Response(success)
	_, code, ident, _ = recvSignalingCmd(t, pipe)
	require.Equal(t, uint8(sigConfigureRequest), code)
	injectSignalingResponse(pipe, handle, sigConfigureResponse, ident, marshalConfigureResponseSuccess(0x0050))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not complete")
	}
	require.NoError(t, connErr)
	require.NotNil(t, ch)
	assert.Equal(t, uint16(0x0050), ch.RemoteCID)
}

func TestConnectionRequestAuthenticationPendingIsNotTerminal(t *testing.T) {
	core, pipe, conn := setupCore(t)
	core.RegisterServer(PSMSDP, func(ch *Channel) {})

	done := make(chan struct{})
	var connErr error
	go func() {
		_, connErr = core.Connect(context.Background(), conn, PSMSDP)
		close(done)
	}()

	handle, _, ident, data := recvSignalingCmd(t, pipe)
	req, _ := parseConnectionRequest(data)

	injectSignalingResponse(pipe, handle, sigConnectionResponse, ident,
		marshalConnectionResponse(connectionResponse{destCID: 0, sourceCID: req.sourceCID, result: ConnResultPending, status: ConnStatusAuthenticationPending}))

	injectSignalingResponse(pipe, handle, sigConnectionResponse, ident,
		marshalConnectionResponse(connectionResponse{destCID: 0x0051, sourceCID: req.sourceCID, result: ConnResultSuccess}))

	_, code, cfgIdent, _ := recvSignalingCmd(t, pipe)
	require.Equal(t, uint8(sigConfigureRequest), code)
	injectSignalingResponse(pipe, handle, sigConfigureResponse, cfgIdent, marshalConfigureResponseSuccess(0x0051))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not complete after pending status")
	}
	require.NoError(t, connErr)
}

func TestLECreditBasedConnectionExhaustsCredits(t *testing.T) {
	core, pipe, conn := setupCore(t)
	conn.Transport = TransportLE

	done := make(chan struct{})
	var ch *Channel
	go func() {
		ch, _ = core.ConnectLE(context.Background(), conn, 0x0080, 256, 256, 2)
		close(done)
	}()

	handle, code, ident, data := recvSignalingCmd(t, pipe)
	require.Equal(t, uint8(sigLECreditConnRequest), code)
	req, err := parseLECreditConnRequest(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), req.initialCredits)

	injectSignalingResponse(pipe, handle, sigLECreditConnResponse, ident,
		marshalLECreditConnResponse(leCreditConnResponse{destCID: 0x0060, mtu: 256, mps: 256, initialCredits: 2, result: ConnResultSuccess}))

	<-done
	require.NotNil(t, ch)

	assert.True(t, ch.consumeCredit())
	assert.True(t, ch.consumeCredit())
	assert.False(t, ch.consumeCredit(), "third write must be refused once credits are exhausted")

	ch.refillCredits(1)
	assert.True(t, ch.consumeCredit())
}

func TestDisconnectionCascadesChannelClosure(t *testing.T) {
	core, _, conn := setupCore(t)
	ch := newChannel(conn, 0x0050, PSMRFCOMM)
	ch.setState(StateOpen)
	conn.addChannel(ch)

	core.handleDisconnectionComplete([]byte{0x00, 0x01, 0x00, 0x13})

	assert.Equal(t, StateClosed, ch.State())
	_, open := <-ch.rxQueue
	assert.False(t, open, "channel's receive queue must be closed on cascade")
}
