package rfcomm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierstack/courierstack/hci"
	"github.com/courierstack/courierstack/l2cap"
	"github.com/courierstack/courierstack/transport"
)

// fakePipe is an in-memory transport.Pipe double, mirroring the one
// used in hci/dispatcher_test.go and l2cap/signaling_test.go.
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

// setupLoopback wires one Core's outbound air traffic straight back into
// its own inbound path, so a single ACLConn can exercise both the
// initiator and responder sides of RFCOMM in one process, without a
// second controller.
func setupLoopback(t *testing.T) (*l2cap.Core, *l2cap.ACLConn) {
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

	params := []byte{0x00, 0x01, 0x00, 1, 2, 3, 4, 5, 6, 0x01, 0x00}
	evt := append([]byte{byte(hci.EvtConnectionComplete), byte(len(params))}, params...)
	pipe.inbox <- transport.Frame{Kind: transport.Event, Bytes: evt}

	var conn *l2cap.ACLConn
	require.Eventually(t, func() bool {
		var ok bool
		conn, ok = core.Conn(1)
		return ok
	}, time.Second, time.Millisecond)
	t.Cleanup(func() { disp.Close() })
	return core, conn
}

func establishMuxPair(t *testing.T) (client *Mux, server *Mux) {
	core, conn := setupLoopback(t)

	serverCh := make(chan *l2cap.Channel, 1)
	core.RegisterServer(l2cap.PSMRFCOMM, func(ch *l2cap.Channel) { serverCh <- ch })

	clientCh, err := core.Connect(context.Background(), conn, l2cap.PSMRFCOMM)
	require.NoError(t, err)

	select {
	case peerCh := <-serverCh:
		client = NewMux(core, clientCh, nil)
		server = NewMux(core, peerCh, nil)
	case <-time.After(time.Second):
		t.Fatal("server side never accepted the RFCOMM L2CAP channel")
	}
	return client, server
}

func TestMuxSessionEstablishment(t *testing.T) {
	client, server := establishMuxPair(t)

	done := make(chan error, 1)
	go func() { done <- client.Open(context.Background(), true) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("mux session never established on the initiating side")
	}

	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return server.sessionUp
	}, time.Second, time.Millisecond, "responder must see SABM on DLCI 0 and answer UA")
}

func TestMuxOpenDLCNegotiatesThenOpensBothSides(t *testing.T) {
	client, server := establishMuxPair(t)
	require.NoError(t, client.Open(context.Background(), true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientDLC, err := client.OpenDLC(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), clientDLC.DLCI())

	require.Eventually(t, func() bool {
		server.mu.Lock()
		dlc, ok := server.dlcs[2]
		server.mu.Unlock()
		if !ok {
			return false
		}
		dlc.mu.Lock()
		defer dlc.mu.Unlock()
		return dlc.open
	}, time.Second, time.Millisecond, "responder must accept SABM on DLCI 2 after PN")
}

func TestDLCDataDeliveredAcrossBothEnds(t *testing.T) {
	client, server := establishMuxPair(t)
	require.NoError(t, client.Open(context.Background(), true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientDLC, err := client.OpenDLC(ctx, 4)
	require.NoError(t, err)

	var serverDLC *DLC
	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		d, ok := server.dlcs[4]
		serverDLC = d
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, clientDLC.Write(ctx, []byte("modem data")))

	recvDone := make(chan []byte, 1)
	go func() {
		b, _ := serverDLC.Recv()
		recvDone <- b
	}()

	select {
	case got := <-recvDone:
		assert.Equal(t, "modem data", string(got))
	case <-time.After(time.Second):
		t.Fatal("server-side DLC never received the UIH payload")
	}
}

func TestDLCCreditExhaustionBlocksFurtherWrites(t *testing.T) {
	client, server := establishMuxPair(t)
	require.NoError(t, client.Open(context.Background(), true))
	_ = server

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientDLC, err := client.OpenDLC(ctx, 6)
	require.NoError(t, err)

	clientDLC.mu.Lock()
	clientDLC.peerCredits = 1
	clientDLC.mu.Unlock()

	require.NoError(t, clientDLC.Write(ctx, []byte("one")))

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	err = clientDLC.Write(shortCtx, []byte("two"))
	assert.Error(t, err, "write must block (and time out here) once the peer credit window is exhausted")
}
