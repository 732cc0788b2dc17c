package pairing

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

// fakePipe mirrors the double used throughout hci/l2cap/att/rfcomm/sdp
// tests: outbound commands land on sent, and the test injects events
// directly into inbox to drive the orchestrator.
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

func evtFrame(code hci.EventCode, params []byte) transport.Frame {
	b := append([]byte{byte(code), byte(len(params))}, params...)
	return transport.Frame{Kind: transport.Event, Bytes: b}
}

func waitForCommand(t *testing.T, pipe *fakePipe, op hci.Opcode) transport.Frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case f := <-pipe.sent:
			if hci.Opcode(binary.LittleEndian.Uint16(f.Bytes[0:2])) == op {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for opcode 0x%04x", op)
		}
	}
}

var testAddr = [6]byte{1, 2, 3, 4, 5, 6}

func TestNumericComparisonAutoAcceptBypassesCallback(t *testing.T) {
	pipe := newFakePipe()
	disp := hci.New(pipe, nil)
	go disp.Run(context.Background(), nil, nil, nil)
	t.Cleanup(func() { disp.Close() })

	callbackInvoked := false
	cfg := Config{
		IOCapability:                IOCapNoInputNoOutput,
		AutoAcceptNumericComparison: true,
		Callbacks: Callbacks{
			ConfirmNumericComparison: func(addr [6]byte, value uint32) { callbackInvoked = true },
		},
		// Encryption-Change is addressed by handle, not BD_ADDR; wire a
		// resolver so the session can be found.
		ResolveHandle: func(handle uint16) ([6]byte, bool) {
			if handle == 1 {
				return testAddr, true
			}
			return [6]byte{}, false
		},
	}
	o := New(disp, NewMemoryStore(), cfg, nil)

	outcomeCh := make(chan error, 1)
	o.OnOutcome(func(addr [6]byte, err error) { outcomeCh <- err })

	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, 123456)
	params := append(append([]byte{}, testAddr[:]...), value...)
	pipe.inbox <- evtFrame(hci.EvtUserConfirmationRequest, params)

	reply := waitForCommand(t, pipe, opUserConfirmationRequestReply)
	assert.Equal(t, testAddr[:], reply.Bytes[3:9])
	assert.False(t, callbackInvoked, "auto-accept must bypass the confirmation callback")

	linkKey := [16]byte{0xAA}
	lkParams := append(append([]byte{}, testAddr[:]...), append(linkKey[:], byte(KeyTypeAuthenticatedP256))...)
	pipe.inbox <- evtFrame(hci.EvtLinkKeyNotification, lkParams)

	sppParams := append([]byte{0x00}, testAddr[:]...)
	pipe.inbox <- evtFrame(hci.EvtSimplePairingComplete, sppParams)

	handleBytes := []byte{0x01, 0x00}
	encParams := append(append([]byte{0x00}, handleBytes...), 0x01)
	pipe.inbox <- evtFrame(hci.EvtEncryptionChange, encParams)

	select {
	case err := <-outcomeCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pairing outcome")
	}

	rec, found, err := o.GetBondingInfo(context.Background(), testAddr)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, linkKey, rec.LinkKey)
	assert.True(t, rec.Authenticated)
}

func TestUserConfirmationCallbackInvokedWithoutAutoAccept(t *testing.T) {
	pipe := newFakePipe()
	disp := hci.New(pipe, nil)
	go disp.Run(context.Background(), nil, nil, nil)
	t.Cleanup(func() { disp.Close() })

	seen := make(chan uint32, 1)
	cfg := Config{
		IOCapability: IOCapDisplayYesNo,
		Callbacks: Callbacks{
			ConfirmNumericComparison: func(addr [6]byte, value uint32) { seen <- value },
		},
	}
	o := New(disp, NewMemoryStore(), cfg, nil)

	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, 654321)
	params := append(append([]byte{}, testAddr[:]...), value...)
	pipe.inbox <- evtFrame(hci.EvtUserConfirmationRequest, params)

	select {
	case v := <-seen:
		assert.Equal(t, uint32(654321), v)
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}

	o.ConfirmNumericComparison(testAddr, true)
	reply := waitForCommand(t, pipe, opUserConfirmationRequestReply)
	assert.Equal(t, testAddr[:], reply.Bytes[3:9])
}

func TestLinkKeyRequestRepliesNegativeWhenNotBonded(t *testing.T) {
	pipe := newFakePipe()
	disp := hci.New(pipe, nil)
	go disp.Run(context.Background(), nil, nil, nil)
	t.Cleanup(func() { disp.Close() })

	New(disp, NewMemoryStore(), Config{}, nil)

	pipe.inbox <- evtFrame(hci.EvtLinkKeyRequest, testAddr[:])
	reply := waitForCommand(t, pipe, opLinkKeyRequestNegativeReply)
	assert.Equal(t, testAddr[:], reply.Bytes[3:9])
}

func TestLinkKeyRequestRepliesPositiveWhenBonded(t *testing.T) {
	pipe := newFakePipe()
	disp := hci.New(pipe, nil)
	go disp.Run(context.Background(), nil, nil, nil)
	t.Cleanup(func() { disp.Close() })

	store := NewMemoryStore()
	linkKey := [16]byte{0x11, 0x22}
	require.NoError(t, store.StoreLinkKey(context.Background(), BondingRecord{Addr: testAddr, LinkKey: linkKey}))

	New(disp, store, Config{}, nil)

	pipe.inbox <- evtFrame(hci.EvtLinkKeyRequest, testAddr[:])
	reply := waitForCommand(t, pipe, opLinkKeyRequestReply)
	assert.Equal(t, testAddr[:], reply.Bytes[3:9])
	assert.Equal(t, linkKey[:], reply.Bytes[9:25])
}
