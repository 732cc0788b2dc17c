package hci

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierstack/courierstack/transport"
)

// fakePipe is an in-memory transport.Pipe for dispatcher tests: Send
// records outbound frames, and the test injects inbound frames via inbox.
type fakePipe struct {
	sent   chan transport.Frame
	inbox  chan transport.Frame
	closed chan struct{}
}

func newFakePipe() *fakePipe {
	return &fakePipe{
		sent:   make(chan transport.Frame, 16),
		inbox:  make(chan transport.Frame, 16),
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
		return transport.Frame{}, ErrClosed
	}
}

func (p *fakePipe) Close() error {
	close(p.closed)
	return nil
}

func eventFrame(code EventCode, params []byte) transport.Frame {
	b := append([]byte{byte(code), byte(len(params))}, params...)
	return transport.Frame{Kind: transport.Event, Bytes: b}
}

func TestSendCommandSyncResolvesOnCommandComplete(t *testing.T) {
	pipe := newFakePipe()
	d := New(pipe, nil)
	go d.Run(context.Background(), nil, nil, nil)
	defer d.Close()

	op := MakeOpcode(0x03, 0x0003) // Reset
	done := make(chan struct{})
	var retParams []byte
	var retErr error
	go func() {
		retParams, retErr = d.SendCommandSync(context.Background(), op, nil, time.Second)
		close(done)
	}()

	<-pipe.sent // observe the outbound command
	pipe.inbox <- eventFrame(EvtCommandComplete, []byte{1, byte(op), byte(op >> 8), 0x00})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendCommandSync did not resolve")
	}
	require.NoError(t, retErr)
	assert.Equal(t, []byte{0x00}, retParams)
}

func TestSendCommandSyncTimesOutWithoutLeakingWaiter(t *testing.T) {
	pipe := newFakePipe()
	d := New(pipe, nil)
	go d.Run(context.Background(), nil, nil, nil)
	defer d.Close()

	op := MakeOpcode(0x03, 0x0003)
	_, err := d.SendCommandSync(context.Background(), op, nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	d.mu.Lock()
	n := len(d.pending[op])
	d.mu.Unlock()
	assert.Equal(t, 0, n, "timed-out waiter must not remain queued")
}

func TestCommandStatusDoesNotCancelSubsequentComplete(t *testing.T) {
	pipe := newFakePipe()
	d := New(pipe, nil)
	go d.Run(context.Background(), nil, nil, nil)
	defer d.Close()

	op := MakeOpcode(0x01, 0x0001)

	// First caller's command resolves via Command-Status (non-zero).
	errc := make(chan error, 1)
	go func() {
		_, err := d.SendCommandSync(context.Background(), op, nil, time.Second)
		errc <- err
	}()
	<-pipe.sent
	pipe.inbox <- eventFrame(EvtCommandStatus, []byte{0x0C, 1, byte(op), byte(op >> 8)})
	require.Error(t, <-errc)

	// A second, independent command on the same opcode still resolves
	// normally via Command-Complete.
	done := make(chan struct{})
	var err2 error
	go func() {
		_, err2 = d.SendCommandSync(context.Background(), op, nil, time.Second)
		close(done)
	}()
	<-pipe.sent
	pipe.inbox <- eventFrame(EvtCommandComplete, []byte{1, byte(op), byte(op >> 8), 0x00})
	<-done
	require.NoError(t, err2)
}

func TestListenersReceiveAllEvents(t *testing.T) {
	pipe := newFakePipe()
	d := New(pipe, nil)
	go d.Run(context.Background(), nil, nil, nil)
	defer d.Close()

	seen := make(chan EventCode, 1)
	d.AddListener(func(code EventCode, params []byte) {
		seen <- code
	})

	pipe.inbox <- eventFrame(EvtDisconnectionComplete, []byte{0x00, 0x01, 0x00, 0x13})
	select {
	case code := <-seen:
		assert.Equal(t, EvtDisconnectionComplete, code)
	case <-time.After(time.Second):
		t.Fatal("listener was not invoked")
	}
}

func TestCloseResolvesPendingWithEngineClosedError(t *testing.T) {
	pipe := newFakePipe()
	d := New(pipe, nil)
	go d.Run(context.Background(), nil, nil, nil)

	op := MakeOpcode(0x01, 0x0001)
	errc := make(chan error, 1)
	go func() {
		_, err := d.SendCommandSync(context.Background(), op, nil, 5*time.Second)
		errc <- err
	}()
	<-pipe.sent
	require.NoError(t, d.Close())

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending command did not resolve on shutdown")
	}
}
