package courierstack

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/courierstack/courierstack/att"
	"github.com/courierstack/courierstack/hci"
	"github.com/courierstack/courierstack/pairing"
	"github.com/courierstack/courierstack/transport"
)

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

func eventFrame(code hci.EventCode, params []byte) transport.Frame {
	b := append([]byte{byte(code), byte(len(params))}, params...)
	return transport.Frame{Kind: transport.Event, Bytes: b}
}

func TestNewWiresGATTPairingAndMetrics(t *testing.T) {
	pipe := newFakePipe()
	reg := prometheus.NewRegistry()

	s, err := New(pipe,
		WithGATTTable(att.NewTable()),
		WithPairing(pairing.Config{IOCapability: pairing.IOCapNoInputNoOutput}, nil),
		WithMetrics(reg),
	)
	require.NoError(t, err)
	require.NotNil(t, s.GATT())
	require.NotNil(t, s.Pairing())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	t.Cleanup(func() { s.Close() })

	params := append([]byte{0x00}, []byte{0x01, 0x00}...) // status=0, handle=1
	params = append(params, []byte{1, 2, 3, 4, 5, 6}...)  // bdaddr
	params = append(params, 0x00, 0x00)                   // link_type, encryption
	pipe.inbox <- eventFrame(hci.EvtConnectionComplete, params)

	require.Eventually(t, func() bool {
		return gaugeValue(t, reg, "courierstack_l2cap_acl_connections") == 1
	}, time.Second, 10*time.Millisecond)
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}
