// Package courierstack wires the HCI dispatcher, L2CAP core, ATT/GATT
// engine, RFCOMM multiplexer, SDP client, and pairing orchestrator
// into one running Bluetooth host stack (spec.md §2's data-flow
// diagram). Subsystems below Stack never import each other except
// through the seams spec.md names (l2cap sits on hci; att/rfcomm/sdp
// sit on l2cap; pairing sits on hci directly, the one exception). This
// package is the only place that imports all of them at once.
//
// Grounded on the teacher's device.go/option_linux.go: a single
// top-level type (device there, Stack here) constructed with
// functional options and started in its own goroutine, generalized
// from one platform-specific BLE central/peripheral role to the full
// BR/EDR+LE, GATT+RFCOMM+pairing surface spec.md describes.
package courierstack

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/courierstack/courierstack/att"
	"github.com/courierstack/courierstack/hci"
	"github.com/courierstack/courierstack/l2cap"
	"github.com/courierstack/courierstack/metrics"
	"github.com/courierstack/courierstack/pairing"
	"github.com/courierstack/courierstack/rfcomm"
	"github.com/courierstack/courierstack/sdp"
	"github.com/courierstack/courierstack/transport"
	"github.com/courierstack/courierstack/uuid"
)

// Stack is the application-facing facade over one HCI controller. It
// owns the dispatcher's read loop and every subsystem layered on it;
// callers reach L2CAP/ATT/RFCOMM/SDP/pairing through its accessors
// rather than constructing them directly, so metrics hooks and the
// shared logger stay wired consistently.
type Stack struct {
	log  *logrus.Entry
	disp *hci.Dispatcher
	l2c  *l2cap.Core
	gatt *att.Server
	pair *pairing.Orchestrator
	mtcs *metrics.Metrics

	gattTable    *att.Table
	pairingCfg   *pairing.Config
	pairingStore pairing.LinkKeyStore
}

// Option configures a Stack at construction time, the same pattern as
// the teacher's option_linux.go/option_darwin.go generalized from
// device-only options to one option per subsystem concern.
type Option func(*Stack) error

// WithLogger sets the base *logrus.Entry every subsystem derives its
// own "component"-tagged entry from. Defaults to logrus's standard
// logger if never set.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Stack) error {
		s.log = l
		return nil
	}
}

// WithGATTTable supplies the attribute table the local GATT server
// dispatches requests against. Required for any Stack acting as a
// GATT server; a client-only Stack can omit it.
func WithGATTTable(t *att.Table) Option {
	return func(s *Stack) error {
		s.gattTable = t
		return nil
	}
}

// WithPairing enables the Secure Simple Pairing orchestrator with the
// given configuration and bonding store. Omit this option for a Stack
// that never pairs (e.g. an already-bonded test harness). Construction
// of the orchestrator itself is deferred until New has built the
// dispatcher and L2CAP core, since pairing.Config.ResolveHandle needs
// to close over the L2CAP core.
func WithPairing(cfg pairing.Config, store pairing.LinkKeyStore) Option {
	return func(s *Stack) error {
		cfgCopy := cfg
		s.pairingCfg = &cfgCopy
		s.pairingStore = store
		return nil
	}
}

// WithMetrics registers the Prometheus metric family against reg and
// wires every subsystem's connection/throughput/outcome hooks into it,
// so an embedding application gets instrumentation without touching
// the hook fields itself.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Stack) error {
		s.mtcs = metrics.New(reg)
		return nil
	}
}

// New constructs a Stack over pipe. Subsystems are wired immediately;
// call Run to start the dispatcher's read loop.
func New(pipe transport.Pipe, opts ...Option) (*Stack, error) {
	s := &Stack{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.log = baseLogger(s.log)
	s.disp = hci.New(pipe, s.log)
	s.l2c = l2cap.New(s.disp, s.log)

	if s.mtcs != nil {
		s.l2c.SetConnHooks(l2cap.ConnHooks{
			OnConnected:    s.mtcs.OnACLConnected,
			OnDisconnected: s.mtcs.OnACLDisconnected,
			OnPDUSent:      s.mtcs.OnPDUSent,
			OnPDUReceived:  s.mtcs.OnPDUReceived,
			OnCreditRefill: s.mtcs.OnCreditRefill,
		})
	}

	if s.gattTable != nil {
		s.gatt = att.NewServer(s.l2c, s.gattTable, s.log)
		if s.mtcs != nil {
			s.gatt.OnConnOpened = s.mtcs.OnGATTConnOpened
			s.gatt.OnConnClosed = s.mtcs.OnGATTConnClosed
		}
	}

	if s.pairingCfg != nil {
		store := s.pairingStore
		if store == nil {
			store = pairing.NewMemoryStore()
		}
		cfg := *s.pairingCfg
		cfg.ResolveHandle = func(handle uint16) ([6]byte, bool) {
			conn, ok := s.l2c.Conn(handle)
			if !ok {
				return [6]byte{}, false
			}
			return conn.PeerAddr, true
		}
		cfg.ResolveAddrHandle = func(addr [6]byte) (uint16, bool) {
			conn, ok := s.l2c.ConnByAddr(addr)
			if !ok {
				return 0, false
			}
			return conn.Handle, true
		}
		s.pair = pairing.New(s.disp, store, cfg, s.log)
		if s.mtcs != nil {
			s.pair.OnOutcome(s.mtcs.OnPairingOutcome)
		}
	}

	return s, nil
}

// Run starts the dispatcher's single reader goroutine and blocks until
// the transport closes or ctx is done, cascading shutdown to every
// subsystem through the same Disconnection-Complete/pipe-closed paths
// they already implement (spec.md §7: "all pending callbacks resolve
// with a terminal error").
func (s *Stack) Run(ctx context.Context) error {
	return s.disp.Run(ctx, s.l2c.HandleACL, nil, nil)
}

// Close tears down the dispatcher, which cascades to every channel,
// GATT connection, RFCOMM session and pairing session layered on it.
func (s *Stack) Close() error { return s.disp.Close() }

// Dispatcher exposes the underlying HCI dispatcher for callers issuing
// raw commands (e.g. vendor-specific opcodes) the facade doesn't wrap.
func (s *Stack) Dispatcher() *hci.Dispatcher { return s.disp }

// L2CAP exposes the L2CAP core for create_connection/connect_channel/
// register_server/send_data per spec.md §6's external interface list.
func (s *Stack) L2CAP() *l2cap.Core { return s.l2c }

// GATT exposes the ATT/GATT server+client facade; nil if WithGATTTable
// was never supplied.
func (s *Stack) GATT() *att.Server { return s.gatt }

// Pairing exposes the pairing orchestrator; nil if WithPairing was
// never supplied.
func (s *Stack) Pairing() *pairing.Orchestrator { return s.pair }

// CreateConnection issues HCI Create-Connection and blocks until the
// resulting ACL is visible to L2CAP (spec.md §6 "create_connection
// (bd_addr)"), or ctx expires.
func (s *Stack) CreateConnection(ctx context.Context, addr [6]byte) (*l2cap.ACLConn, error) {
	if err := s.disp.CreateConnection(ctx, addr, false); err != nil {
		return nil, err
	}
	return s.l2c.AwaitConnection(ctx, addr)
}

// CreateLEConnection issues LE-Create-Connection and blocks until the
// resulting ACL is visible to L2CAP (spec.md §6 "create_le_connection
// (addr, type)"), or ctx expires.
func (s *Stack) CreateLEConnection(ctx context.Context, p hci.LECreateConnectionParams) (*l2cap.ACLConn, error) {
	if err := s.disp.LECreateConnection(ctx, p); err != nil {
		return nil, err
	}
	return s.l2c.AwaitConnection(ctx, p.PeerAddr)
}

// OpenRFCOMM opens an RFCOMM session over conn and returns its DLC 0
// multiplexer. Every call opens a new L2CAP channel and a new session
// (spec.md §4.5.1); an existing session to conn is not reused.
func (s *Stack) OpenRFCOMM(ctx context.Context, conn *l2cap.ACLConn, initiator bool) (*rfcomm.Mux, error) {
	ch, err := s.l2c.Connect(ctx, conn, l2cap.PSMRFCOMM)
	if err != nil {
		return nil, err
	}
	mux := rfcomm.NewMux(s.l2c, ch, s.log)
	if s.mtcs != nil {
		mux.OnDLCOpened = s.mtcs.OnDLCOpened
		mux.OnDLCClosed = s.mtcs.OnDLCClosed
	}
	if err := mux.Open(ctx, initiator); err != nil {
		return nil, err
	}
	return mux, nil
}

// ConnectByUUID resolves svc's RFCOMM server channel via SDP and opens
// the corresponding DLC over mux, implementing spec.md §6's
// "connect_by_uuid" end-to-end (§8 scenario 5).
func (s *Stack) ConnectByUUID(ctx context.Context, mux *rfcomm.Mux, sdpClient *sdp.Client, svc uuid.UUID) (*rfcomm.DLC, error) {
	channel, err := sdpClient.QueryRFCOMMChannel(ctx, svc)
	if err != nil {
		return nil, err
	}
	return mux.OpenDLC(ctx, channel)
}

// NewSDPClient opens an SDP client channel over conn, following the
// same PSM-connect-then-wrap pattern as OpenRFCOMM.
func (s *Stack) NewSDPClient(ctx context.Context, conn *l2cap.ACLConn) (*sdp.Client, error) {
	ch, err := s.l2c.Connect(ctx, conn, l2cap.PSMSDP)
	if err != nil {
		return nil, err
	}
	return sdp.NewClient(s.l2c, ch, s.log), nil
}
