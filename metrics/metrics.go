// Package metrics exposes Prometheus instrumentation for a running
// CourierStack: connection gauges per layer, PDU throughput counters,
// L2CAP credit-refill counts, and pairing outcomes.
//
// The pack's only other prometheus consumer (runZeroInc-sockstats's
// TCPInfoCollector) implements a custom prometheus.Collector to export
// dynamically-labeled, per-socket kernel counters it cannot know ahead
// of time. None of CourierStack's metrics need that: connection counts
// are simple up/down gauges, PDU/credit counts are monotonic counters,
// and pairing outcomes carry one fixed low-cardinality label (result).
// promauto's static Gauge/Counter/CounterVec cover all of it, so this
// package uses those directly rather than hand-rolling a Collector.
//
// Every method here is built to match a hook signature already exposed
// by its subsystem (l2cap.ConnHooks, att.Server.OnConnOpened/Closed,
// rfcomm.Mux.OnDLCOpened/Closed, pairing.OutcomeHandler) so the root
// facade can wire a Metrics value in with no adapter glue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/courierstack/courierstack/l2cap"
)

// Metrics holds every CourierStack Prometheus collector. Construct one
// with New and register its gauges/counters by passing a
// prometheus.Registerer (typically prometheus.DefaultRegisterer, or a
// dedicated prometheus.NewRegistry() in tests).
type Metrics struct {
	aclConnections  prometheus.Gauge
	gattConnections prometheus.Gauge
	rfcommSessions  prometheus.Gauge

	pdusSent     prometheus.Counter
	pdusReceived prometheus.Counter
	creditRefills prometheus.Counter

	pairingOutcomes *prometheus.CounterVec
}

// New creates and registers the CourierStack metric family against reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		aclConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "courierstack",
			Subsystem: "l2cap",
			Name:      "acl_connections",
			Help:      "Number of open ACL connections.",
		}),
		gattConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "courierstack",
			Subsystem: "att",
			Name:      "gatt_connections",
			Help:      "Number of ACLs with an active GATT connection.",
		}),
		rfcommSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "courierstack",
			Subsystem: "rfcomm",
			Name:      "dlc_sessions",
			Help:      "Number of open RFCOMM data link connections.",
		}),
		pdusSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "courierstack",
			Subsystem: "l2cap",
			Name:      "pdus_sent_total",
			Help:      "L2CAP PDUs transmitted across all channels.",
		}),
		pdusReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "courierstack",
			Subsystem: "l2cap",
			Name:      "pdus_received_total",
			Help:      "L2CAP PDUs received and reassembled across all channels.",
		}),
		creditRefills: f.NewCounter(prometheus.CounterOpts{
			Namespace: "courierstack",
			Subsystem: "l2cap",
			Name:      "credit_refills_total",
			Help:      "LE credit-based channel credit top-ups sent to peers.",
		}),
		pairingOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courierstack",
			Subsystem: "pairing",
			Name:      "outcomes_total",
			Help:      "Pairing sessions resolved, labeled by result.",
		}, []string{"result"}),
	}
}

// OnACLConnected satisfies l2cap.ConnHooks.OnConnected.
func (m *Metrics) OnACLConnected(conn *l2cap.ACLConn) { m.aclConnections.Inc() }

// OnACLDisconnected satisfies l2cap.ConnHooks.OnDisconnected.
func (m *Metrics) OnACLDisconnected(conn *l2cap.ACLConn) { m.aclConnections.Dec() }

// OnPDUSent satisfies l2cap.ConnHooks.OnPDUSent.
func (m *Metrics) OnPDUSent() { m.pdusSent.Inc() }

// OnPDUReceived satisfies l2cap.ConnHooks.OnPDUReceived.
func (m *Metrics) OnPDUReceived() { m.pdusReceived.Inc() }

// OnCreditRefill satisfies l2cap.ConnHooks.OnCreditRefill.
func (m *Metrics) OnCreditRefill(ch *l2cap.Channel) { m.creditRefills.Inc() }

// OnGATTConnOpened satisfies att.Server.OnConnOpened.
func (m *Metrics) OnGATTConnOpened(handle uint16) { m.gattConnections.Inc() }

// OnGATTConnClosed satisfies att.Server.OnConnClosed.
func (m *Metrics) OnGATTConnClosed(handle uint16) { m.gattConnections.Dec() }

// OnDLCOpened satisfies rfcomm.Mux.OnDLCOpened.
func (m *Metrics) OnDLCOpened(dlci uint8) { m.rfcommSessions.Inc() }

// OnDLCClosed satisfies rfcomm.Mux.OnDLCClosed.
func (m *Metrics) OnDLCClosed(dlci uint8) { m.rfcommSessions.Dec() }

// OnPairingOutcome satisfies pairing.OutcomeHandler.
func (m *Metrics) OnPairingOutcome(addr [6]byte, err error) {
	if err != nil {
		m.pairingOutcomes.WithLabelValues("failed").Inc()
		return
	}
	m.pairingOutcomes.WithLabelValues("paired").Inc()
}
