package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/courierstack/courierstack/l2cap"
)

func TestACLConnectionGaugeTracksConnectDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OnACLConnected(nil)
	m.OnACLConnected(nil)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.aclConnections))

	m.OnACLDisconnected(nil)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.aclConnections))
}

func TestGATTAndRFCOMMGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OnGATTConnOpened(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.gattConnections))
	m.OnGATTConnClosed(1)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.gattConnections))

	m.OnDLCOpened(2)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rfcommSessions))
	m.OnDLCClosed(2)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.rfcommSessions))
}

func TestPDUAndCreditCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OnPDUSent()
	m.OnPDUSent()
	m.OnPDUReceived()
	m.OnCreditRefill(&l2cap.Channel{})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.pdusSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.pdusReceived))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.creditRefills))
}

func TestPairingOutcomeLabelsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OnPairingOutcome([6]byte{}, nil)
	m.OnPairingOutcome([6]byte{}, assert.AnError)
	m.OnPairingOutcome([6]byte{}, assert.AnError)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.pairingOutcomes.WithLabelValues("paired")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.pairingOutcomes.WithLabelValues("failed")))
}
