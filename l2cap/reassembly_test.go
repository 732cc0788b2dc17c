package l2cap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReassembleSingleFragment(t *testing.T) {
	conn := newACLConn(1, [6]byte{}, AddrPublic, TransportBREDR, RoleInitiator)
	payload := wrapL2CAPHeader(CIDATT, []byte{0x01, 0x02, 0x03})

	out, err := conn.reassemble(pbFirstNonFlush, payload)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
	assert.False(t, conn.reassemblyInProgress())
}

func TestReassembleAcrossFragments(t *testing.T) {
	conn := newACLConn(1, [6]byte{}, AddrPublic, TransportBREDR, RoleInitiator)
	full := wrapL2CAPHeader(CIDATT, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	first := full[:6]
	second := full[6:]

	out, err := conn.reassemble(pbFirstNonFlush, first)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.True(t, conn.reassemblyInProgress())

	out, err = conn.reassemble(pbContinuing, second)
	require.NoError(t, err)
	assert.Equal(t, full, out)
	assert.False(t, conn.reassemblyInProgress())
}

func TestContinuingFragmentWithoutStartIsDroppedWithoutStateChange(t *testing.T) {
	conn := newACLConn(1, [6]byte{}, AddrPublic, TransportBREDR, RoleInitiator)

	out, err := conn.reassemble(pbContinuing, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.False(t, conn.reassemblyInProgress())
}

func TestReassembleRejectsUnknownPBFlag(t *testing.T) {
	conn := newACLConn(1, [6]byte{}, AddrPublic, TransportBREDR, RoleInitiator)
	_, err := conn.reassemble(3, []byte{1, 2, 3, 4})
	assert.Error(t, err)
}

func TestACLHeaderRoundTrip(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	raw := marshalACLHeader(0x0042, pbFirstNonFlush, payload)

	h, got, err := parseACLHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0042), h.handle)
	assert.Equal(t, pbFirstNonFlush, h.pbFlag)
	assert.Equal(t, payload, got)
}
