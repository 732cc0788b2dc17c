package rfcomm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMCCRoundTripPN(t *testing.T) {
	p := pnParams{dlci: 4, frameType: 0, priority: 7, ackTimerMs: 10, maxFrameSize: 127, maxRetrans: 0, initialCredits: 7}
	mcc := mccFrame{typ: mccPN, cr: true, payload: marshalPN(p)}
	b := marshalMCC(mcc)

	got, rest, err := parseMCC(b)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, mccPN, got.typ)
	assert.True(t, got.cr)

	gotPN, err := parsePN(got.payload)
	require.NoError(t, err)
	assert.Equal(t, p.dlci, gotPN.dlci)
	assert.Equal(t, p.maxFrameSize, gotPN.maxFrameSize)
	assert.Equal(t, p.initialCredits, gotPN.initialCredits)
}

func TestMCCRoundTripMSC(t *testing.T) {
	b := marshalMCC(mccFrame{typ: mccMSC, cr: true, payload: marshalMSC(3, msRTC|msRTR|msDV)})
	got, _, err := parseMCC(b)
	require.NoError(t, err)
	dlci, signals, err := parseMSC(got.payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), dlci)
	assert.Equal(t, msRTC|msRTR|msDV, signals)
}

func TestMCCChainedCommandsInOneUIHFrame(t *testing.T) {
	first := marshalMCC(mccFrame{typ: mccMSC, cr: true, payload: marshalMSC(1, msRTC)})
	second := marshalMCC(mccFrame{typ: mccFCon, cr: true, payload: nil})
	combined := append(append([]byte{}, first...), second...)

	got1, rest, err := parseMCC(combined)
	require.NoError(t, err)
	assert.Equal(t, mccMSC, got1.typ)

	got2, rest2, err := parseMCC(rest)
	require.NoError(t, err)
	assert.Equal(t, mccFCon, got2.typ)
	assert.Empty(t, rest2)
}

func TestMCCRejectsTruncatedPayload(t *testing.T) {
	_, _, err := parseMCC([]byte{0x01})
	assert.Error(t, err)
}
