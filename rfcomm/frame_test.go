package rfcomm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripSABM(t *testing.T) {
	f := Frame{DLCI: 2, CR: true, Type: FrameSABM, PF: true}
	b := Marshal(f)
	got, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, f.DLCI, got.DLCI)
	assert.Equal(t, f.CR, got.CR)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.PF, got.PF)
}

func TestFrameRoundTripUIHWithInfo(t *testing.T) {
	f := Frame{DLCI: 5, CR: true, Type: FrameUIH, PF: false, Info: []byte("hello rfcomm")}
	b := Marshal(f)
	got, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, f.Info, got.Info)
}

func TestFrameUIHFCSCoversOnlyAddressAndControl(t *testing.T) {
	// Two UIH frames differing only in their length octet must carry the
	// same FCS input (TS 27.010 §5.2.6 excludes length from UIH's FCS).
	short := Marshal(Frame{DLCI: 3, CR: true, Type: FrameUIH, Info: []byte{0x01}})
	long := Marshal(Frame{DLCI: 3, CR: true, Type: FrameUIH, Info: make([]byte, 200)})
	assert.Equal(t, short[len(short)-1], fcsCompute(short[:2]))
	assert.Equal(t, long[len(long)-1], fcsCompute(long[:2]))
}

func TestFrameNonUIHFCSCoversLengthOctet(t *testing.T) {
	b := Marshal(Frame{DLCI: 0, CR: true, Type: FrameSABM, PF: true})
	assert.Equal(t, b[len(b)-1], fcsCompute(b[:3]))
}

func TestFrameRejectsCorruptedFCS(t *testing.T) {
	b := Marshal(Frame{DLCI: 1, CR: true, Type: FrameUA, PF: true})
	b[len(b)-1] ^= 0xFF
	_, err := Parse(b)
	assert.Error(t, err)
}

func TestFrameTwoOctetLength(t *testing.T) {
	info := make([]byte, 200)
	for i := range info {
		info[i] = byte(i)
	}
	f := Frame{DLCI: 7, CR: true, Type: FrameUIH, Info: info}
	b := Marshal(f)
	got, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, info, got.Info)
}

func TestFCSMatchesKnownSABMValue(t *testing.T) {
	// SABM on DLCI 0 (address=0x03 EA/C-R set, control=0x3F SABM|PF,
	// length=0x01): the 8-bit reverse-polynomial-0x8C FCS over those three
	// octets, init 0xFF and complemented to 0xFF, is 0xA2. A table built
	// from the wrong polynomial still passes the self-referential
	// round-trip tests above, so this pins the algorithm to one externally
	// computed value instead.
	got := fcsCompute([]byte{0x03, 0x3F, 0x01})
	assert.Equal(t, uint8(0xA2), got)
}

func TestFrameRejectsMultiOctetDLCIAddressing(t *testing.T) {
	b := Marshal(Frame{DLCI: 1, CR: true, Type: FrameUA, PF: true})
	b[0] &^= 0x01 // clear EA bit
	_, err := Parse(b)
	assert.Error(t, err)
}
