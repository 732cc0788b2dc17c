package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUID16(t *testing.T) {
	want := UUID{[]byte{0x00, 0x18}}
	got := UUID16(0x1800)
	assert.True(t, got.Equal(want))
}

func TestShort16RoundTrip(t *testing.T) {
	for n := 0; n <= 0xFFFF; n += 0x1111 {
		u := UUID16(uint16(n))
		v, ok := u.Short16()
		require.True(t, ok)
		assert.Equal(t, uint16(n), v)
	}
}

func Test128BitSurvivesRoundTrip(t *testing.T) {
	s := "6e400001-b5a3-f393-e0a9-e50e24dcca9e" // Nordic UART, not base-UUID derived
	u, err := Parse128(s)
	require.NoError(t, err)
	if _, ok := u.Short16(); ok {
		t.Fatalf("expected non-base UUID to not shorten")
	}
	if _, ok := u.Short32(); ok {
		t.Fatalf("expected non-base UUID to not shorten")
	}
	assert.Equal(t, s, u.String())
}

func TestCanonicalizePrefersShortest(t *testing.T) {
	u, err := Parse128("00001800-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	c := u.Canonicalize()
	assert.Equal(t, 2, c.Len())
	v, ok := c.Short16()
	require.True(t, ok)
	assert.Equal(t, uint16(0x1800), v)
}

func TestEqualAcrossForms(t *testing.T) {
	short := UUID16(0x1800)
	long, err := Parse128("00001800-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	assert.True(t, Equal(short, long))
}

func TestFromWireBytesRejectsBadLength(t *testing.T) {
	_, err := FromWireBytes([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
}
