package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierstack/courierstack/uuid"
)

func TestElementRoundTripUint(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 65535, 0xFFFFFFFF} {
		var b []byte
		switch {
		case v <= 0xFF:
			b = MarshalUint8(uint8(v))
		case v <= 0xFFFF:
			b = MarshalUint16(uint16(v))
		default:
			b = MarshalUint32(uint32(v))
		}
		el, rest, err := ParseElement(b)
		require.NoError(t, err)
		assert.Empty(t, rest)
		got, err := el.AsUint()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestElementRoundTripUUID16(t *testing.T) {
	u := uuid.UUID16(0x1101) // SerialPort
	b := MarshalUUID(u)
	el, _, err := ParseElement(b)
	require.NoError(t, err)
	got, err := el.AsUUID()
	require.NoError(t, err)
	assert.True(t, u.Equal(got))
}

func TestElementRoundTripUUID128(t *testing.T) {
	u := uuid.Must128("12345678-1234-5678-1234-56789abcdef0")
	b := MarshalUUID(u)
	el, _, err := ParseElement(b)
	require.NoError(t, err)
	got, err := el.AsUUID()
	require.NoError(t, err)
	assert.True(t, u.Equal(got))
}

func TestElementSequenceNesting(t *testing.T) {
	inner := MarshalSequence(MarshalUUID(uuid.UUID16(0x0100)), MarshalUint8(1))
	outer := MarshalSequence(inner, MarshalUint16(42))

	el, rest, err := ParseElement(outer)
	require.NoError(t, err)
	assert.Empty(t, rest)
	require.Equal(t, elemTypeSeq, el.Type)
	require.Len(t, el.Seq, 2)

	require.Equal(t, elemTypeSeq, el.Seq[0].Type)
	require.Len(t, el.Seq[0].Seq, 2)
	u, err := el.Seq[0].Seq[0].AsUUID()
	require.NoError(t, err)
	assert.True(t, uuid.UUID16(0x0100).Equal(u))

	v, err := el.Seq[1].AsUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestElementLongFormSequenceLength(t *testing.T) {
	children := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		children = append(children, MarshalUUID(uuid.Must128("12345678-1234-5678-1234-56789abcdef0")))
	}
	b := MarshalSequence(children...)
	el, rest, err := ParseElement(b)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Len(t, el.Seq, 64)
}

func TestElementRejectsTruncatedLengthField(t *testing.T) {
	_, _, err := ParseElement([]byte{marshalHeader(elemTypeSeq, 5)}) // declares a length octet but omits it
	assert.Error(t, err)
}
