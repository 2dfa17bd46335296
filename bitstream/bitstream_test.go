package bitstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripScalarTypes(t *testing.T) {
	bs := New()
	require.NoError(t, bs.WriteBool(true))
	require.NoError(t, bs.WriteUint16(0xABCD))
	require.NoError(t, bs.WriteCompressedInt32(-17))
	require.NoError(t, bs.WriteBytes([]byte("hello")))

	written := bs.NumBitsUsed()

	bs.SetReadOffset(0)
	gotBool, err := bs.ReadBool()
	require.NoError(t, err)
	assert.Equal(t, true, gotBool)

	gotU16, err := bs.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xABCD), gotU16)

	gotI32, err := bs.ReadCompressedInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-17), gotI32)

	gotBytes, err := bs.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), gotBytes)

	assert.Equal(t, written, bs.NumBitsUsed(), "bit cursor must equal total bits written")
}

func TestCompressedUint24RoundTrip(t *testing.T) {
	cases := []uint32{0, 1, 0xFF, 0x100, 0xFFFF, 0x1000, 0xFFFFFF}
	for _, v := range cases {
		bs := New()
		require.NoError(t, bs.WriteCompressedUint24(v))
		bs.SetReadOffset(0)
		got, err := bs.ReadCompressedUint24()
		require.NoError(t, err)
		assert.Equal(t, v, got, "value %d", v)
	}
}

func TestCompressedInt32RoundTripNegativeAndPositive(t *testing.T) {
	cases := []int32{0, 1, -1, 127, -128, 32767, -32768, 1 << 20, -(1 << 20), 2147483647, -2147483648}
	for _, v := range cases {
		bs := New()
		require.NoError(t, bs.WriteCompressedInt32(v))
		bs.SetReadOffset(0)
		got, err := bs.ReadCompressedInt32()
		require.NoError(t, err)
		assert.Equal(t, v, got, "value %d", v)
	}
}

func TestCompressedFloatClampsOnRead(t *testing.T) {
	bs := New()
	require.NoError(t, bs.WriteCompressedFloat(150, 0, 100))
	bs.SetReadOffset(0)
	got, err := bs.ReadCompressedFloat(0, 100)
	require.NoError(t, err)
	assert.InDelta(t, 100, got, 0.01)
}

func TestUnalignedBitRuns(t *testing.T) {
	bs := New()
	require.NoError(t, bs.WriteBool(true))
	require.NoError(t, bs.WriteBool(false))
	require.NoError(t, bs.WriteBool(true))
	require.NoError(t, bs.WriteUint32(0xDEADBEEF))
	require.NoError(t, bs.WriteBool(false))

	bs.SetReadOffset(0)
	b1, _ := bs.ReadBool()
	b2, _ := bs.ReadBool()
	b3, _ := bs.ReadBool()
	v, err := bs.ReadUint32()
	require.NoError(t, err)
	b4, _ := bs.ReadBool()

	assert.True(t, b1)
	assert.False(t, b2)
	assert.True(t, b3)
	assert.Equal(t, uint32(0xDEADBEEF), v)
	assert.False(t, b4)
}

func TestReadPastEndFails(t *testing.T) {
	bs := New()
	require.NoError(t, bs.WriteBool(true))
	bs.SetReadOffset(0)
	_, err := bs.ReadUint32()
	assert.ErrorIs(t, err, ErrReadPastEnd)
}

func TestWriteToReadOnlyBufferFails(t *testing.T) {
	bs := NewFromBytes([]byte{1, 2, 3})
	err := bs.WriteBool(true)
	assert.ErrorIs(t, err, ErrWriteToReadOnly)
}

func TestStringRoundTrip(t *testing.T) {
	bs := New()
	require.NoError(t, bs.WriteString("hello raknet"))
	bs.SetReadOffset(0)
	got, err := bs.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello raknet", got)
}
