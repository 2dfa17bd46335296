package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ventosilenzioso/go-raknet-core/bitstream"
)

func TestDatagramHeaderRoundTrip(t *testing.T) {
	bs := bitstream.New()
	h := DatagramHeader{
		HasBAndAS:        true,
		IsPacketPair:     false,
		IsContinuousSend: true,
		DatagramNumber:   0xABCDEF,
		SendTimestamp:    123456,
	}
	require.NoError(t, EncodeDataHeader(bs, h))
	bs.SetReadOffset(0)
	got, err := DecodeDataHeader(bs)
	require.NoError(t, err)
	assert.Equal(t, h.HasBAndAS, got.HasBAndAS)
	assert.Equal(t, h.IsContinuousSend, got.IsContinuousSend)
	assert.Equal(t, h.DatagramNumber, got.DatagramNumber)
	assert.Equal(t, h.SendTimestamp, got.SendTimestamp)
	assert.True(t, got.IsValid)
	assert.False(t, got.IsAckPacket)
}

func TestInternalHeaderRoundTripReliableOrdered(t *testing.T) {
	bs := bitstream.New()
	h := InternalPacketHeader{
		Reliability:   ReliableOrdered,
		Channel:       7,
		PayloadBitLen: 160,
		MessageNumber: 42,
		OrderingIndex: 9,
	}
	require.NoError(t, EncodeInternalHeader(bs, h))
	bs.SetReadOffset(0)
	got, err := DecodeInternalHeader(bs)
	require.NoError(t, err)
	assert.Equal(t, h.Reliability, got.Reliability)
	assert.Equal(t, h.Channel, got.Channel)
	assert.Equal(t, h.PayloadBitLen, got.PayloadBitLen)
	assert.Equal(t, h.MessageNumber, got.MessageNumber)
	assert.Equal(t, h.OrderingIndex, got.OrderingIndex)
}

func TestInternalHeaderRoundTripSplitFragment(t *testing.T) {
	bs := bitstream.New()
	h := InternalPacketHeader{
		Reliability:   Reliable,
		HasSplit:      true,
		PayloadBitLen: 9600,
		MessageNumber: 5,
		SplitPacketID: 12,
		SplitCount:    20,
		SplitIndex:    6,
	}
	require.NoError(t, EncodeInternalHeader(bs, h))
	bs.SetReadOffset(0)
	got, err := DecodeInternalHeader(bs)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestEncodeInternalHeaderRejectsInvalidChannel(t *testing.T) {
	bs := bitstream.New()
	h := InternalPacketHeader{Reliability: ReliableOrdered, Channel: 32}
	err := EncodeInternalHeader(bs, h)
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestWrapSafeCounterComparison(t *testing.T) {
	assert.True(t, AfterCounter24(5, 3))
	assert.False(t, AfterCounter24(3, 5))
	assert.False(t, AfterCounter24(3, 3))

	// Wraparound: near the top of the 24-bit window, a small counter is
	// "after" one close to the max.
	max := uint32(1<<24 - 1)
	assert.True(t, AfterCounter24(2, max-1))
	assert.True(t, BeforeCounter24(max-1, 2))
}

func TestIncrementCounter24Wraps(t *testing.T) {
	max := uint32(1<<24 - 1)
	assert.Equal(t, uint32(0), IncrementCounter24(max))
	assert.Equal(t, uint32(1), IncrementCounter24(0))
}

func TestReliabilityPredicates(t *testing.T) {
	assert.True(t, Reliable.IsReliable())
	assert.False(t, Unreliable.IsReliable())
	assert.True(t, ReliableOrdered.IsOrdered())
	assert.True(t, ReliableSequenced.IsSequenced())
	assert.True(t, ReliableWithAckReceipt.WantsReceipt())
	assert.False(t, Reliable.WantsReceipt())
}
