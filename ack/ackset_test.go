package ack

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ventosilenzioso/go-raknet-core/bitstream"
)

func TestInsertMergesIntoExpectedIntervals(t *testing.T) {
	s := NewSet()
	for _, v := range []uint32{3, 4, 5, 10, 11, 1, 2} {
		s.Insert(v)
	}
	assert.Equal(t, []Interval{{1, 5}, {10, 11}}, s.Intervals())
}

func TestInsertIsPermutationInvariant(t *testing.T) {
	values := []uint32{3, 4, 5, 10, 11, 1, 2, 20, 21, 22, 7}
	r := rand.New(rand.NewSource(7))

	var baseline []Interval
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]uint32{}, values...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		s := NewSet()
		for _, v := range shuffled {
			s.Insert(v)
		}
		if baseline == nil {
			baseline = s.Intervals()
		} else {
			assert.Equal(t, baseline, s.Intervals(), "permutation %v", shuffled)
		}
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := NewSet()
	for _, v := range []uint32{3, 4, 5, 10, 11, 1, 2} {
		s.Insert(v)
	}

	bs := bitstream.New()
	remaining, err := s.Serialize(bs, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	bs.SetReadOffset(0)
	got, err := Deserialize(bs)
	require.NoError(t, err)
	assert.Equal(t, s.Intervals(), got.Intervals())
}

func TestSerializeRetainsOverflowIntervals(t *testing.T) {
	s := NewSet()
	s.Insert(1)
	s.Insert(10)
	s.Insert(20)

	bs := bitstream.New()
	remaining, err := s.Serialize(bs, 2)
	require.NoError(t, err)
	assert.Equal(t, []Interval{{20, 20}}, remaining)

	bs.SetReadOffset(0)
	got, err := Deserialize(bs)
	require.NoError(t, err)
	assert.Equal(t, []Interval{{1, 1}, {10, 10}}, got.Intervals())
}

func TestDeserializeRejectsNonMonotonicEncoding(t *testing.T) {
	bs := bitstream.New()
	require.NoError(t, bs.WriteUint16(2))
	require.NoError(t, bs.WriteBool(true))
	require.NoError(t, bs.WriteUint24(10))
	require.NoError(t, bs.WriteBool(true))
	require.NoError(t, bs.WriteUint24(5)) // out of order vs previous interval

	bs.SetReadOffset(0)
	_, err := Deserialize(bs)
	assert.ErrorIs(t, err, ErrMalformedInterval)
}

func TestDeserializeRejectsInvertedInterval(t *testing.T) {
	bs := bitstream.New()
	require.NoError(t, bs.WriteUint16(1))
	require.NoError(t, bs.WriteBool(false))
	require.NoError(t, bs.WriteUint24(10))
	require.NoError(t, bs.WriteUint24(5)) // max < min

	bs.SetReadOffset(0)
	_, err := Deserialize(bs)
	assert.ErrorIs(t, err, ErrMalformedInterval)
}

func TestContains(t *testing.T) {
	s := NewSet()
	s.InsertRange(10, 20)
	assert.True(t, s.Contains(15))
	assert.False(t, s.Contains(25))
	assert.False(t, s.Contains(9))
}
