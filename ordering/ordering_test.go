package ordering

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func payloadOf(items []Item) []string {
	var out []string
	for _, it := range items {
		out = append(out, string(it.Payload))
	}
	return out
}

func TestOrderedInOrderDelivery(t *testing.T) {
	s := NewSet()
	got := s.SubmitOrdered(0, 0, []byte("a"))
	assert.Equal(t, []string{"a"}, payloadOf(got))
	got = s.SubmitOrdered(0, 1, []byte("b"))
	assert.Equal(t, []string{"b"}, payloadOf(got))
}

func TestOrderedParksAndDrainsOutOfOrder(t *testing.T) {
	s := NewSet()
	assert.Nil(t, s.SubmitOrdered(0, 2, []byte("c"))) // parked, expecting 0
	assert.Nil(t, s.SubmitOrdered(0, 1, []byte("b"))) // parked, still expecting 0

	got := s.SubmitOrdered(0, 0, []byte("a"))
	assert.Equal(t, []string{"a", "b", "c"}, payloadOf(got))
	assert.Equal(t, uint32(3), s.ExpectedOrderingIndex(0))
	assert.Equal(t, 0, s.PendingCount(0))
}

func TestOrderedDropsDuplicates(t *testing.T) {
	s := NewSet()
	s.SubmitOrdered(0, 0, []byte("a"))
	got := s.SubmitOrdered(0, 0, []byte("a-dup"))
	assert.Nil(t, got)
}

func TestOrderedChannelsAreIndependent(t *testing.T) {
	s := NewSet()
	got0 := s.SubmitOrdered(0, 0, []byte("ch0"))
	got1 := s.SubmitOrdered(1, 0, []byte("ch1"))
	assert.Equal(t, []string{"ch0"}, payloadOf(got0))
	assert.Equal(t, []string{"ch1"}, payloadOf(got1))
}

func TestSequencedReorderDropsStale(t *testing.T) {
	s := NewSet()
	order := []uint32{2, 0, 4, 1, 3}
	var delivered []uint32
	for _, idx := range order {
		if s.SubmitSequenced(0, idx) {
			delivered = append(delivered, idx)
		}
	}
	assert.Equal(t, []uint32{2, 4}, delivered)
}

func TestOrderedSucessiveFullRun(t *testing.T) {
	s := NewSet()
	var delivered []string
	for i := uint32(0); i < 100; i++ {
		got := s.SubmitOrdered(0, i, []byte{byte(i)})
		delivered = append(delivered, payloadOf(got)...)
	}
	assert.Len(t, delivered, 100)
}
