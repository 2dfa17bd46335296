// Package ordering implements the receive-side ordered and sequenced
// delivery buffers from spec.md §3/§4.6: per-channel state that holds
// out-of-order arrivals until contiguous (ordered channels) or tracks the
// high-water sequencing index and drops stale arrivals (sequenced
// channels). Grounded on the teacher's Session.ChannelOrderIndex map and
// HandleDataPacket's duplicate/out-of-order/in-order branching
// (source/protocol/raknet.go), generalized from "process anyway" to a real
// per-channel reorder buffer that drains contiguous runs, and from a single
// deprecated OrderIndex field to the teacher's own per-channel map.
package ordering

import (
	"sync"

	"github.com/ventosilenzioso/go-raknet-core/wire"
)

// Item is a payload carrying the ordering or sequencing index it arrived
// with, opaque to this package beyond that index.
type Item struct {
	Index   uint32
	Payload []byte
}

type orderedChannel struct {
	expected uint32
	pending  map[uint32]Item
}

// Set holds the per-channel ordering and sequencing state for one peer
// connection. The reliability layer's single-owner-at-a-time discipline
// (§5) means callers need not serialize access, but a mutex is kept to
// match the teacher's belt-and-braces locking style and to make the type
// safe if that discipline is ever relaxed.
type Set struct {
	mu       sync.Mutex
	ordered  [wire.MaxChannels]*orderedChannel
	seqHigh  [wire.MaxChannels]uint32
	seqSeen  [wire.MaxChannels]bool
}

// NewSet returns an empty per-peer ordering/sequencing state.
func NewSet() *Set { return &Set{} }

// SubmitOrdered records an arrival on an ordered channel and returns every
// payload now deliverable in strictly increasing, gap-free order (the
// arrival itself, plus anything it unblocks from the reorder buffer).
// Duplicates (index < expected) are silently dropped (return nil).
func (s *Set) SubmitOrdered(channel byte, index uint32, payload []byte) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.ordered[channel]
	if ch == nil {
		ch = &orderedChannel{pending: make(map[uint32]Item)}
		s.ordered[channel] = ch
	}

	if index != ch.expected && wire.BeforeCounter24(index, ch.expected) {
		return nil // duplicate / already delivered
	}
	if index != ch.expected {
		ch.pending[index] = Item{Index: index, Payload: payload}
		return nil // out of order: parked
	}

	out := []Item{{Index: index, Payload: payload}}
	ch.expected = wire.IncrementCounter24(ch.expected)
	for {
		next, ok := ch.pending[ch.expected]
		if !ok {
			break
		}
		delete(ch.pending, ch.expected)
		out = append(out, next)
		ch.expected = wire.IncrementCounter24(ch.expected)
	}
	return out
}

// SubmitSequenced reports whether a sequenced-channel arrival should be
// delivered: true if its index is the new high-water (strictly after
// anything seen so far), false if it is stale and must be dropped.
func (s *Set) SubmitSequenced(channel byte, index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seqSeen[channel] {
		s.seqSeen[channel] = true
		s.seqHigh[channel] = index
		return true
	}
	if wire.AfterCounter24(index, s.seqHigh[channel]) {
		s.seqHigh[channel] = index
		return true
	}
	return false
}

// ExpectedOrderingIndex reports the next index an ordered channel expects
// (for diagnostics and tests).
func (s *Set) ExpectedOrderingIndex(channel byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ordered[channel]
	if ch == nil {
		return 0
	}
	return ch.expected
}

// PendingCount reports how many out-of-order arrivals are parked on an
// ordered channel (for anti-OOM diagnostics and tests).
func (s *Set) PendingCount(channel byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ordered[channel]
	if ch == nil {
		return 0
	}
	return len(ch.pending)
}
