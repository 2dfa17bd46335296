// Package ack implements the acknowledgement set from spec.md §4.4: a
// sorted set of disjoint, closed datagram-number intervals, serialized as
// run-length pairs with a single-value compression bit. Grounded on the
// teacher's ACK/NACK Encode (source/protocol/raknet.go), generalized from a
// flat uint32 slice to merged intervals as the spec requires, and on the
// original RakNet BitStream's "single value" interval-compression bit.
package ack

import (
	"errors"
	"sort"

	"github.com/ventosilenzioso/go-raknet-core/bitstream"
)

// ErrMalformedInterval rejects min > max or non-monotonic encodings.
var ErrMalformedInterval = errors.New("ack: malformed interval")

// Interval is a closed, inclusive range of datagram numbers.
type Interval struct {
	Min, Max uint32
}

// Set is a sorted, disjoint collection of Interval. The zero value is a
// usable empty set.
type Set struct {
	intervals []Interval
}

// NewSet returns an empty Set.
func NewSet() *Set { return &Set{} }

// Len returns the number of merged intervals currently held.
func (s *Set) Len() int { return len(s.intervals) }

// Intervals returns a copy of the merged intervals, sorted ascending.
func (s *Set) Intervals() []Interval {
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}

// Contains reports whether v falls within any held interval.
func (s *Set) Contains(v uint32) bool {
	i := sort.Search(len(s.intervals), func(i int) bool { return s.intervals[i].Max >= v })
	return i < len(s.intervals) && s.intervals[i].Min <= v
}

// Insert adds v to the set, merging with touching or overlapping intervals.
// Insertion order does not affect the resulting set of intervals (§8
// invariant 7).
func (s *Set) Insert(v uint32) {
	i := sort.Search(len(s.intervals), func(i int) bool { return s.intervals[i].Min > v })

	// Check whether v already belongs to the interval before i.
	if i > 0 && s.intervals[i-1].Max >= v {
		return
	}
	if i > 0 && s.intervals[i-1].Max+1 == v {
		s.intervals[i-1].Max = v
		s.mergeForward(i - 1)
		return
	}
	if i < len(s.intervals) && s.intervals[i].Min == v+1 {
		s.intervals[i].Min = v
		if i > 0 {
			s.mergeForward(i - 1)
		}
		return
	}
	// No adjacency: insert a new singleton interval at position i.
	s.intervals = append(s.intervals, Interval{})
	copy(s.intervals[i+1:], s.intervals[i:])
	s.intervals[i] = Interval{Min: v, Max: v}
}

// InsertRange adds every value in [min,max] to the set.
func (s *Set) InsertRange(min, max uint32) {
	for v := min; v <= max; v++ {
		s.Insert(v)
		if v == max {
			break // avoid uint32 overflow when max == ^uint32(0)
		}
	}
}

// mergeForward merges intervals[idx] with its successor(s) while they touch
// or overlap.
func (s *Set) mergeForward(idx int) {
	for idx+1 < len(s.intervals) && s.intervals[idx].Max+1 >= s.intervals[idx+1].Min {
		if s.intervals[idx+1].Max > s.intervals[idx].Max {
			s.intervals[idx].Max = s.intervals[idx+1].Max
		}
		s.intervals = append(s.intervals[:idx+1], s.intervals[idx+2:]...)
	}
}

// defaultMaxWireIntervals is a per-ACK-datagram interval count for §4.4's
// "maximum wire size" contract. Serialize does not read it: its cap is the
// maxIntervals argument, and 0 there writes every interval.
const defaultMaxWireIntervals = 4096

// Serialize writes up to maxIntervals of the lowest intervals (count +
// per-interval is-single bit + min [+ max]) and returns the intervals that
// did not fit, to be retained for the next ACK datagram.
func (s *Set) Serialize(bs *bitstream.BitStream, maxIntervals int) (remaining []Interval, err error) {
	if maxIntervals <= 0 || maxIntervals > len(s.intervals) {
		maxIntervals = len(s.intervals)
	}
	toWrite := s.intervals[:maxIntervals]
	remaining = append(remaining, s.intervals[maxIntervals:]...)

	if err := bs.WriteUint16(uint16(len(toWrite))); err != nil {
		return nil, err
	}
	for _, iv := range toWrite {
		single := iv.Min == iv.Max
		if err := bs.WriteBool(single); err != nil {
			return nil, err
		}
		if err := bs.WriteUint24(iv.Min); err != nil {
			return nil, err
		}
		if !single {
			if err := bs.WriteUint24(iv.Max); err != nil {
				return nil, err
			}
		}
	}
	return remaining, nil
}

// Deserialize parses the wire form written by Serialize into a fresh Set,
// rejecting malformed (min > max, non-monotonic) encodings.
func Deserialize(bs *bitstream.BitStream) (*Set, error) {
	count, err := bs.ReadUint16()
	if err != nil {
		return nil, err
	}
	s := NewSet()
	var lastMax int64 = -1
	for i := uint16(0); i < count; i++ {
		single, err := bs.ReadBool()
		if err != nil {
			return nil, err
		}
		min, err := bs.ReadUint24()
		if err != nil {
			return nil, err
		}
		max := min
		if !single {
			max, err = bs.ReadUint24()
			if err != nil {
				return nil, err
			}
		}
		if max < min {
			return nil, ErrMalformedInterval
		}
		if int64(min) <= lastMax {
			return nil, ErrMalformedInterval
		}
		s.intervals = append(s.intervals, Interval{Min: min, Max: max})
		lastMax = int64(max)
	}
	return s, nil
}

// Clear empties the set (used after a full ACK flush).
func (s *Set) Clear() { s.intervals = nil }

// IsEmpty reports whether the set holds no intervals.
func (s *Set) IsEmpty() bool { return len(s.intervals) == 0 }
