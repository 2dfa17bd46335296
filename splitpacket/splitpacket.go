// Package splitpacket implements the split-packet reassembly table from
// spec.md §4.3: a per-peer container that accumulates the fragments of one
// logical message until complete. Grounded on the teacher's
// Session.SplitPackets map-of-maps and HandleDataPacket reassembly loop
// (source/protocol/raknet.go), generalized with the anti-OOM caps §4.3 and
// §5 require and made safe against duplicate fragment indices.
package splitpacket

import (
	"errors"
	"math"

	"github.com/ventosilenzioso/go-raknet-core/wire"
)

// ErrTooManyFragments is a resource error (§7): the record would exceed the
// configured per-record fragment-count cap.
var ErrTooManyFragments = errors.New("splitpacket: fragment count exceeds cap")

// ErrReassemblyBudgetExceeded is a resource error (§7): accepting this
// fragment would push the peer's total reassembly memory over its cap.
var ErrReassemblyBudgetExceeded = errors.New("splitpacket: per-peer reassembly memory cap exceeded")

// Fragment is one arrived piece of a split logical message.
type Fragment struct {
	Header  wire.InternalPacketHeader
	Payload []byte
}

// record accumulates the fragments of a single split-packet id.
type record struct {
	slots       [][]byte
	occupied    int
	occupiedSet map[uint32]bool
	totalBytes  int
	meta        wire.InternalPacketHeader // reliability/ordering metadata shared by all fragments
}

// Reassembled is a fully-reassembled logical message, ready to re-enter the
// reliability layer's ordering/sequencing/delivery path.
type Reassembled struct {
	Header  wire.InternalPacketHeader // with HasSplit cleared, PayloadBitLen summed
	Payload []byte
}

// Table is the per-peer reassembly table, keyed by split-packet id.
type Table struct {
	maxFragmentsPerRecord int
	maxTotalBytes         int

	records      map[uint16]*record
	currentBytes int
}

// NewTable returns a reassembly table bounded by the anti-OOM caps from §6's
// configuration (maxSplitPacketsPerPeer maps to maxFragmentsPerRecord here;
// maxReassemblyBytesPerPeer maps to maxTotalBytes).
func NewTable(maxFragmentsPerRecord, maxTotalBytes int) *Table {
	return &Table{
		maxFragmentsPerRecord: maxFragmentsPerRecord,
		maxTotalBytes:         maxTotalBytes,
		records:               make(map[uint16]*record),
	}
}

// Insert adds a fragment. It returns a non-nil *Reassembled once every slot
// for that split-packet id is filled; otherwise it returns nil, nil and the
// record remains pending. Duplicate fragment indices are discarded (the
// repeat fragment is dropped without overwriting the stored one).
func (t *Table) Insert(f Fragment) (*Reassembled, error) {
	h := f.Header
	if int(h.SplitCount) > t.maxFragmentsPerRecord {
		return nil, ErrTooManyFragments
	}

	r, exists := t.records[h.SplitPacketID]
	if !exists {
		r = &record{
			slots:       make([][]byte, h.SplitCount),
			occupiedSet: make(map[uint32]bool, h.SplitCount),
			meta:        h,
		}
		t.records[h.SplitPacketID] = r
	}

	if h.SplitIndex >= uint32(len(r.slots)) {
		return nil, ErrMalformedFragmentIndex
	}
	if r.occupiedSet[h.SplitIndex] {
		// Duplicate: free the repeat without overwriting the stored slot.
		return nil, nil
	}

	if t.currentBytes+len(f.Payload) > t.maxTotalBytes {
		return nil, ErrReassemblyBudgetExceeded
	}

	r.slots[h.SplitIndex] = f.Payload
	r.occupiedSet[h.SplitIndex] = true
	r.occupied++
	r.totalBytes += len(f.Payload)
	t.currentBytes += len(f.Payload)

	if r.occupied < len(r.slots) {
		return nil, nil
	}

	// Complete: concatenate in index order and destroy the record.
	payload := make([]byte, 0, r.totalBytes)
	for _, slot := range r.slots {
		payload = append(payload, slot...)
	}
	delete(t.records, h.SplitPacketID)
	t.currentBytes -= r.totalBytes

	outHeader := r.meta
	outHeader.HasSplit = false
	outHeader.PayloadBitLen = saturatingBitLen(len(payload))
	return &Reassembled{Header: outHeader, Payload: payload}, nil
}

// saturatingBitLen converts a byte length to a bit count, saturating at
// uint16's range instead of silently wrapping. Reassembled payloads routinely
// exceed the 8191 bytes a uint16 bit count can hold; nothing downstream reads
// PayloadBitLen once HasSplit is cleared (only the pre-reassembly per-fragment
// value, bounded by the connection's MTU, is ever consulted on the wire path),
// but a saturated sentinel is safer than a wrapped-around short count.
func saturatingBitLen(n int) uint16 {
	bits := n * 8
	if bits > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(bits)
}

// ErrMalformedFragmentIndex is a wire-format error: a fragment index at or
// beyond the declared fragment count.
var ErrMalformedFragmentIndex = errors.New("splitpacket: fragment index out of declared range")

// PendingCount reports how many split-packet ids currently have an
// incomplete record (for tests and diagnostics).
func (t *Table) PendingCount() int { return len(t.records) }

// BytesInFlight reports the table's current reassembly memory usage.
func (t *Table) BytesInFlight() int { return t.currentBytes }

// Discard drops a pending record (used on connection teardown or explicit
// cancellation), freeing its reassembly memory budget.
func (t *Table) Discard(splitID uint16) {
	if r, ok := t.records[splitID]; ok {
		t.currentBytes -= r.totalBytes
		delete(t.records, splitID)
	}
}
