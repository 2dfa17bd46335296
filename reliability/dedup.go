package reliability

import "github.com/ventosilenzioso/go-raknet-core/wire"

// dedupWindow is the per-peer duplicate-suppression set for reliable message
// numbers (§4.6): a base counter plus a sparse set of the message numbers
// seen at or above it. Message numbers below base are rejected outright as
// already delivered; the base advances as the low, contiguous run of seen
// message numbers retires.
// The spec describes this as "a base pointer plus a bitset" — Go's standard
// library has no bitset type and nothing in the retrieved corpus imports one,
// so a sparse map of offsets serves the same role without a fixed capacity.
type dedupWindow struct {
	base uint32
	seen map[uint32]bool
}

func newDedupWindow() *dedupWindow {
	return &dedupWindow{seen: make(map[uint32]bool)}
}

// accept reports whether messageNumber has not been seen before, recording
// it if so. It assumes wrap-safe 24-bit counter space.
func (d *dedupWindow) accept(messageNumber uint32) bool {
	if messageNumber != d.base && wire.BeforeCounter24(messageNumber, d.base) {
		return false
	}
	if d.seen[messageNumber] {
		return false
	}
	d.seen[messageNumber] = true
	d.retire()
	return true
}

// retire advances base past any contiguous run of seen message numbers starting at
// base, freeing their bookkeeping entries.
func (d *dedupWindow) retire() {
	for d.seen[d.base] {
		delete(d.seen, d.base)
		d.base = wire.IncrementCounter24(d.base)
	}
}
