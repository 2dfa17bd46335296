// Package congestion implements the sliding-window congestion controller
// from spec.md §4.5. The spec notes two alternative controllers exist in
// the original source (sliding-window and a UDT-like mode) and mandates
// only the sliding-window mode, which is what this package implements —
// the UDT mode is intentionally omitted per that Open Question.
//
// Grounded on the original RakNet source's RTT/RTO smoothing constants
// (alpha=1/8, beta=1/4) carried into spec.md verbatim, and on the teacher's
// RecoveryQueue-driven resend model (source/protocol/raknet.go) generalized
// from "retransmit everything NAK'd" into RTT-based loss detection with a
// real congestion window.
package congestion

import (
	"sort"
	"time"

	"github.com/ventosilenzioso/go-raknet-core/clock"
	"github.com/ventosilenzioso/go-raknet-core/wire"
)

const (
	alpha = 0.125 // SRTT smoothing factor
	beta  = 0.25  // RTTVAR smoothing factor
)

// inFlightEntry records one sent datagram awaiting acknowledgement.
type inFlightEntry struct {
	datagramNumber uint32
	sentAt         time.Time
	size           int
}

// Controller is one peer's congestion state: RTT/RTO estimation,
// bytes-in-flight tracking, and the slow-start/steady-state window.
type Controller struct {
	clk clock.Source

	minRTO time.Duration
	maxRTO time.Duration
	mss    int

	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	haveSample bool

	cwndBytes     int
	maxCwndBytes  int
	bytesInFlight int
	slowStart     bool
	ackedSinceGrowth int

	// inFlight is kept sorted by datagramNumber, wrap-safely (see
	// inFlightSearch) ascending (§3: "Resend table... supports ordered
	// iteration by timestamp" — here the congestion history is ordered by
	// datagram number, the resend table proper lives in the reliability
	// layer and is ordered by next-action timestamp).
	inFlight []inFlightEntry
}

// NewController returns a Controller seeded with the spec's default RTO
// bounds and an initial congestion window of 2*mss (classic slow-start
// start condition).
func NewController(clk clock.Source, minRTO, maxRTO time.Duration, mtu int) *Controller {
	return &Controller{
		clk:          clk,
		minRTO:       minRTO,
		maxRTO:       maxRTO,
		mss:          mtu,
		rto:          minRTO,
		cwndBytes:    2 * mtu,
		maxCwndBytes: 1024 * mtu,
		slowStart:    true,
	}
}

// RTO returns the current retransmission timeout.
func (c *Controller) RTO() time.Duration { return c.rto }

// BytesInFlight returns the sum of payload sizes of datagrams sent but not
// yet acknowledged.
func (c *Controller) BytesInFlight() int { return c.bytesInFlight }

// CongestionWindow returns the current window's byte budget.
func (c *Controller) CongestionWindow() int { return c.cwndBytes }

// MaySendDataBytes returns the byte budget allowed to leave at this instant.
func (c *Controller) MaySendDataBytes(now time.Time) int {
	budget := c.cwndBytes - c.bytesInFlight
	if budget < 0 {
		return 0
	}
	return budget
}

// inFlightSearch returns the wrap-safe sort.Search index for datagramNumber
// within c.inFlight. Entries are ordered by wire.BeforeCounter24/
// AfterCounter24 distance rather than raw uint32 magnitude, so a 24-bit
// counter wraparound mid-window can't scatter the slice out of order the way
// a plain numeric >= comparison would.
func (c *Controller) inFlightSearch(datagramNumber uint32) int {
	return sort.Search(len(c.inFlight), func(i int) bool {
		return !wire.BeforeCounter24(c.inFlight[i].datagramNumber, datagramNumber)
	})
}

// OnSent records a newly-sent data datagram in the in-flight history.
func (c *Controller) OnSent(datagramNumber uint32, size int, now time.Time) {
	idx := c.inFlightSearch(datagramNumber)
	c.inFlight = append(c.inFlight, inFlightEntry{})
	copy(c.inFlight[idx+1:], c.inFlight[idx:])
	c.inFlight[idx] = inFlightEntry{datagramNumber: datagramNumber, sentAt: now, size: size}
	c.bytesInFlight += size
}

// OnAck credits an acknowledged datagram: computes an RTT sample, updates
// SRTT/RTTVAR/RTO, removes it from the in-flight history, and grows the
// congestion window (slow-start doubling, or additive increase once out of
// slow start). ok is false if the datagram number was not found (already
// acked, or never sent).
func (c *Controller) OnAck(datagramNumber uint32, now time.Time) (sample time.Duration, ok bool) {
	idx := c.inFlightSearch(datagramNumber)
	if idx >= len(c.inFlight) || c.inFlight[idx].datagramNumber != datagramNumber {
		return 0, false
	}
	entry := c.inFlight[idx]
	c.inFlight = append(c.inFlight[:idx], c.inFlight[idx+1:]...)
	c.bytesInFlight -= entry.size

	sample = now.Sub(entry.sentAt)
	c.updateRTOEstimate(sample)
	c.growWindow(entry.size)
	return sample, true
}

func (c *Controller) updateRTOEstimate(sample time.Duration) {
	if !c.haveSample {
		c.srtt = sample
		c.rttvar = sample / 2
		c.haveSample = true
	} else {
		diff := c.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		c.rttvar = time.Duration((1-beta)*float64(c.rttvar) + beta*float64(diff))
		c.srtt = time.Duration((1-alpha)*float64(c.srtt) + alpha*float64(sample))
	}
	rto := c.srtt + 4*c.rttvar
	if rto < c.minRTO {
		rto = c.minRTO
	}
	if rto > c.maxRTO {
		rto = c.maxRTO
	}
	c.rto = rto
}

func (c *Controller) growWindow(ackedSize int) {
	if c.slowStart {
		c.cwndBytes += ackedSize
		if c.cwndBytes > c.maxCwndBytes {
			c.cwndBytes = c.maxCwndBytes
		}
		return
	}
	c.ackedSinceGrowth += ackedSize
	if c.ackedSinceGrowth >= c.cwndBytes {
		c.ackedSinceGrowth = 0
		c.cwndBytes += c.mss
		if c.cwndBytes > c.maxCwndBytes {
			c.cwndBytes = c.maxCwndBytes
		}
	}
}

// OnLossDetected halves the congestion window's byte budget and exits slow
// start, per §4.5. Call this for a NAK'd datagram or a head-of-line
// in-flight entry whose age exceeds RTO (CheckTimeouts reports the latter).
func (c *Controller) OnLossDetected(datagramNumber uint32) {
	c.slowStart = false
	c.cwndBytes /= 2
	if c.cwndBytes < c.mss {
		c.cwndBytes = c.mss
	}
	c.ackedSinceGrowth = 0
}

// Remove drops an in-flight entry without crediting an RTT sample (used
// when the reliability layer gives up on a datagram entirely, e.g.
// connection teardown).
func (c *Controller) Remove(datagramNumber uint32) {
	idx := c.inFlightSearch(datagramNumber)
	if idx < len(c.inFlight) && c.inFlight[idx].datagramNumber == datagramNumber {
		c.bytesInFlight -= c.inFlight[idx].size
		c.inFlight = append(c.inFlight[:idx], c.inFlight[idx+1:]...)
	}
}

// CheckTimeouts returns the datagram numbers whose in-flight age now
// exceeds RTO — candidates for loss declaration (the reliability layer
// decides whether to retransmit their contained reliable packets or treat
// them as already covered by a more specific per-packet resend timer).
func (c *Controller) CheckTimeouts(now time.Time) []uint32 {
	var expired []uint32
	for _, e := range c.inFlight {
		if now.Sub(e.sentAt) > c.rto {
			expired = append(expired, e.datagramNumber)
		}
	}
	return expired
}

// InSlowStart reports whether the controller is still in the slow-start
// phase (for tests/diagnostics).
func (c *Controller) InSlowStart() bool { return c.slowStart }
