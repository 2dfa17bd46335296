package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ventosilenzioso/go-raknet-core/clock"
)

func TestRTOEstimationFollowsSmoothingFormula(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	c := NewController(fc, 100*time.Millisecond, 3*time.Second, 1200)

	c.OnSent(1, 1200, fc.Now())
	fc.Advance(50 * time.Millisecond)
	sample, ok := c.OnAck(1, fc.Now())
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, sample)
	// First sample: SRTT = sample, RTTVAR = sample/2, RTO = SRTT + 4*RTTVAR = 3*sample.
	assert.Equal(t, 150*time.Millisecond, c.RTO())
}

func TestBytesInFlightTrackedAcrossSendAndAck(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	c := NewController(fc, 100*time.Millisecond, 3*time.Second, 1200)

	c.OnSent(1, 500, fc.Now())
	c.OnSent(2, 700, fc.Now())
	assert.Equal(t, 1200, c.BytesInFlight())

	c.OnAck(1, fc.Now())
	assert.Equal(t, 700, c.BytesInFlight())
}

func TestLossHalvesWindowAndExitsSlowStart(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	c := NewController(fc, 100*time.Millisecond, 3*time.Second, 1200)
	before := c.CongestionWindow()

	c.OnSent(1, 1200, fc.Now())
	c.OnLossDetected(1)

	assert.Equal(t, before/2, c.CongestionWindow())
	assert.False(t, c.InSlowStart())
}

func TestTimeoutDetectsExpiredInFlightEntry(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	c := NewController(fc, 50*time.Millisecond, 3*time.Second, 1200)

	c.OnSent(7, 1200, fc.Now())
	assert.Empty(t, c.CheckTimeouts(fc.Now()))

	fc.Advance(60 * time.Millisecond)
	expired := c.CheckTimeouts(fc.Now())
	assert.Equal(t, []uint32{7}, expired)
}

func TestSlowStartGrowsWindowByAckedBytes(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	c := NewController(fc, 100*time.Millisecond, 3*time.Second, 1000)
	initial := c.CongestionWindow()

	c.OnSent(1, 1000, fc.Now())
	c.OnAck(1, fc.Now().Add(10*time.Millisecond))

	assert.Equal(t, initial+1000, c.CongestionWindow())
}

func TestMaySendDataBytesReflectsBudget(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	c := NewController(fc, 100*time.Millisecond, 3*time.Second, 1000)
	full := c.MaySendDataBytes(fc.Now())

	c.OnSent(1, full, fc.Now())
	assert.Equal(t, 0, c.MaySendDataBytes(fc.Now()))
}

func TestAckUnknownDatagramIsNoop(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	c := NewController(fc, 100*time.Millisecond, 3*time.Second, 1000)
	_, ok := c.OnAck(99, fc.Now())
	assert.False(t, ok)
}

func TestInFlightOrderingSurvivesCounter24Wraparound(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	c := NewController(fc, 100*time.Millisecond, 3*time.Second, 1000)

	// Datagram numbers straddling the 24-bit wraparound point: 0xFFFFFE,
	// 0xFFFFFF, 0x000000, 0x000001 are sent in that order, which is NOT
	// ascending as raw uint32s once it wraps past 0xFFFFFF.
	const counterMax = 1<<24 - 1
	sent := []uint32{counterMax - 1, counterMax, 0, 1}
	for i, dn := range sent {
		c.OnSent(dn, 100, fc.Now().Add(time.Duration(i)*time.Millisecond))
	}
	assert.Equal(t, 400, c.BytesInFlight())

	for _, dn := range sent {
		_, ok := c.OnAck(dn, fc.Now().Add(10*time.Millisecond))
		assert.True(t, ok, "ack for datagram %d should be found", dn)
	}
	assert.Equal(t, 0, c.BytesInFlight())
}
