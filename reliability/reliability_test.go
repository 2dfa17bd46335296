package reliability

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventosilenzioso/go-raknet-core/clock"
	"github.com/ventosilenzioso/go-raknet-core/events"
	"github.com/ventosilenzioso/go-raknet-core/wire"
)

func testConfig() Config {
	return Config{
		MTU:                       1200,
		MaxSendAttempts:           10,
		MinRTO:                    50 * time.Millisecond,
		MaxRTO:                    3 * time.Second,
		AckDelay:                  1 * time.Millisecond,
		PingInterval:              5 * time.Second,
		Timeout:                   10 * time.Second,
		MaxSplitPacketsPerPeer:    128,
		MaxReassemblyBytesPerPeer: 4 << 20,
	}
}

func newConnectedLayer(clk clock.Source) *Layer {
	l := New(clk, testConfig(), logrus.NewEntry(logrus.New()))
	l.SetState(Connected)
	return l
}

// deliverAll feeds every datagram from sender's Tick into receiver.
func deliverAll(t *testing.T, datagrams [][]byte, receiver *Layer, now time.Time) {
	t.Helper()
	for _, dg := range datagrams {
		require.NoError(t, receiver.OnDatagram(dg, now))
	}
}

func TestUnreliableSendDeliversPayload(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	sender := newConnectedLayer(fc)
	receiver := newConnectedLayer(fc)

	require.NoError(t, sender.Send([]byte("hello"), Immediate, wire.Unreliable, 0, 0))
	datagrams := sender.Tick(fc.Now())
	require.NotEmpty(t, datagrams)

	deliverAll(t, datagrams, receiver, fc.Now())

	ev, ok := receiver.PopEvent()
	require.True(t, ok)
	assert.Equal(t, "hello", string(ev.Message))
}

func TestReliableWithReceiptAckedRoundTrip(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	sender := newConnectedLayer(fc)
	receiver := newConnectedLayer(fc)

	require.NoError(t, sender.Send([]byte("payload"), Immediate, wire.ReliableWithAckReceipt, 0, 42))
	dataDatagrams := sender.Tick(fc.Now())
	require.NotEmpty(t, dataDatagrams)

	deliverAll(t, dataDatagrams, receiver, fc.Now())

	ev, ok := receiver.PopEvent()
	require.True(t, ok)
	assert.Equal(t, "payload", string(ev.Message))

	fc.Advance(2 * time.Millisecond)
	ackDatagrams := receiver.Tick(fc.Now())
	require.NotEmpty(t, ackDatagrams)

	deliverAll(t, ackDatagrams, sender, fc.Now())

	receiptEvent, ok := sender.PopEvent()
	require.True(t, ok)
	assert.Equal(t, events.ReceiptAcked, receiptEvent.Kind)
	assert.Equal(t, uint64(42), receiptEvent.ReceiptID)
}

func TestOrderedDeliveryAcrossTwoSends(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	sender := newConnectedLayer(fc)
	receiver := newConnectedLayer(fc)

	require.NoError(t, sender.Send([]byte("first"), Immediate, wire.ReliableOrdered, 3, 0))
	require.NoError(t, sender.Send([]byte("second"), Immediate, wire.ReliableOrdered, 3, 0))
	datagrams := sender.Tick(fc.Now())
	require.NotEmpty(t, datagrams)

	deliverAll(t, datagrams, receiver, fc.Now())

	first, ok := receiver.PopEvent()
	require.True(t, ok)
	second, ok := receiver.PopEvent()
	require.True(t, ok)
	assert.Equal(t, "first", string(first.Message))
	assert.Equal(t, "second", string(second.Message))
}

func TestForceCloseSurfacesReceiptLossForOutstandingSends(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	sender := newConnectedLayer(fc)

	require.NoError(t, sender.Send([]byte("a"), Immediate, wire.ReliableWithAckReceipt, 0, 1))
	require.NoError(t, sender.Send([]byte("b"), Immediate, wire.ReliableWithAckReceipt, 0, 2))
	datagrams := sender.Tick(fc.Now())
	require.NotEmpty(t, datagrams)

	sender.ForceClose()

	var lossIDs []uint64
	sawConnectionLost := false
	for {
		ev, ok := sender.PopEvent()
		if !ok {
			break
		}
		if ev.Kind == events.ReceiptLoss {
			lossIDs = append(lossIDs, ev.ReceiptID)
		}
		if ev.Kind == events.ConnectionLost {
			sawConnectionLost = true
		}
	}
	assert.ElementsMatch(t, []uint64{1, 2}, lossIDs)
	assert.True(t, sawConnectionLost)
	assert.Equal(t, Dead, sender.State())
}

func TestSplitPacketRoundTripsAcrossTwoFragments(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	cfg := testConfig()
	cfg.MTU = 2000 // generous window: both fragments fit in one tick's budget
	sender := New(fc, cfg, logrus.NewEntry(logrus.New()))
	sender.SetState(Connected)
	receiver := New(fc, cfg, logrus.NewEntry(logrus.New()))
	receiver.SetState(Connected)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, sender.Send(payload, Immediate, wire.Reliable, 0, 0))

	datagrams := sender.Tick(fc.Now())
	require.Len(t, datagrams, 2)

	deliverAll(t, datagrams, receiver, fc.Now())

	ev, ok := receiver.PopEvent()
	require.True(t, ok)
	assert.Equal(t, payload, ev.Message)
}
