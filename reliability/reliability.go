// Package reliability implements the per-peer reliability state machine from
// spec.md §4.6: message fragmentation, reliable retransmission, ordering and
// sequencing delivery, ACK/NAK bookkeeping, and the connection state machine.
// It is grounded on the teacher's Session type and its HandleDataPacket/
// HandleACK/HandleNACK methods (source/protocol/raknet.go), generalized from
// the teacher's single hard-coded reliability mode to the spec's six modes,
// and composed from the bitstream, wire, ack, splitpacket, ordering and
// congestion packages built alongside it.
package reliability

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ventosilenzioso/go-raknet-core/ack"
	"github.com/ventosilenzioso/go-raknet-core/bitstream"
	"github.com/ventosilenzioso/go-raknet-core/clock"
	"github.com/ventosilenzioso/go-raknet-core/congestion"
	"github.com/ventosilenzioso/go-raknet-core/events"
	"github.com/ventosilenzioso/go-raknet-core/ordering"
	"github.com/ventosilenzioso/go-raknet-core/splitpacket"
	"github.com/ventosilenzioso/go-raknet-core/wire"
)

// Priority selects one of the four outbound priority classes §4.6 names,
// drained highest-first; inside a class packets leave in the order they were
// queued (first in, first out, with no round-robin across channels) — matching the
// PacketPriority levels the original RakNet plugin interface exposes
// (original_source/Source/PluginInterface2.cpp references IMMEDIATE/HIGH/
// MEDIUM/LOW sends by name).
type Priority int

const (
	Immediate Priority = iota
	High
	Medium
	Low
	numPriorities
)

// State is a peer connection's position in the §4.6 state machine.
type State int

const (
	Unconnected State = iota
	Requesting
	Handshaking
	Connected
	DisconnectingGraceful
	Dead
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "UNCONNECTED"
	case Requesting:
		return "REQUESTING"
	case Handshaking:
		return "HANDSHAKING"
	case Connected:
		return "CONNECTED"
	case DisconnectingGraceful:
		return "DISCONNECTING_GRACEFUL"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN_STATE"
	}
}

// WireError marks a malformed-datagram condition (§7): the caller drops the
// datagram and increments its peer's malformed-packet counter.
type WireError struct {
	Op  string
	Err error
}

func (e *WireError) Error() string { return fmt.Sprintf("reliability: %s: %v", e.Op, e.Err) }
func (e *WireError) Unwrap() error { return e.Err }

// ResourceError marks a resource-exhaustion condition (§7): the operation
// fails but the connection survives.
type ResourceError struct {
	Code string
	Err  error
}

func (e *ResourceError) Error() string { return fmt.Sprintf("reliability: %s: %v", e.Code, e.Err) }
func (e *ResourceError) Unwrap() error { return e.Err }

// ErrNotConnected is a programming error: send was called outside CONNECTED.
var ErrNotConnected = errors.New("reliability: peer is not connected")

// overheadBytes approximates the datagram header's worst-case wire size
// (flag byte, 3-byte datagram number, 4-byte timestamp) for MTU budgeting.
const overheadBytes = 8

// internalOverheadBytes approximates one internal packet header's worst-case
// wire size (reliability+channel bits, compressed length, message number,
// ordering+sequencing, split fields) for per-packet MTU budgeting.
const internalOverheadBytes = 20

// Config is the subset of config.Config the reliability layer consumes.
type Config struct {
	MTU                       int
	MaxSendAttempts           int
	MinRTO                    time.Duration
	MaxRTO                    time.Duration
	AckDelay                  time.Duration
	PingInterval              time.Duration
	Timeout                   time.Duration
	MaxSplitPacketsPerPeer    int
	MaxReassemblyBytesPerPeer int
}

// pendingPacket is one internal packet queued for its first transmission.
type pendingPacket struct {
	header     wire.InternalPacketHeader
	payload    []byte
	receiptID  uint64
	hasReceipt bool
}

// resendEntry tracks one reliable internal packet awaiting acknowledgement.
type resendEntry struct {
	messageNumber  uint32
	header         wire.InternalPacketHeader
	payload        []byte
	receiptID      uint64
	hasReceipt     bool
	sendAttempts   int
	nextAction     time.Time
	datagramNumber uint32
}

// Layer is one peer's reliability state machine. It owns no socket; the
// caller (package peer) hands it inbound bytes and pulls outbound datagrams.
type Layer struct {
	clk    clock.Source
	cfg    Config
	cong   *congestion.Controller
	split  *splitpacket.Table
	order  *ordering.Set
	log    *logrus.Entry

	state State

	queues [numPriorities][]pendingPacket

	nextMessageNumber uint32
	nextSplitID       uint16

	// sendOrdering/sendSequencing are the sender-side per-channel counters
	// assigned to outgoing ordered/sequenced sends (§4.6 steps 3-4). These
	// are independent of ordering.Set, which tracks the *receive*-side
	// expected index for inbound delivery.
	sendOrdering   [wire.MaxChannels]uint32
	sendSequencing [wire.MaxChannels]uint32

	resend          map[uint32]*resendEntry // keyed by message number
	datagramPackets map[uint32][]uint32     // datagram number -> message numbers carried

	nextDatagramNumber     uint32
	expectedDatagramNumber uint32
	haveExpected           bool

	pendingAcks *ack.Set
	pendingNaks *ack.Set

	dedup *dedupWindow

	lastSendTime time.Time
	lastRecvTime time.Time
	ackArmedAt   time.Time
	ackArmed     bool

	malformedCount int

	outbox []events.Event
}

// New constructs a Layer for one peer in the UNCONNECTED state.
func New(clk clock.Source, cfg Config, log *logrus.Entry) *Layer {
	now := clk.Now()
	return &Layer{
		clk:             clk,
		cfg:             cfg,
		cong:            congestion.NewController(clk, cfg.MinRTO, cfg.MaxRTO, cfg.MTU),
		split:           splitpacket.NewTable(cfg.MaxSplitPacketsPerPeer, cfg.MaxReassemblyBytesPerPeer),
		order:           ordering.NewSet(),
		log:             log,
		state:           Unconnected,
		resend:          make(map[uint32]*resendEntry),
		datagramPackets: make(map[uint32][]uint32),
		pendingAcks:     ack.NewSet(),
		pendingNaks:     ack.NewSet(),
		dedup:           newDedupWindow(),
		lastSendTime:    now,
		lastRecvTime:    now,
	}
}

// State reports the current connection state.
func (l *Layer) State() State { return l.state }

// SetState forces a state transition (used by the peer manager's handshake
// and teardown logic).
func (l *Layer) SetState(s State) { l.state = s }

// PopEvent pops one queued peer-visible event, if any.
func (l *Layer) PopEvent() (events.Event, bool) {
	if len(l.outbox) == 0 {
		return events.Event{}, false
	}
	e := l.outbox[0]
	l.outbox = l.outbox[1:]
	return e, true
}

func (l *Layer) emit(e events.Event) { l.outbox = append(l.outbox, e) }

// Send queues an application payload for transmission per §4.6's send path.
// receiptID is only meaningful when reliability.WantsReceipt(). Receipt
// events are produced only for reliable modes: an UnreliableWithAckReceipt
// send yields no ReceiptAcked or ReceiptLoss event.
func (l *Layer) Send(payload []byte, priority Priority, reliability wire.Reliability, channel byte, receiptID uint64) error {
	if l.state != Connected {
		return ErrNotConnected
	}
	if channel >= wire.MaxChannels {
		return wire.ErrInvalidChannel
	}
	hasReceipt := reliability.WantsReceipt()

	fragmentSize := l.cfg.MTU - overheadBytes - internalOverheadBytes
	if fragmentSize <= 0 {
		return &ResourceError{Code: "mtu_too_small", Err: fmt.Errorf("mtu %d leaves no room for payload", l.cfg.MTU)}
	}

	var orderingIndex, sequencingIndex uint32
	if reliability.IsOrdered() || reliability.IsSequenced() {
		orderingIndex = l.sendOrdering[channel]
		l.sendOrdering[channel] = wire.IncrementCounter24(orderingIndex)
		sequencingIndex = l.sendSequencing[channel]
		l.sendSequencing[channel] = wire.IncrementCounter24(sequencingIndex)
	}

	if len(payload) <= fragmentSize {
		h := wire.InternalPacketHeader{
			Reliability:     reliability,
			Channel:         channel,
			HasSplit:        false,
			PayloadBitLen:   uint16(len(payload) * 8),
			OrderingIndex:   orderingIndex,
			SequencingIndex: sequencingIndex,
		}
		l.assignMessageNumber(&h, reliability)
		l.enqueuePending(h, payload, receiptID, hasReceipt, priority)
		return nil
	}

	splitID := l.nextSplitID
	l.nextSplitID++
	fragments := splitInto(payload, fragmentSize)
	for i, frag := range fragments {
		h := wire.InternalPacketHeader{
			Reliability:     reliability,
			Channel:         channel,
			HasSplit:        true,
			PayloadBitLen:   uint16(len(frag) * 8),
			OrderingIndex:   orderingIndex,
			SequencingIndex: sequencingIndex,
			SplitPacketID:   splitID,
			SplitCount:      uint32(len(fragments)),
			SplitIndex:      uint32(i),
		}
		l.assignMessageNumber(&h, reliability)
		// Only the final fragment carries the receipt obligation; earlier
		// fragments are not independently meaningful to the application.
		fragHasReceipt := hasReceipt && i == len(fragments)-1
		l.enqueuePending(h, frag, receiptID, fragHasReceipt, priority)
	}
	return nil
}

func splitInto(payload []byte, fragmentSize int) [][]byte {
	var out [][]byte
	for len(payload) > 0 {
		n := fragmentSize
		if n > len(payload) {
			n = len(payload)
		}
		out = append(out, payload[:n])
		payload = payload[n:]
	}
	return out
}

// assignMessageNumber fills in the per-fragment message number for reliable
// modes (§4.6 step 2); each fragment of a split message gets its own, since
// each is independently acknowledged and duplicate-suppressed.
func (l *Layer) assignMessageNumber(h *wire.InternalPacketHeader, reliability wire.Reliability) {
	if reliability.IsReliable() {
		h.MessageNumber = l.nextMessageNumber
		l.nextMessageNumber = wire.IncrementCounter24(l.nextMessageNumber)
	}
}

func (l *Layer) enqueuePending(h wire.InternalPacketHeader, payload []byte, receiptID uint64, hasReceipt bool, priority Priority) {
	l.queues[priority] = append(l.queues[priority], pendingPacket{header: h, payload: payload, receiptID: receiptID, hasReceipt: hasReceipt})
}

// peekPending returns the head of the highest non-empty priority queue
// without removing it (§4.6: "drain new packets from the highest non-empty
// priority queue").
func (l *Layer) peekPending() (pendingPacket, Priority, bool) {
	for p := Priority(0); p < numPriorities; p++ {
		if len(l.queues[p]) > 0 {
			return l.queues[p][0], p, true
		}
	}
	return pendingPacket{}, 0, false
}

func (l *Layer) popPending(p Priority) {
	l.queues[p] = l.queues[p][1:]
}

// Tick drives the framing and send path (§4.6 "Framing and send ticking"),
// plus keepalive/timeout bookkeeping. It returns zero or more wire-ready
// datagrams to hand to the socket.
func (l *Layer) Tick(now time.Time) [][]byte {
	var datagrams [][]byte

	if l.state == Dead || l.state == Unconnected {
		return nil
	}

	l.checkTimeouts(now)
	if l.state == Dead {
		return nil
	}

	for l.cong.MaySendDataBytes(now) >= overheadBytes+internalOverheadBytes {
		dg, ok := l.buildDatagram(now)
		if !ok {
			break
		}
		datagrams = append(datagrams, dg)
	}

	if l.ackArmed && now.Sub(l.ackArmedAt) >= l.cfg.AckDelay {
		if dg, ok := l.buildAckOrNakDatagram(now, l.pendingAcks, false); ok {
			datagrams = append(datagrams, dg)
		}
		if dg, ok := l.buildAckOrNakDatagram(now, l.pendingNaks, true); ok {
			datagrams = append(datagrams, dg)
		}
		l.ackArmed = false
	}

	if now.Sub(l.lastSendTime) >= l.cfg.PingInterval && l.state == Connected {
		h := wire.InternalPacketHeader{Reliability: wire.Unreliable}
		l.enqueuePending(h, nil, 0, false, Immediate)
	}

	return datagrams
}

func (l *Layer) checkTimeouts(now time.Time) {
	if l.state == Connected && now.Sub(l.lastRecvTime) >= l.cfg.Timeout {
		l.declareDead()
		return
	}
	for _, dn := range l.cong.CheckTimeouts(now) {
		l.onDatagramLost(dn, now)
	}
}

func (l *Layer) declareDead() {
	l.state = Dead
	for _, entry := range l.resend {
		if entry.hasReceipt {
			l.emit(events.Event{Kind: events.ReceiptLoss, ReceiptID: entry.receiptID})
		}
	}
	l.resend = make(map[uint32]*resendEntry)
	for p := range l.queues {
		for _, pp := range l.queues[p] {
			if pp.hasReceipt {
				l.emit(events.Event{Kind: events.ReceiptLoss, ReceiptID: pp.receiptID})
			}
		}
		l.queues[p] = nil
	}
	l.emit(events.Event{Kind: events.ConnectionLost})
}

// buildDatagram drains due retransmissions first, then new sends, packing as
// many internal packets as fit within MTU, per §4.6 step-by-step.
func (l *Layer) buildDatagram(now time.Time) ([]byte, bool) {
	budget := l.cfg.MTU - overheadBytes
	var packed []pendingOrResend
	used := 0

	for _, mn := range l.dueRetransmissions(now) {
		entry := l.resend[mn]
		if entry == nil {
			continue
		}
		size := len(entry.payload) + internalOverheadBytes
		if used+size > budget {
			break
		}
		packed = append(packed, pendingOrResend{resend: entry})
		used += size
	}

	for used < budget {
		p, prio, ok := l.peekPending()
		if !ok {
			break
		}
		size := len(p.payload) + internalOverheadBytes
		if used+size > budget {
			break // leave it queued; it may fit in a later datagram this tick
		}
		l.popPending(prio)
		packed = append(packed, pendingOrResend{pending: &p})
		used += size
	}

	if len(packed) == 0 {
		return nil, false
	}

	bs := bitstream.New()
	dn := l.nextDatagramNumber
	l.nextDatagramNumber = wire.IncrementCounter24(l.nextDatagramNumber)

	hdr := wire.DatagramHeader{DatagramNumber: dn, SendTimestamp: uint32(now.UnixMicro())}
	if err := wire.EncodeDataHeader(bs, hdr); err != nil {
		return nil, false
	}

	var messageNumbers []uint32
	size := used
	for _, pr := range packed {
		var h wire.InternalPacketHeader
		var payload []byte
		var receiptID uint64
		var hasReceipt, reliable bool
		var messageNumber uint32

		if pr.resend != nil {
			h, payload = pr.resend.header, pr.resend.payload
			receiptID, hasReceipt = pr.resend.receiptID, pr.resend.hasReceipt
			reliable = true
			messageNumber = pr.resend.messageNumber
			pr.resend.sendAttempts++
			pr.resend.nextAction = now.Add(l.cong.RTO())
			pr.resend.datagramNumber = dn
		} else {
			h, payload = pr.pending.header, pr.pending.payload
			receiptID, hasReceipt = pr.pending.receiptID, pr.pending.hasReceipt
			reliable = h.Reliability.IsReliable()
			messageNumber = h.MessageNumber
			if reliable {
				l.resend[messageNumber] = &resendEntry{
					messageNumber:  messageNumber,
					header:         h,
					payload:        payload,
					receiptID:      receiptID,
					hasReceipt:     hasReceipt,
					sendAttempts:   1,
					nextAction:     now.Add(l.cong.RTO()),
					datagramNumber: dn,
				}
			}
		}

		if err := wire.EncodeInternalHeader(bs, h); err != nil {
			return nil, false
		}
		if err := bs.WriteBytesAligned(payload); err != nil {
			return nil, false
		}
		if reliable {
			messageNumbers = append(messageNumbers, messageNumber)
		}
	}

	if len(messageNumbers) > 0 {
		l.datagramPackets[dn] = messageNumbers
	}
	l.cong.OnSent(dn, size, now)
	l.lastSendTime = now
	return bs.Bytes(), true
}

type pendingOrResend struct {
	pending *pendingPacket
	resend  *resendEntry
}

// dueRetransmissions returns message numbers whose resend entry is due,
// sorted for deterministic packing.
func (l *Layer) dueRetransmissions(now time.Time) []uint32 {
	var due []uint32
	for mn, entry := range l.resend {
		if !entry.nextAction.After(now) {
			due = append(due, mn)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	return due
}

func (l *Layer) buildAckOrNakDatagram(now time.Time, set *ack.Set, isNak bool) ([]byte, bool) {
	if set.IsEmpty() {
		return nil, false
	}
	bs := bitstream.New()
	dn := l.nextDatagramNumber
	l.nextDatagramNumber = wire.IncrementCounter24(l.nextDatagramNumber)
	if err := wire.EncodeAckOrNakHeader(bs, dn, isNak); err != nil {
		return nil, false
	}
	remaining, err := set.Serialize(bs, 0)
	if err != nil {
		return nil, false
	}
	if len(remaining) > 0 {
		kept := ack.NewSet()
		for _, iv := range remaining {
			kept.InsertRange(iv.Min, iv.Max)
		}
		*set = *kept
	} else {
		set.Clear()
	}
	l.lastSendTime = now
	return bs.Bytes(), true
}

// OnDatagram processes one inbound datagram per §4.6's receive path.
func (l *Layer) OnDatagram(data []byte, now time.Time) error {
	if len(data) == 0 {
		return &WireError{Op: "onDatagram", Err: errors.New("empty datagram")}
	}
	l.lastRecvTime = now

	if wire.PeekIsAck(data[0]) {
		bs := bitstream.NewFromBytes(data)
		dn, isNak, err := wire.DecodeAckOrNakHeader(bs)
		if err != nil {
			return &WireError{Op: "decodeAckHeader", Err: err}
		}
		set, err := ack.Deserialize(bs)
		if err != nil {
			return &WireError{Op: "decodeAckSet", Err: err}
		}
		_ = dn
		if isNak {
			l.handleNaks(set, now)
		} else {
			l.handleAcks(set, now)
		}
		return nil
	}

	bs := bitstream.NewFromBytes(data)
	h, err := wire.DecodeDataHeader(bs)
	if err != nil {
		l.malformedCount++
		return &WireError{Op: "decodeDataHeader", Err: err}
	}

	if !l.haveExpected {
		l.expectedDatagramNumber = h.DatagramNumber
		l.haveExpected = true
	}

	switch {
	case h.DatagramNumber == l.expectedDatagramNumber:
		l.expectedDatagramNumber = wire.IncrementCounter24(l.expectedDatagramNumber)
	case wire.AfterCounter24(h.DatagramNumber, l.expectedDatagramNumber):
		l.pendingNaks.InsertRange(l.expectedDatagramNumber, h.DatagramNumber-1)
		l.expectedDatagramNumber = wire.IncrementCounter24(h.DatagramNumber)
	default:
		// Already received or too old: duplicate datagram, discard.
		return nil
	}
	l.pendingAcks.Insert(h.DatagramNumber)
	l.armAck(now)

	for bs.RemainingBits() >= 8 {
		ih, err := wire.DecodeInternalHeader(bs)
		if err != nil {
			l.malformedCount++
			return &WireError{Op: "decodeInternalHeader", Err: err}
		}
		payloadBytes := (int(ih.PayloadBitLen) + 7) / 8
		payload, err := bs.ReadBytesAligned(payloadBytes)
		if err != nil {
			l.malformedCount++
			return &WireError{Op: "readPayload", Err: err}
		}
		l.dispatchInternal(ih, payload)
	}
	return nil
}

func (l *Layer) armAck(now time.Time) {
	if !l.ackArmed {
		l.ackArmed = true
		l.ackArmedAt = now
	}
}

func (l *Layer) handleAcks(set *ack.Set, now time.Time) {
	for _, iv := range set.Intervals() {
		for dn := iv.Min; ; dn = wire.IncrementCounter24(dn) {
			l.ackDatagram(dn, now)
			if dn == iv.Max {
				break
			}
		}
	}
}

func (l *Layer) ackDatagram(dn uint32, now time.Time) {
	if _, ok := l.cong.OnAck(dn, now); !ok {
		return
	}
	for _, mn := range l.datagramPackets[dn] {
		entry, ok := l.resend[mn]
		if !ok {
			continue
		}
		delete(l.resend, mn)
		if entry.hasReceipt {
			l.emit(events.Event{Kind: events.ReceiptAcked, ReceiptID: entry.receiptID})
		}
	}
	delete(l.datagramPackets, dn)
}

func (l *Layer) handleNaks(set *ack.Set, now time.Time) {
	for _, iv := range set.Intervals() {
		for dn := iv.Min; ; dn = wire.IncrementCounter24(dn) {
			l.onDatagramLost(dn, now)
			if dn == iv.Max {
				break
			}
		}
	}
}

// onDatagramLost re-arms every reliable message carried in a datagram
// declared lost (by NAK or RTO timeout) for immediate retransmission, per
// §4.6's congestion contract ("mark packet for retransmission").
func (l *Layer) onDatagramLost(dn uint32, now time.Time) {
	l.cong.OnLossDetected(dn)
	l.cong.Remove(dn)
	for _, mn := range l.datagramPackets[dn] {
		entry, ok := l.resend[mn]
		if !ok {
			continue
		}
		if entry.sendAttempts >= l.cfg.MaxSendAttempts {
			delete(l.resend, mn)
			if entry.hasReceipt {
				l.emit(events.Event{Kind: events.ReceiptLoss, ReceiptID: entry.receiptID})
			}
			l.declareDead()
			continue
		}
		entry.nextAction = now
	}
	delete(l.datagramPackets, dn)
}

// dispatchInternal routes one decoded internal packet to duplicate
// suppression, reassembly, sequencing or ordering, per §4.6 step 3.
func (l *Layer) dispatchInternal(h wire.InternalPacketHeader, payload []byte) {
	if h.Reliability.IsReliable() {
		if !l.dedup.accept(h.MessageNumber) {
			return
		}
	}

	if h.HasSplit {
		reassembled, err := l.split.Insert(splitpacket.Fragment{Header: h, Payload: payload})
		if err != nil {
			l.malformedCount++
			return
		}
		if reassembled == nil {
			return
		}
		h, payload = reassembled.Header, reassembled.Payload
	}

	switch {
	case h.Reliability.IsSequenced():
		if l.order.SubmitSequenced(h.Channel, h.SequencingIndex) {
			l.deliver(payload, h.Channel)
		}
	case h.Reliability.IsOrdered():
		for _, item := range l.order.SubmitOrdered(h.Channel, h.OrderingIndex, payload) {
			l.deliver(item.Payload, h.Channel)
		}
	default:
		l.deliver(payload, 0)
	}
}

func (l *Layer) deliver(payload []byte, channel byte) {
	if len(payload) == 0 {
		return // keepalive ping, nothing application-visible
	}
	l.outbox = append(l.outbox, events.Event{Kind: events.ApplicationMessage, Message: payload, Channel: channel})
}

// Disconnect begins graceful teardown: the outbound queue drains (§4.6)
// before the peer transitions to DEAD.
func (l *Layer) Disconnect() {
	if l.state == Connected {
		l.state = DisconnectingGraceful
	}
}

// DrainComplete reports whether a graceful disconnect has finished draining
// its outbound queue and resend table.
func (l *Layer) DrainComplete() bool {
	_, _, hasPending := l.peekPending()
	return !hasPending && len(l.resend) == 0
}

// ForceClose immediately declares the peer dead, surfacing RECEIPT_LOSS for
// every still-outstanding receipt (§8 scenario: receipts on disconnect).
func (l *Layer) ForceClose() {
	if l.state == Dead {
		return
	}
	l.declareDead()
}

// MalformedCount reports how many wire-format violations this peer has
// produced, for the peer manager's malformed-packet threshold (§7).
func (l *Layer) MalformedCount() int { return l.malformedCount }
