// Package wire implements the on-the-wire datagram and internal-packet
// headers from spec.md §6, plus wrap-safe comparison of the 24-bit counters
// (datagram number, message number, ordering index, sequencing index)
// shared by every part of the reliability layer. It is grounded on the
// teacher's DataPacket/EncapsulatedPacket encode/decode
// (source/protocol/raknet.go) and pkg/raknet/protocol.go's packet-id
// catalogue, generalized to the spec's bit-packed header and the six
// reliability modes (instead of the teacher's five).
package wire

import (
	"errors"

	"github.com/ventosilenzioso/go-raknet-core/bitstream"
)

// Reliability identifies one of the six delivery modes from spec.md §3.
type Reliability byte

const (
	Unreliable Reliability = iota
	UnreliableSequenced
	Reliable
	ReliableOrdered
	ReliableSequenced
	UnreliableWithAckReceipt
	ReliableWithAckReceipt
	ReliableOrderedWithAckReceipt
)

// IsReliable reports whether mode requires retransmission and duplicate
// suppression.
func (r Reliability) IsReliable() bool {
	switch r {
	case Reliable, ReliableOrdered, ReliableSequenced, ReliableWithAckReceipt, ReliableOrderedWithAckReceipt:
		return true
	}
	return false
}

// IsOrdered reports whether mode carries a per-channel ordering index.
func (r Reliability) IsOrdered() bool {
	return r == ReliableOrdered || r == ReliableOrderedWithAckReceipt
}

// IsSequenced reports whether mode carries a per-channel sequencing index.
func (r Reliability) IsSequenced() bool {
	return r == UnreliableSequenced || r == ReliableSequenced
}

// WantsReceipt reports whether mode carries an application receipt ID. The
// reliability layer surfaces ACKED/LOSS receipt events only for the reliable
// modes among these.
func (r Reliability) WantsReceipt() bool {
	switch r {
	case UnreliableWithAckReceipt, ReliableWithAckReceipt, ReliableOrderedWithAckReceipt:
		return true
	}
	return false
}

// MaxChannels is the number of ordering/sequencing channels per peer (§3:
// ordering channel index [0..31]).
const MaxChannels = 32

// ErrMalformed marks a wire-format error per §7: the datagram is dropped and
// the peer's malformed-packet counter increments.
var ErrMalformed = errors.New("wire: malformed datagram")

// ErrInvalidChannel is a programming error per §7 (channel > 31).
var ErrInvalidChannel = errors.New("wire: channel index out of range")

// DatagramHeader is the per-datagram bit-packed header from §6.
type DatagramHeader struct {
	IsValid          bool
	IsAckPacket      bool
	IsNakPacket      bool
	HasBAndAS        bool
	IsPacketPair     bool
	IsContinuousSend bool
	DatagramNumber   uint32 // 24-bit wrapping counter
	SendTimestamp    uint32 // microseconds, peer-relative; data datagrams only
}

// EncodeDataHeader writes the flag byte, datagram number, and timestamp for
// a data (non-ACK, non-NAK) datagram.
func EncodeDataHeader(bs *bitstream.BitStream, h DatagramHeader) error {
	if err := bs.WriteBool(true); err != nil { // isValid
		return err
	}
	if err := bs.WriteBool(false); err != nil { // isAckPacket
		return err
	}
	if err := bs.WriteBool(h.HasBAndAS); err != nil {
		return err
	}
	if err := bs.WriteBool(h.IsPacketPair); err != nil {
		return err
	}
	if err := bs.WriteBool(h.IsContinuousSend); err != nil {
		return err
	}
	if err := bs.WriteBits([]byte{0}, 3, false); err != nil { // reserved
		return err
	}
	if err := bs.WriteUint24(h.DatagramNumber); err != nil {
		return err
	}
	return bs.WriteUint32(h.SendTimestamp)
}

// PeekIsAck reports whether the first byte of a raw datagram marks it as
// ACK-only, without fully parsing it — used by the receive path's fast
// dispatch per §4.6 step 1.
func PeekIsAck(flagByte byte) bool { return flagByte&0x40 != 0 }

// PeekIsNak reports the NAK-only flag. The base spec's header only names
// isAckPacket explicitly; this module folds NAK datagrams into the same
// ack-only wire shape (reusing the interval-set serialization from
// package ack) and distinguishes them with one of the three reserved bits,
// the way the teacher ships ACK (0xC0) and NACK (0xA0) as two sibling
// top-level message types.
func PeekIsNak(flagByte byte) bool { return flagByte&0x04 != 0 }

// EncodeAckOrNakHeader writes the flag byte, datagram number, and (for an
// ack-only/nak-only datagram) no further header fields — the caller appends
// the serialized ack.Set immediately afterward.
func EncodeAckOrNakHeader(bs *bitstream.BitStream, datagramNumber uint32, isNak bool) error {
	if err := bs.WriteBool(true); err != nil { // isValid
		return err
	}
	if err := bs.WriteBool(true); err != nil { // isAckPacket
		return err
	}
	if err := bs.WriteBool(false); err != nil { // hasBAndAS
		return err
	}
	if err := bs.WriteBool(false); err != nil { // isPacketPair
		return err
	}
	if err := bs.WriteBool(false); err != nil { // isContinuousSend
		return err
	}
	nakBit := byte(0)
	if isNak {
		nakBit = 1
	}
	if err := bs.WriteBits([]byte{nakBit << 7}, 1, false); err != nil { // reserved bit 5 (isNak)
		return err
	}
	if err := bs.WriteBits([]byte{0}, 2, false); err != nil { // reserved bits 6-7
		return err
	}
	return bs.WriteUint24(datagramNumber)
}

// DecodeAckOrNakHeader parses the header written by EncodeAckOrNakHeader.
func DecodeAckOrNakHeader(bs *bitstream.BitStream) (datagramNumber uint32, isNak bool, err error) {
	if _, err = bs.ReadBool(); err != nil { // isValid
		return 0, false, ErrMalformed
	}
	if _, err = bs.ReadBool(); err != nil { // isAckPacket
		return 0, false, ErrMalformed
	}
	if _, err = bs.ReadBool(); err != nil { // hasBAndAS
		return 0, false, ErrMalformed
	}
	if _, err = bs.ReadBool(); err != nil { // isPacketPair
		return 0, false, ErrMalformed
	}
	if _, err = bs.ReadBool(); err != nil { // isContinuousSend
		return 0, false, ErrMalformed
	}
	nakBits, err := bs.ReadBits(1, true)
	if err != nil {
		return 0, false, ErrMalformed
	}
	isNak = nakBits[0]&0x01 != 0
	if _, err = bs.ReadBits(2, false); err != nil {
		return 0, false, ErrMalformed
	}
	datagramNumber, err = bs.ReadUint24()
	if err != nil {
		return 0, false, ErrMalformed
	}
	return datagramNumber, isNak, nil
}

// DecodeDataHeader parses the flag byte, datagram number, and timestamp.
func DecodeDataHeader(bs *bitstream.BitStream) (DatagramHeader, error) {
	var h DatagramHeader
	var err error
	if h.IsValid, err = bs.ReadBool(); err != nil {
		return h, ErrMalformed
	}
	if h.IsAckPacket, err = bs.ReadBool(); err != nil {
		return h, ErrMalformed
	}
	if h.HasBAndAS, err = bs.ReadBool(); err != nil {
		return h, ErrMalformed
	}
	if h.IsPacketPair, err = bs.ReadBool(); err != nil {
		return h, ErrMalformed
	}
	if h.IsContinuousSend, err = bs.ReadBool(); err != nil {
		return h, ErrMalformed
	}
	if _, err = bs.ReadBits(3, false); err != nil {
		return h, ErrMalformed
	}
	if h.DatagramNumber, err = bs.ReadUint24(); err != nil {
		return h, ErrMalformed
	}
	if h.SendTimestamp, err = bs.ReadUint32(); err != nil {
		return h, ErrMalformed
	}
	return h, nil
}

// InternalPacketHeader is the per-message header embedded in a data
// datagram's payload, from §6.
type InternalPacketHeader struct {
	Reliability     Reliability
	Channel         byte // valid only when IsOrdered()/IsSequenced()
	HasSplit        bool
	PayloadBitLen   uint16
	MessageNumber   uint32 // 24-bit, reliable modes only
	OrderingIndex   uint32 // 24-bit
	SequencingIndex uint32 // 24-bit
	SplitPacketID   uint16
	SplitCount      uint32
	SplitIndex      uint32
}

// EncodeInternalHeader writes an internal packet header per §6's bit layout.
func EncodeInternalHeader(bs *bitstream.BitStream, h InternalPacketHeader) error {
	if h.Channel >= MaxChannels {
		return ErrInvalidChannel
	}
	if err := bs.WriteBits([]byte{byte(h.Reliability) << 5}, 3, false); err != nil {
		return err
	}
	if h.Reliability.IsOrdered() || h.Reliability.IsSequenced() {
		if err := bs.WriteBits([]byte{h.Channel << 3}, 5, false); err != nil {
			return err
		}
	}
	if err := bs.WriteBool(h.HasSplit); err != nil {
		return err
	}
	if err := bs.WriteCompressedUint16(h.PayloadBitLen); err != nil {
		return err
	}
	if h.Reliability.IsReliable() {
		if err := bs.WriteUint24(h.MessageNumber); err != nil {
			return err
		}
	}
	if h.Reliability.IsOrdered() || h.Reliability.IsSequenced() {
		if err := bs.WriteUint24(h.OrderingIndex); err != nil {
			return err
		}
		if err := bs.WriteUint24(h.SequencingIndex); err != nil {
			return err
		}
	}
	if h.HasSplit {
		if err := bs.WriteUint16(h.SplitPacketID); err != nil {
			return err
		}
		if err := bs.WriteUint32(h.SplitCount); err != nil {
			return err
		}
		if err := bs.WriteUint32(h.SplitIndex); err != nil {
			return err
		}
	}
	return nil
}

// DecodeInternalHeader parses an internal packet header.
func DecodeInternalHeader(bs *bitstream.BitStream) (InternalPacketHeader, error) {
	var h InternalPacketHeader
	relBits, err := bs.ReadBits(3, true)
	if err != nil {
		return h, ErrMalformed
	}
	h.Reliability = Reliability(relBits[0])
	if h.Reliability > ReliableOrderedWithAckReceipt {
		return h, ErrMalformed
	}
	if h.Reliability.IsOrdered() || h.Reliability.IsSequenced() {
		chBits, err := bs.ReadBits(5, true)
		if err != nil {
			return h, ErrMalformed
		}
		h.Channel = chBits[0]
	}
	if h.HasSplit, err = bs.ReadBool(); err != nil {
		return h, ErrMalformed
	}
	if h.PayloadBitLen, err = bs.ReadCompressedUint16(); err != nil {
		return h, ErrMalformed
	}
	if h.Reliability.IsReliable() {
		if h.MessageNumber, err = bs.ReadUint24(); err != nil {
			return h, ErrMalformed
		}
	}
	if h.Reliability.IsOrdered() || h.Reliability.IsSequenced() {
		if h.OrderingIndex, err = bs.ReadUint24(); err != nil {
			return h, ErrMalformed
		}
		if h.SequencingIndex, err = bs.ReadUint24(); err != nil {
			return h, ErrMalformed
		}
	}
	if h.HasSplit {
		if h.SplitPacketID, err = bs.ReadUint16(); err != nil {
			return h, ErrMalformed
		}
		if h.SplitCount, err = bs.ReadUint32(); err != nil {
			return h, ErrMalformed
		}
		if h.SplitIndex, err = bs.ReadUint32(); err != nil {
			return h, ErrMalformed
		}
	}
	return h, nil
}

// counterWindow is half the 24-bit counter space: the wrap-safe comparison
// treats a distance smaller than this as "after" (§8 invariant 8).
const counterWindow = 1 << 23
const counterMask = 1<<24 - 1

// AfterCounter24 reports whether a is "after" b in wrap-safe 24-bit space:
// |a-b| (mod 2^24, taken as the shorter direction) < 2^23 and a is ahead.
func AfterCounter24(a, b uint32) bool {
	a &= counterMask
	b &= counterMask
	diff := (a - b) & counterMask
	return diff != 0 && diff < counterWindow
}

// BeforeCounter24 is the strict inverse direction of AfterCounter24.
func BeforeCounter24(a, b uint32) bool {
	return AfterCounter24(b, a)
}

// IncrementCounter24 advances a 24-bit wrapping counter by one.
func IncrementCounter24(v uint32) uint32 {
	return (v + 1) & counterMask
}
