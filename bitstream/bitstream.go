// Package bitstream implements the variable-length, bit-granular
// serializer/deserializer every wire path in the reliability layer is built
// on. It mirrors the shape of the teacher's byte-oriented BitStream
// (source/protocol/raknet.go) generalized to true bit granularity, plus the
// compressed-integer and compressed-float encodings RakNet's own BitStream
// uses to keep small values cheap on the wire.
package bitstream

import (
	"errors"
	"math"
)

// ErrReadPastEnd is returned when a read would consume more bits than remain.
var ErrReadPastEnd = errors.New("bitstream: read past end of buffer")

// ErrWriteToReadOnly is a programming error: the caller tried to write into
// a BitStream wrapping an external, non-owned buffer.
var ErrWriteToReadOnly = errors.New("bitstream: write to read-only buffer")

// maxGrowthBits caps a single growth step at 1 MiB (in bits) regardless of
// how large the geometric doubling would otherwise request.
const maxGrowthBits = 1 << 20 * 8

// BitStream is a growable, bit-addressable buffer. The write cursor and read
// cursor are independent; bits are packed MSB-first within each byte, which
// is what lets byte-aligned runs use a straight memcpy-equivalent fast path.
type BitStream struct {
	data           []byte
	numBitsWritten int
	readOffsetBits int
	readOnly       bool
}

// New returns an empty, owned, growable BitStream.
func New() *BitStream {
	return &BitStream{data: make([]byte, 0, 32)}
}

// NewWithCapacity preallocates capacityBytes of backing storage.
func NewWithCapacity(capacityBytes int) *BitStream {
	return &BitStream{data: make([]byte, 0, capacityBytes)}
}

// NewFromBytes wraps an external buffer in read-only mode: every write call
// returns ErrWriteToReadOnly. numBitsWritten defaults to the full byte
// length; use NewFromBits to specify a sub-byte length.
func NewFromBytes(data []byte) *BitStream {
	return &BitStream{data: data, numBitsWritten: len(data) * 8, readOnly: true}
}

// NewFromBits wraps an external buffer read-only with an explicit bit length
// (for payloads whose final byte is only partially used).
func NewFromBits(data []byte, numBits int) *BitStream {
	return &BitStream{data: data, numBitsWritten: numBits, readOnly: true}
}

// NumBitsUsed returns the write cursor position in bits.
func (b *BitStream) NumBitsUsed() int { return b.numBitsWritten }

// NumBytesUsed returns the number of bytes needed to hold NumBitsUsed bits.
func (b *BitStream) NumBytesUsed() int { return (b.numBitsWritten + 7) / 8 }

// ReadOffset returns the read cursor position in bits.
func (b *BitStream) ReadOffset() int { return b.readOffsetBits }

// SetReadOffset repositions the read cursor (in bits) for re-reading.
func (b *BitStream) SetReadOffset(bitOffset int) { b.readOffsetBits = bitOffset }

// Bytes returns the underlying buffer truncated to NumBytesUsed bytes. The
// caller must not mutate the returned slice if this BitStream is reused.
func (b *BitStream) Bytes() []byte { return b.data[:b.NumBytesUsed()] }

// RemainingBits reports how many unread bits are left.
func (b *BitStream) RemainingBits() int { return b.numBitsWritten - b.readOffsetBits }

func (b *BitStream) grow(additionalBits int) {
	needBytes := (b.numBitsWritten+additionalBits+7)/8 - len(b.data)
	if needBytes <= 0 {
		return
	}
	growBy := len(b.data)
	if growBy > maxGrowthBits/8 {
		growBy = maxGrowthBits / 8
	}
	if growBy < needBytes {
		growBy = needBytes
	}
	b.data = append(b.data, make([]byte, growBy)...)
}

// WriteBits appends the first bitsCount bits of src, MSB-first, to the
// stream. With alignRight set, a partial first byte contributes its low
// bitsCount%8 bits instead of its high ones.
func (b *BitStream) WriteBits(src []byte, bitsCount int, alignRight bool) error {
	if b.readOnly {
		return ErrWriteToReadOnly
	}
	if bitsCount <= 0 {
		return nil
	}
	b.grow(bitsCount)
	if extraBytes := (b.numBitsWritten+bitsCount+7)/8 - len(b.data); extraBytes > 0 {
		b.data = append(b.data, make([]byte, extraBytes)...)
	}

	bitsRemaining := bitsCount
	srcByteIdx := 0
	// Bits in the first source byte that are padding when alignRight and
	// bitsCount is not a multiple of 8.
	firstByteBits := bitsCount % 8
	if firstByteBits == 0 {
		firstByteBits = 8
	}
	srcBitOffset := 0
	if alignRight {
		srcBitOffset = 8 - firstByteBits
	}

	for bitsRemaining > 0 {
		take := 8 - srcBitOffset
		if take > bitsRemaining {
			take = bitsRemaining
		}
		var chunk byte
		if srcByteIdx < len(src) {
			chunk = src[srcByteIdx]
		}
		chunk = (chunk << uint(srcBitOffset)) & 0xFF
		b.writeByteBits(chunk, take)
		bitsRemaining -= take
		srcBitOffset = 0
		srcByteIdx++
	}
	return nil
}

// writeByteBits appends the top nBits of value (MSB-first) to the stream.
func (b *BitStream) writeByteBits(value byte, nBits int) {
	destByte := b.numBitsWritten / 8
	destBitOffset := b.numBitsWritten % 8

	if destBitOffset == 0 && nBits == 8 {
		b.data[destByte] = value
		b.numBitsWritten += 8
		return
	}

	bitsAvailable := 8 - destBitOffset
	if nBits <= bitsAvailable {
		mask := byte(0xFF >> uint(destBitOffset))
		shift := uint(destBitOffset)
		b.data[destByte] = (b.data[destByte] &^ (mask &^ (0xFF >> uint(destBitOffset+nBits)))) | ((value >> shift) & (mask &^ (0xFF >> uint(destBitOffset+nBits))))
		b.numBitsWritten += nBits
		return
	}

	// Spans two bytes.
	highBits := bitsAvailable
	lowBits := nBits - highBits
	highMask := byte(0xFF >> uint(destBitOffset))
	b.data[destByte] = (b.data[destByte] &^ highMask) | ((value >> uint(destBitOffset)) & highMask)
	b.numBitsWritten += highBits
	destByte++
	lowValue := (value << uint(highBits)) & byte(0xFF<<uint(8-lowBits))
	b.data[destByte] = (b.data[destByte] &^ (0xFF << uint(8-lowBits))) | lowValue
	b.numBitsWritten += lowBits
}

// ReadBits reads bitsCount bits into a byte slice sized to fit them,
// left-aligned (or right-aligned when alignRight is set).
func (b *BitStream) ReadBits(bitsCount int, alignRight bool) ([]byte, error) {
	if bitsCount <= 0 {
		return []byte{}, nil
	}
	if b.readOffsetBits+bitsCount > b.numBitsWritten {
		return nil, ErrReadPastEnd
	}
	outBytes := (bitsCount + 7) / 8
	out := make([]byte, outBytes)

	bitsRemaining := bitsCount
	outIdx := 0
	outBitOffset := 0
	if alignRight {
		firstBits := bitsCount % 8
		if firstBits == 0 {
			firstBits = 8
		}
		outBitOffset = 8 - firstBits
	}

	for bitsRemaining > 0 {
		take := 8 - outBitOffset
		if take > bitsRemaining {
			take = bitsRemaining
		}
		bits := b.readByteBits(take)
		out[outIdx] |= bits << uint(8-outBitOffset-take)
		bitsRemaining -= take
		outBitOffset = 0
		outIdx++
	}
	return out, nil
}

func (b *BitStream) readByteBits(nBits int) byte {
	srcByte := b.readOffsetBits / 8
	srcBitOffset := b.readOffsetBits % 8
	bitsAvailable := 8 - srcBitOffset

	if nBits <= bitsAvailable {
		shift := uint(bitsAvailable - nBits)
		mask := byte(0xFF >> uint(8-nBits))
		val := (b.data[srcByte] >> shift) & mask
		b.readOffsetBits += nBits
		return val
	}

	highBits := bitsAvailable
	lowBits := nBits - highBits
	highMask := byte(0xFF >> uint(srcBitOffset))
	high := b.data[srcByte] & highMask
	b.readOffsetBits += highBits
	srcByte++
	low := b.data[srcByte] >> uint(8-lowBits)
	b.readOffsetBits += lowBits
	return (high << uint(lowBits)) | low
}

// WriteBool appends a single bit.
func (b *BitStream) WriteBool(v bool) error {
	var by byte
	if v {
		by = 0x80
	}
	return b.WriteBits([]byte{by}, 1, false)
}

// ReadBool reads a single bit.
func (b *BitStream) ReadBool() (bool, error) {
	bits, err := b.ReadBits(1, false)
	if err != nil {
		return false, err
	}
	return bits[0]&0x80 != 0, nil
}

// alignedFastPath reports whether the write cursor is currently byte
// aligned, which permits a straight append/copy instead of bit shifting.
func (b *BitStream) alignedFastPath() bool { return b.numBitsWritten%8 == 0 }

// WriteBytesAligned appends a raw byte slice. If the write cursor is
// byte-aligned it uses an append (the memcpy-equivalent fast path); if not,
// it falls back to bit-level writes.
func (b *BitStream) WriteBytesAligned(data []byte) error {
	if b.readOnly {
		return ErrWriteToReadOnly
	}
	if b.alignedFastPath() {
		start := b.numBitsWritten / 8
		if extra := start + len(data) - len(b.data); extra > 0 {
			b.data = append(b.data, make([]byte, extra)...)
		}
		copy(b.data[start:], data)
		b.numBitsWritten += len(data) * 8
		return nil
	}
	return b.WriteBits(data, len(data)*8, false)
}

// ReadBytesAligned reads n raw bytes, using a direct slice copy when the
// read cursor is byte-aligned.
func (b *BitStream) ReadBytesAligned(n int) ([]byte, error) {
	if b.readOffsetBits%8 == 0 {
		start := b.readOffsetBits / 8
		if start+n > len(b.data) || b.readOffsetBits+n*8 > b.numBitsWritten {
			return nil, ErrReadPastEnd
		}
		out := make([]byte, n)
		copy(out, b.data[start:start+n])
		b.readOffsetBits += n * 8
		return out, nil
	}
	return b.ReadBits(n*8, false)
}

func (b *BitStream) writeAligned(bs []byte, networkOrder bool) error {
	if !networkOrder {
		reversed := make([]byte, len(bs))
		for i, v := range bs {
			reversed[len(bs)-1-i] = v
		}
		bs = reversed
	}
	return b.WriteBytesAligned(bs)
}

func (b *BitStream) readAligned(n int, networkOrder bool) ([]byte, error) {
	bs, err := b.ReadBytesAligned(n)
	if err != nil {
		return nil, err
	}
	if !networkOrder {
		reversed := make([]byte, len(bs))
		for i, v := range bs {
			reversed[len(bs)-1-i] = v
		}
		bs = reversed
	}
	return bs, nil
}

// WriteUint16 writes a 16-bit value in network (big-endian) byte order.
func (b *BitStream) WriteUint16(v uint16) error {
	return b.writeAligned([]byte{byte(v >> 8), byte(v)}, true)
}

func (b *BitStream) ReadUint16() (uint16, error) {
	bs, err := b.readAligned(2, true)
	if err != nil {
		return 0, err
	}
	return uint16(bs[0])<<8 | uint16(bs[1]), nil
}

// WriteUint24 writes a 24-bit wrap-safe counter value (message number,
// ordering index, sequencing index, or datagram number) in network order.
func (b *BitStream) WriteUint24(v uint32) error {
	return b.writeAligned([]byte{byte(v >> 16), byte(v >> 8), byte(v)}, true)
}

func (b *BitStream) ReadUint24() (uint32, error) {
	bs, err := b.readAligned(3, true)
	if err != nil {
		return 0, err
	}
	return uint32(bs[0])<<16 | uint32(bs[1])<<8 | uint32(bs[2]), nil
}

// WriteUint32 writes a 32-bit value in network byte order.
func (b *BitStream) WriteUint32(v uint32) error {
	return b.writeAligned([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}, true)
}

func (b *BitStream) ReadUint32() (uint32, error) {
	bs, err := b.readAligned(4, true)
	if err != nil {
		return 0, err
	}
	return uint32(bs[0])<<24 | uint32(bs[1])<<16 | uint32(bs[2])<<8 | uint32(bs[3]), nil
}

// WriteUint64 writes a 64-bit value (used for GUIDs/tokens) in network order.
func (b *BitStream) WriteUint64(v uint64) error {
	bs := make([]byte, 8)
	for i := 0; i < 8; i++ {
		bs[i] = byte(v >> uint(56-8*i))
	}
	return b.writeAligned(bs, true)
}

func (b *BitStream) ReadUint64() (uint64, error) {
	bs, err := b.readAligned(8, true)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(bs[i])
	}
	return v, nil
}

// WriteBytes writes a length-prefixed (uint16) byte run.
func (b *BitStream) WriteBytes(data []byte) error {
	if err := b.WriteUint16(uint16(len(data))); err != nil {
		return err
	}
	return b.WriteBytesAligned(data)
}

func (b *BitStream) ReadBytes() ([]byte, error) {
	n, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	return b.ReadBytesAligned(int(n))
}

// WriteString writes a length-prefixed UTF-8 string.
func (b *BitStream) WriteString(s string) error { return b.WriteBytes([]byte(s)) }

func (b *BitStream) ReadString() (string, error) {
	bs, err := b.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

// WriteCompressedUint24 writes a wrap-safe 24-bit counter using RakNet's
// compressed-integer scheme: each high-order all-zero byte is replaced by a
// single set bit, terminated by a single clear bit followed by the
// remaining bytes; the final byte uses a "high nibble is zero" bit plus the
// low nibble.
func (b *BitStream) WriteCompressedUint24(v uint32) error {
	bs := []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	return b.writeCompressedUnsigned(bs)
}

func (b *BitStream) ReadCompressedUint24() (uint32, error) {
	bs, err := b.readCompressedUnsigned(3)
	if err != nil {
		return 0, err
	}
	return uint32(bs[0])<<16 | uint32(bs[1])<<8 | uint32(bs[2]), nil
}

// WriteCompressedUint16 writes a compressed unsigned 16-bit value, used for
// the internal packet header's payload bit-length field.
func (b *BitStream) WriteCompressedUint16(v uint16) error {
	return b.writeCompressedUnsigned([]byte{byte(v >> 8), byte(v)})
}

func (b *BitStream) ReadCompressedUint16() (uint16, error) {
	bs, err := b.readCompressedUnsigned(2)
	if err != nil {
		return 0, err
	}
	return uint16(bs[0])<<8 | uint16(bs[1]), nil
}

// writeCompressedUnsigned encodes big-endian bytes high to low: for every
// leading byte that is entirely zero, write a single 1 bit; stop at the
// first non-zero byte (or the last byte) with a 0 bit, then for that last
// byte write a 1 bit if its upper nibble is zero (followed by only the
// lower 4 bits), else a 0 bit followed by the full byte.
func (b *BitStream) writeCompressedUnsigned(bytesHighToLow []byte) error {
	n := len(bytesHighToLow)
	for i := 0; i < n-1; i++ {
		if bytesHighToLow[i] == 0 {
			if err := b.WriteBool(true); err != nil {
				return err
			}
			continue
		}
		if err := b.WriteBool(false); err != nil {
			return err
		}
		return b.writeRemainingBytes(bytesHighToLow[i:])
	}
	return b.writeRemainingBytes(bytesHighToLow[n-1:])
}

func (b *BitStream) writeRemainingBytes(bytesHighToLow []byte) error {
	last := bytesHighToLow[len(bytesHighToLow)-1]
	upperNibbleZero := last&0xF0 == 0
	if err := b.WriteBool(upperNibbleZero); err != nil {
		return err
	}
	if len(bytesHighToLow) > 1 {
		if err := b.WriteBytesAligned(bytesHighToLow[:len(bytesHighToLow)-1]); err != nil {
			return err
		}
	}
	if upperNibbleZero {
		return b.WriteBits([]byte{last << 4}, 4, false)
	}
	return b.WriteBytesAligned([]byte{last})
}

func (b *BitStream) readCompressedUnsigned(totalBytes int) ([]byte, error) {
	out := make([]byte, totalBytes)
	i := 0
	for ; i < totalBytes-1; i++ {
		allZero, err := b.ReadBool()
		if err != nil {
			return nil, err
		}
		if !allZero {
			break
		}
		out[i] = 0
	}
	// i now indexes the first non-all-zero byte (or the last byte).
	upperNibbleZero, err := b.ReadBool()
	if err != nil {
		return nil, err
	}
	remaining := totalBytes - i - 1
	if remaining > 0 {
		rest, err := b.ReadBytesAligned(remaining)
		if err != nil {
			return nil, err
		}
		copy(out[i:], rest)
	}
	if upperNibbleZero {
		nibble, err := b.ReadBits(4, true)
		if err != nil {
			return nil, err
		}
		out[totalBytes-1] = nibble[0]
	} else {
		lastByte, err := b.ReadBytesAligned(1)
		if err != nil {
			return nil, err
		}
		out[totalBytes-1] = lastByte[0]
	}
	return out, nil
}

// WriteCompressedInt32 writes a signed compressed integer: sign-extension
// runs of all-ones are treated the same way as all-zero runs for unsigned,
// mirroring RakNet's signed compressed-write contract. A leading 0x00 (or
// 0xFF) byte is elided only when the byte after it carries the same sign
// bit, so the reader can recover the sign from the first byte it reads.
func (b *BitStream) WriteCompressedInt32(v int32) error {
	u := uint32(v)
	bs := []byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
	negative := v < 0
	n := len(bs)
	for i := 0; i < n-1; i++ {
		isRun := bs[i] == 0 && bs[i+1]&0x80 == 0
		if negative {
			isRun = bs[i] == 0xFF && bs[i+1]&0x80 != 0
		}
		if isRun {
			if err := b.WriteBool(true); err != nil {
				return err
			}
			continue
		}
		if err := b.WriteBool(false); err != nil {
			return err
		}
		return b.writeRemainingBytes(bs[i:])
	}
	return b.writeRemainingBytes(bs[n-1:])
}

func (b *BitStream) ReadCompressedInt32() (int32, error) {
	bs, err := b.readCompressedSigned(4)
	if err != nil {
		return 0, err
	}
	u := uint32(bs[0])<<24 | uint32(bs[1])<<16 | uint32(bs[2])<<8 | uint32(bs[3])
	return int32(u), nil
}

func (b *BitStream) readCompressedSigned(totalBytes int) ([]byte, error) {
	out := make([]byte, totalBytes)
	i := 0
	negative := false
	for ; i < totalBytes-1; i++ {
		isRun, err := b.ReadBool()
		if err != nil {
			return nil, err
		}
		if !isRun {
			break
		}
	}
	upperNibbleZero, err := b.ReadBool()
	if err != nil {
		return nil, err
	}
	remaining := totalBytes - i - 1
	if remaining > 0 {
		rest, err := b.ReadBytesAligned(remaining)
		if err != nil {
			return nil, err
		}
		copy(out[i:], rest)
		negative = rest[0]&0x80 != 0
	}
	var lastByte byte
	if upperNibbleZero {
		nibble, err := b.ReadBits(4, true)
		if err != nil {
			return nil, err
		}
		lastByte = nibble[0]
	} else {
		lb, err := b.ReadBytesAligned(1)
		if err != nil {
			return nil, err
		}
		lastByte = lb[0]
		if remaining == 0 && lastByte&0x80 != 0 {
			negative = true
		}
	}
	out[totalBytes-1] = lastByte
	if negative {
		for j := 0; j < i; j++ {
			out[j] = 0xFF
		}
	}
	return out, nil
}

// WriteCompressedFloat quantizes v, clamped to [min,max], into 16 bits of
// uniform resolution.
func (b *BitStream) WriteCompressedFloat(v, min, max float32) error {
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	norm := (v - min) / (max - min)
	quant := uint16(math.Round(float64(norm) * float64(math.MaxUint16)))
	return b.WriteUint16(quant)
}

func (b *BitStream) ReadCompressedFloat(min, max float32) (float32, error) {
	quant, err := b.ReadUint16()
	if err != nil {
		return 0, err
	}
	norm := float32(quant) / float32(math.MaxUint16)
	v := min + norm*(max-min)
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v, nil
}
