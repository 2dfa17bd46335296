// Package huffman implements the frequency-table Huffman codec used by the
// generic payload compressor and by the string-compressor convenience
// wrapper (§4.2). The tree is built top-down from a stack-based traversal
// when assigning codes, per Design Note: "replace [parent pointers] with a
// stack-based traversal or by computing codes top-down" — there is no
// leaf-to-root parent pointer anywhere in this package.
package huffman

import (
	"container/heap"
	"errors"

	"github.com/ventosilenzioso/go-raknet-core/bitstream"
)

// ErrInputTooSmall is returned by Compress: the generic compressor contract
// only applies to inputs larger than 2 KiB.
var ErrInputTooSmall = errors.New("huffman: Compress requires input > 2KiB")

const compressMinBytes = 2048

// node is a Huffman tree node. Internal nodes have both children set; leaves
// carry a byte value. No parent pointer: codes are assigned by a top-down
// stack walk, never a leaf-to-root walk.
type node struct {
	weight      uint64
	value       byte
	isLeaf      bool
	left, right *node
}

// code is a symbol's bit pattern, stored right-aligned in the low `length`
// bits of `bits`.
type code struct {
	bits   uint32
	length uint8
}

// Tree is a built Huffman code table, ready to encode/decode byte runs.
type Tree struct {
	root  *node
	codes [256]code
}

// nodeHeap implements container/heap over *node, ordered by weight so the
// two lowest-weight nodes are always repeatedly merged, per §4.2.
type nodeHeap []*node

func (h nodeHeap) Len() int            { return len(h) }
func (h nodeHeap) Less(i, j int) bool  { return h[i].weight < h[j].weight }
func (h nodeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x interface{}) { *h = append(*h, x.(*node)) }
func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// BuildTree constructs a canonical Huffman tree from a 256-entry frequency
// histogram. Zero entries are treated as 1 so every symbol remains encodable
// even if absent from the sample that produced the histogram.
func BuildTree(freq [256]uint32) *Tree {
	h := make(nodeHeap, 0, 256)
	for v := 0; v < 256; v++ {
		w := freq[v]
		if w == 0 {
			w = 1
		}
		h = append(h, &node{weight: uint64(w), value: byte(v), isLeaf: true})
	}
	heap.Init(&h)

	for h.Len() > 1 {
		a := heap.Pop(&h).(*node)
		b := heap.Pop(&h).(*node)
		merged := &node{weight: a.weight + b.weight, left: a, right: b}
		heap.Push(&h, merged)
	}

	t := &Tree{root: heap.Pop(&h).(*node)}
	t.assignCodes()
	return t
}

// assignCodes walks the tree top-down with an explicit stack, assigning
// each leaf its left(0)/right(1) bit pattern from the root.
func (t *Tree) assignCodes() {
	type frame struct {
		n    *node
		bits uint32
		len  uint8
	}
	if t.root.isLeaf {
		// Degenerate single-symbol alphabet: emit a single 1-bit code.
		t.codes[t.root.value] = code{bits: 1, length: 1}
		return
	}
	stack := []frame{{t.root, 0, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.n.isLeaf {
			t.codes[f.n.value] = code{bits: f.bits, length: f.len}
			continue
		}
		stack = append(stack, frame{f.n.left, f.bits << 1, f.len + 1})
		stack = append(stack, frame{f.n.right, (f.bits << 1) | 1, f.len + 1})
	}
}

// EncodeInto writes the Huffman-coded bit pattern for each byte of data
// into bs, padding the final byte (if any) with the leading bits of the
// longest code in the table so a decoder reading a known symbol count never
// confuses padding for a real symbol.
func (t *Tree) EncodeInto(bs *bitstream.BitStream, data []byte) error {
	for _, by := range data {
		c := t.codes[by]
		if err := bs.WriteBits([]byte{byte(c.bits << (32 - c.length) >> 24), byte(c.bits << (32 - c.length) >> 16), byte(c.bits << (32 - c.length) >> 8), byte(c.bits << (32 - c.length))}, int(c.length), false); err != nil {
			return err
		}
	}
	if rem := bs.NumBitsUsed() % 8; rem != 0 {
		pad := t.longestCode()
		padBits := 8 - rem
		if padBits > int(pad.length) {
			padBits = int(pad.length)
		}
		shifted := pad.bits << (32 - pad.length)
		return bs.WriteBits([]byte{byte(shifted >> 24)}, padBits, false)
	}
	return nil
}

func (t *Tree) longestCode() code {
	var longest code
	for _, c := range t.codes {
		if c.length > longest.length {
			longest = c
		}
	}
	return longest
}

// DecodeFrom reads exactly count symbols from bs by walking the tree one
// bit at a time until a leaf is reached, per §4.2.
func (t *Tree) DecodeFrom(bs *bitstream.BitStream, count int) ([]byte, error) {
	out := make([]byte, 0, count)
	for i := 0; i < count; i++ {
		n := t.root
		if n.isLeaf {
			out = append(out, n.value)
			// Degenerate alphabet still consumes its 1-bit code.
			if _, err := bs.ReadBool(); err != nil {
				return nil, err
			}
			continue
		}
		for !n.isLeaf {
			bit, err := bs.ReadBool()
			if err != nil {
				return nil, err
			}
			if bit {
				n = n.right
			} else {
				n = n.left
			}
		}
		out = append(out, n.value)
	}
	return out, nil
}

// Compress encodes data (which must exceed 2 KiB per contract) using a tree
// built from data's own frequency histogram, prefixing the wire form with
// the original length and the 256-entry histogram so Decompress can rebuild
// an identical tree.
func Compress(data []byte) ([]byte, error) {
	if len(data) <= compressMinBytes {
		return nil, ErrInputTooSmall
	}
	var freq [256]uint32
	for _, b := range data {
		freq[b]++
	}
	tree := BuildTree(freq)

	bs := bitstream.New()
	if err := bs.WriteUint32(uint32(len(data))); err != nil {
		return nil, err
	}
	for _, f := range freq {
		if err := bs.WriteUint32(f); err != nil {
			return nil, err
		}
	}
	if err := tree.EncodeInto(bs, data); err != nil {
		return nil, err
	}
	return bs.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(wire []byte) ([]byte, error) {
	bs := bitstream.NewFromBytes(wire)
	length, err := bs.ReadUint32()
	if err != nil {
		return nil, err
	}
	var freq [256]uint32
	for i := range freq {
		v, err := bs.ReadUint32()
		if err != nil {
			return nil, err
		}
		freq[i] = v
	}
	tree := BuildTree(freq)
	return tree.DecodeFrom(bs, int(length))
}

// CompressString and DecompressString are the string-compressor convenience
// wrapper supplemented from the original RakNet StringCompressor.cpp
// companion to DS_HuffmanEncodingTree.cpp (see SPEC_FULL.md). Unlike the
// original's implicit process-wide singleton, callers pass an explicit
// *Tree (typically the package-level EnglishFrequencyTable()).
func CompressString(tree *Tree, s string) []byte {
	bs := bitstream.New()
	data := []byte(s)
	_ = bs.WriteUint16(uint16(len(data)))
	_ = tree.EncodeInto(bs, data)
	return bs.Bytes()
}

func DecompressString(tree *Tree, wire []byte) (string, error) {
	bs := bitstream.NewFromBytes(wire)
	n, err := bs.ReadUint16()
	if err != nil {
		return "", err
	}
	data, err := tree.DecodeFrom(bs, int(n))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var englishTree *Tree

// EnglishFrequencyTable returns a shared Tree built from RakNet's classic
// English-text letter-frequency histogram, lazily built on first use.
func EnglishFrequencyTable() *Tree {
	if englishTree != nil {
		return englishTree
	}
	englishTree = BuildTree(englishLetterFrequencies)
	return englishTree
}
