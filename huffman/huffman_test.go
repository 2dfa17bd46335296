package huffman

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ventosilenzioso/go-raknet-core/bitstream"
)

func freqOf(data []byte) [256]uint32 {
	var f [256]uint32
	for _, b := range data {
		f[b]++
	}
	return f
}

func TestTreeEncodeDecodeRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 100)
	tree := BuildTree(freqOf(data))

	bs := bitstream.New()
	require.NoError(t, tree.EncodeInto(bs, data))
	bs.SetReadOffset(0)

	got, err := tree.DecodeFrom(bs, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("RakNet reliability layer regression corpus. "), 200)
	require.Greater(t, len(data), compressMinBytes)

	wire, err := Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(wire), len(data), "compressed form should be smaller for skewed text")

	got, err := Decompress(wire)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCompressRejectsSmallInput(t *testing.T) {
	_, err := Compress([]byte("too small"))
	assert.ErrorIs(t, err, ErrInputTooSmall)
}

func TestCompressDecompressRandomBytes(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	data := make([]byte, 5000)
	r.Read(data)

	wire, err := Compress(data)
	require.NoError(t, err)
	got, err := Decompress(wire)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStringCompressorRoundTrip(t *testing.T) {
	tree := EnglishFrequencyTable()
	s := "hello world, this is a compressible english sentence."
	wire := CompressString(tree, s)
	got, err := DecompressString(tree, wire)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestDegenerateSingleSymbolAlphabet(t *testing.T) {
	var freq [256]uint32
	freq['a'] = 10
	tree := BuildTree(freq)
	data := bytes.Repeat([]byte{'a'}, 50)

	bs := bitstream.New()
	require.NoError(t, tree.EncodeInto(bs, data))
	bs.SetReadOffset(0)
	got, err := tree.DecodeFrom(bs, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
