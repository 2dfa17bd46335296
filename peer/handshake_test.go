package peer

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieForIsStableForSameAddress(t *testing.T) {
	secret := []byte("test-secret")
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 7777}

	a := cookieFor(secret, addr)
	b := cookieFor(secret, addr)
	assert.Equal(t, a, b)
}

func TestCookieForDiffersAcrossAddresses(t *testing.T) {
	secret := []byte("test-secret")
	addr1 := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 7777}
	addr2 := &net.UDPAddr{IP: net.ParseIP("203.0.113.8"), Port: 7777}

	assert.NotEqual(t, cookieFor(secret, addr1), cookieFor(secret, addr2))
}

func TestOpenConnectionRequest1RoundTrip(t *testing.T) {
	encoded := encodeOpenConnectionRequest1(openConnectionRequest1{ProtocolVersion: protocolVersion, MTUProbeSize: 1200})
	assert.Len(t, encoded, 1200)

	decoded, err := decodeOpenConnectionRequest1(encoded)
	require.NoError(t, err)
	assert.Equal(t, byte(protocolVersion), decoded.ProtocolVersion)
	assert.Equal(t, 1200, decoded.MTUProbeSize)
}

func TestOpenConnectionReply1RoundTrip(t *testing.T) {
	encoded := encodeOpenConnectionReply1(openConnectionReply1{Cookie: 0xdeadbeef, ServerGUID: 0x1122334455667788, MTU: 1400})
	decoded, err := decodeOpenConnectionReply1(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), decoded.Cookie)
	assert.Equal(t, uint64(0x1122334455667788), decoded.ServerGUID)
	assert.Equal(t, uint16(1400), decoded.MTU)
}

func TestOpenConnectionRequest2RoundTripWithPassword(t *testing.T) {
	pw := []byte("0123456789abcdef0123456789abcdef")
	encoded := encodeOpenConnectionRequest2(openConnectionRequest2{
		Cookie:       0xcafef00d,
		ClientGUID:   0x99,
		MTU:          1200,
		PasswordHash: pw,
	})
	decoded, err := decodeOpenConnectionRequest2(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xcafef00d), decoded.Cookie)
	assert.Equal(t, uint64(0x99), decoded.ClientGUID)
	assert.Equal(t, pw, decoded.PasswordHash)
}

func TestDecodeOpenConnectionReply1RejectsTruncatedMessage(t *testing.T) {
	_, err := decodeOpenConnectionReply1([]byte{byte(MsgOpenConnectionReply1), 1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedHandshake)
}

func TestConnectionRequestAcceptedRoundTrip(t *testing.T) {
	encoded := encodeConnectionRequestAccepted(0x42)
	assert.Equal(t, byte(MsgConnectionRequestAccepted), encoded[0])
}
