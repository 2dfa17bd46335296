// Package peer implements the peer manager from spec.md §4.7: UDP socket
// ownership, the peer table, the amplification-resistant connection
// handshake, and the application-facing send/receive queues. Grounded on the
// teacher's Server/RakNetHandler pair (source/server/server.go,
// source/protocol/raknet.go's Session lifecycle), generalized from SA-MP's
// single always-open listener to the spec's explicit startup/connect/
// closeConnection/shutdown surface and its cookie-based three-way handshake
// (carried forward from original_source/Source/RakPeerInterface.cpp's
// OPEN_CONNECTION_REQUEST_1/2, REPLY_1/2 exchange per the Supplemented
// Features note in SPEC_FULL.md).
package peer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"net"
)

// MessageID identifies a handshake or connection-lifecycle message by its
// payload's first byte, per spec.md §6.
type MessageID byte

const (
	MsgOpenConnectionRequest1 MessageID = 0x05
	MsgOpenConnectionReply1   MessageID = 0x06
	MsgOpenConnectionRequest2 MessageID = 0x07
	MsgOpenConnectionReply2   MessageID = 0x08
	MsgConnectionRequest      MessageID = 0x09
	MsgConnectionRequestAccepted MessageID = 0x0A
	MsgNewIncomingConnection  MessageID = 0x0B
	MsgDisconnectionNotification MessageID = 0x0C
	MsgInvalidPassword        MessageID = 0x0D
	MsgAlreadyConnected       MessageID = 0x0E
	MsgNoFreeIncomingConnections MessageID = 0x0F
	MsgAdvertiseSystem        MessageID = 0x10
)

const protocolVersion = 1

// ErrMalformedHandshake marks a truncated or otherwise unparsable handshake
// message (§7 wire-format error).
var ErrMalformedHandshake = errors.New("peer: malformed handshake message")

// cookieFor derives the anti-amplification cookie for one remote address
// from the server's secret, via HMAC-SHA256 truncated to 8 bytes — the
// spirit of RakNet's original cookie without its weaker ad hoc mixing (see
// SPEC_FULL.md's Supplemented Features).
func cookieFor(secret []byte, addr *net.UDPAddr) uint64 {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(addr.IP.String()))
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], uint16(addr.Port))
	mac.Write(portBytes[:])
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// openConnectionRequest1 is the client's first handshake message: a protocol
// version and an MTU probe (the payload is padded to the claimed MTU so the
// server can detect fragmentation/truncation along the path).
type openConnectionRequest1 struct {
	ProtocolVersion byte
	MTUProbeSize    int
}

func encodeOpenConnectionRequest1(r openConnectionRequest1) []byte {
	out := make([]byte, r.MTUProbeSize)
	out[0] = byte(MsgOpenConnectionRequest1)
	out[1] = r.ProtocolVersion
	return out
}

func decodeOpenConnectionRequest1(data []byte) (openConnectionRequest1, error) {
	if len(data) < 2 {
		return openConnectionRequest1{}, ErrMalformedHandshake
	}
	return openConnectionRequest1{ProtocolVersion: data[1], MTUProbeSize: len(data)}, nil
}

// openConnectionReply1 carries the server's cookie, its GUID, and the MTU it
// observed from the probe's size.
type openConnectionReply1 struct {
	Cookie    uint64
	ServerGUID uint64
	MTU       uint16
}

func encodeOpenConnectionReply1(r openConnectionReply1) []byte {
	out := make([]byte, 1+8+8+2)
	out[0] = byte(MsgOpenConnectionReply1)
	binary.BigEndian.PutUint64(out[1:9], r.Cookie)
	binary.BigEndian.PutUint64(out[9:17], r.ServerGUID)
	binary.BigEndian.PutUint16(out[17:19], r.MTU)
	return out
}

func decodeOpenConnectionReply1(data []byte) (openConnectionReply1, error) {
	if len(data) < 19 {
		return openConnectionReply1{}, ErrMalformedHandshake
	}
	return openConnectionReply1{
		Cookie:     binary.BigEndian.Uint64(data[1:9]),
		ServerGUID: binary.BigEndian.Uint64(data[9:17]),
		MTU:        binary.BigEndian.Uint16(data[17:19]),
	}, nil
}

// openConnectionRequest2 echoes the cookie back (proving the client saw
// Reply1 from its own address) and carries the client's GUID, chosen MTU,
// and an optional password hash.
type openConnectionRequest2 struct {
	Cookie       uint64
	ClientGUID   uint64
	MTU          uint16
	PasswordHash []byte // 0 or 32 bytes
}

func encodeOpenConnectionRequest2(r openConnectionRequest2) []byte {
	out := make([]byte, 1+8+8+2+len(r.PasswordHash))
	out[0] = byte(MsgOpenConnectionRequest2)
	binary.BigEndian.PutUint64(out[1:9], r.Cookie)
	binary.BigEndian.PutUint64(out[9:17], r.ClientGUID)
	binary.BigEndian.PutUint16(out[17:19], r.MTU)
	copy(out[19:], r.PasswordHash)
	return out
}

func decodeOpenConnectionRequest2(data []byte) (openConnectionRequest2, error) {
	if len(data) < 19 {
		return openConnectionRequest2{}, ErrMalformedHandshake
	}
	r := openConnectionRequest2{
		Cookie:     binary.BigEndian.Uint64(data[1:9]),
		ClientGUID: binary.BigEndian.Uint64(data[9:17]),
		MTU:        binary.BigEndian.Uint16(data[17:19]),
	}
	if len(data) > 19 {
		r.PasswordHash = append([]byte(nil), data[19:]...)
	}
	return r, nil
}

// openConnectionReply2 confirms acceptance and echoes the server's GUID and
// the agreed MTU.
type openConnectionReply2 struct {
	ServerGUID uint64
	MTU        uint16
}

func encodeOpenConnectionReply2(r openConnectionReply2) []byte {
	out := make([]byte, 1+8+2)
	out[0] = byte(MsgOpenConnectionReply2)
	binary.BigEndian.PutUint64(out[1:9], r.ServerGUID)
	binary.BigEndian.PutUint16(out[9:11], r.MTU)
	return out
}

func decodeOpenConnectionReply2(data []byte) (openConnectionReply2, error) {
	if len(data) < 11 {
		return openConnectionReply2{}, ErrMalformedHandshake
	}
	return openConnectionReply2{
		ServerGUID: binary.BigEndian.Uint64(data[1:9]),
		MTU:        binary.BigEndian.Uint16(data[9:11]),
	}, nil
}

// connectionRequest is the final leg, sent once the reliability layer is up:
// it carries the client's GUID and an optional password hash.
type connectionRequest struct {
	ClientGUID   uint64
	PasswordHash []byte
}

func encodeConnectionRequest(r connectionRequest) []byte {
	out := make([]byte, 1+8+len(r.PasswordHash))
	out[0] = byte(MsgConnectionRequest)
	binary.BigEndian.PutUint64(out[1:9], r.ClientGUID)
	copy(out[9:], r.PasswordHash)
	return out
}

func decodeConnectionRequest(data []byte) (connectionRequest, error) {
	if len(data) < 9 {
		return connectionRequest{}, ErrMalformedHandshake
	}
	r := connectionRequest{ClientGUID: binary.BigEndian.Uint64(data[1:9])}
	if len(data) > 9 {
		r.PasswordHash = append([]byte(nil), data[9:]...)
	}
	return r, nil
}

func encodeConnectionRequestAccepted(remoteGUID uint64) []byte {
	out := make([]byte, 9)
	out[0] = byte(MsgConnectionRequestAccepted)
	binary.BigEndian.PutUint64(out[1:9], remoteGUID)
	return out
}

func encodeSimpleMessage(id MessageID) []byte { return []byte{byte(id)} }
