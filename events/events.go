// Package events defines the peer-visible event catalogue from spec.md §7:
// the application-facing notifications the peer manager's receive queue
// surfaces alongside ordinary payloads. Grounded on the teacher's RakNet
// packet-ID catalogue (pkg/raknet/protocol.go, source/protocol/raknet.go)
// generalized from raw byte IDs into a typed Kind plus payload struct.
package events

import "net"

// Kind identifies one of the peer-visible event types §7 lists.
type Kind int

const (
	ApplicationMessage Kind = iota
	ConnectionRequestAccepted
	NewIncomingConnection
	DisconnectionNotification
	ConnectionLost
	ConnectionAttemptFailed
	AlreadyConnected
	NoFreeIncomingConnections
	InvalidPassword
	ReceiptAcked
	ReceiptLoss
	AdvertiseSystem
)

func (k Kind) String() string {
	switch k {
	case ApplicationMessage:
		return "APPLICATION_MESSAGE"
	case ConnectionRequestAccepted:
		return "CONNECTION_REQUEST_ACCEPTED"
	case NewIncomingConnection:
		return "NEW_INCOMING_CONNECTION"
	case DisconnectionNotification:
		return "DISCONNECTION_NOTIFICATION"
	case ConnectionLost:
		return "CONNECTION_LOST"
	case ConnectionAttemptFailed:
		return "CONNECTION_ATTEMPT_FAILED"
	case AlreadyConnected:
		return "ALREADY_CONNECTED"
	case NoFreeIncomingConnections:
		return "NO_FREE_INCOMING_CONNECTIONS"
	case InvalidPassword:
		return "INVALID_PASSWORD"
	case ReceiptAcked:
		return "SND_RECEIPT_ACKED"
	case ReceiptLoss:
		return "SND_RECEIPT_LOSS"
	case AdvertiseSystem:
		return "ADVERTISE_SYSTEM"
	default:
		return "UNKNOWN_EVENT"
	}
}

// Event is one application-visible notification. ReceiptID is populated
// only for ReceiptAcked/ReceiptLoss; Message and Channel only for
// ApplicationMessage/AdvertiseSystem.
type Event struct {
	Kind      Kind
	Addr      *net.UDPAddr
	ReceiptID uint64
	Message   []byte
	Channel   byte
}
