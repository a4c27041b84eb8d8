// Package protocol defines the packet format and types for the P2P tunnel.
package protocol

// Packet type constants.
const (
	TypeConnect  uint8 = 0x01 // New TCP connection request
	TypeData     uint8 = 0x02 // TCP data payload
	TypeClose    uint8 = 0x03 // Connection close notification
	TypeDatagram uint8 = 0x04 // UDP datagram relay (Origin.Unlid), address-prefixed payload
)

// HeaderSize is the fixed header size: Type(1) + SocketID(4) + SeqNum(4).
const HeaderSize = 9

// Packet represents a tunnel protocol packet transmitted over the DataChannel.
type Packet struct {
	Type     uint8  // TypeConnect, TypeData, TypeClose, or TypeDatagram
	SocketID uint32 // Identifier of the stream or datagram route
	SeqNum   uint32 // Per-socketID sequence number
	Payload  []byte // CONNECT: "host:port"; DATA: bytes; DATAGRAM: address-prefixed datagram
}
