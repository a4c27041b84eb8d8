// Package l3 provides the addressing primitives and byte-level packet
// surgery the Split engine builds on: Socket/Four/Five keys, the Beam/Span
// buffer-ownership pair, and Forge's incremental checksum rewrite.
package l3

import (
	"fmt"
	"net/netip"
)

// Socket is an (IPv4 host, UDP/TCP port) pair. Equality is structural, so a
// Socket is safe to use directly as a map key.
type Socket struct {
	Host netip.Addr
	Port uint16
}

func (s Socket) String() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Valid reports whether Host is a usable IPv4 address.
func (s Socket) Valid() bool {
	return s.Host.Is4()
}

// Four is an ordered pair of Sockets identifying a unidirectional TCP
// connection or UDP datagram direction.
type Four struct {
	Source Socket
	Target Socket
}

func (f Four) String() string {
	return fmt.Sprintf("%s->%s", f.Source, f.Target)
}

// Reversed swaps source and target — the shape of the reciprocating
// direction the local Acceptor sees.
func (f Four) Reversed() Four {
	return Four{Source: f.Target, Target: f.Source}
}

// Layer4 tags the transport protocol carried by a Five.
type Layer4 uint8

const (
	TCP Layer4 = iota
	UDP
	ICMPv4
)

func (l Layer4) String() string {
	switch l {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case ICMPv4:
		return "icmp"
	default:
		return "unknown"
	}
}

// Five is a Four plus a layer-4 protocol tag — the Analyzer's canonical
// flow key.
type Five struct {
	Four
	Proto Layer4
}

func (f Five) String() string {
	return fmt.Sprintf("%s:%s", f.Proto, f.Four)
}
