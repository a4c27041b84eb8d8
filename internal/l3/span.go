package l3

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Span is a borrowed, typed view over a Beam's backing bytes: IPv4 header
// fields plus, when applicable, the TCP or UDP header layered on top. There
// is no exported constructor other than Beam.Span, which enforces the
// never-outlives-its-Beam invariant by construction.
type Span struct {
	raw   []byte
	ipv4  layers.IPv4
	tcp   layers.TCP
	udp   layers.UDP
	proto Layer4
}

func newSpan(raw []byte) (Span, error) {
	var s Span
	if len(raw) < 20 {
		return s, fmt.Errorf("l3: buffer too short for IPv4 header: %d bytes", len(raw))
	}
	if err := s.ipv4.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return s, fmt.Errorf("l3: malformed IPv4 header: %w", err)
	}
	s.raw = raw

	switch s.ipv4.Protocol {
	case layers.IPProtocolTCP:
		s.proto = TCP
		if err := s.tcp.DecodeFromBytes(s.ipv4.Payload, gopacket.NilDecodeFeedback); err != nil {
			return s, fmt.Errorf("l3: malformed TCP header: %w", err)
		}
	case layers.IPProtocolUDP:
		s.proto = UDP
		if err := s.udp.DecodeFromBytes(s.ipv4.Payload, gopacket.NilDecodeFeedback); err != nil {
			return s, fmt.Errorf("l3: malformed UDP header: %w", err)
		}
	case layers.IPProtocolICMPv4:
		s.proto = ICMPv4
	default:
		return s, fmt.Errorf("l3: unsupported IP protocol %d", s.ipv4.Protocol)
	}
	return s, nil
}

// Raw returns the full underlying datagram bytes, shared with the Beam.
func (s Span) Raw() []byte { return s.raw }

func (s Span) Proto() Layer4 { return s.proto }

// headerLen returns the IPv4 header length in bytes (IHL * 4).
func (s Span) headerLen() int { return int(s.ipv4.IHL) * 4 }

// Four returns the (source, target) socket pair for a TCP or UDP span.
func (s Span) Four() Four {
	src := netip.AddrFrom4([4]byte(s.ipv4.SrcIP.To4()))
	dst := netip.AddrFrom4([4]byte(s.ipv4.DstIP.To4()))
	switch s.proto {
	case TCP:
		return Four{
			Source: Socket{Host: src, Port: uint16(s.tcp.SrcPort)},
			Target: Socket{Host: dst, Port: uint16(s.tcp.DstPort)},
		}
	case UDP:
		return Four{
			Source: Socket{Host: src, Port: uint16(s.udp.SrcPort)},
			Target: Socket{Host: dst, Port: uint16(s.udp.DstPort)},
		}
	default:
		return Four{Source: Socket{Host: src}, Target: Socket{Host: dst}}
	}
}

// Five is Four plus the layer-4 protocol tag.
func (s Span) Five() Five {
	return Five{Four: s.Four(), Proto: s.proto}
}

// IsSYN reports whether this is a TCP span with only the SYN flag set
// (no ACK) — the trigger for new-flow allocation in the Split engine.
func (s Span) IsSYN() bool {
	return s.proto == TCP && s.tcp.SYN && !s.tcp.ACK
}

// TCP exposes the decoded TCP header for callers that need flags/seq/ack
// (the Split engine's SYN/RST logic). Only valid when Proto() == TCP.
func (s Span) TCP() *layers.TCP { return &s.tcp }

// UDP exposes the decoded UDP header. Only valid when Proto() == UDP.
func (s Span) UDP() *layers.UDP { return &s.udp }

// UDPPayload returns the UDP datagram's payload bytes (post header).
func (s Span) UDPPayload() []byte { return s.udp.Payload }

// IPv4TotalLen returns the IPv4 header's declared total length field.
func (s Span) IPv4TotalLen() int { return int(s.ipv4.Length) }
