package split

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/util"
)

// injectReset synthesises a TCP RST|ACK toward the host for a SYN that was
// dropped before a Flow could be allocated (e.g. ephemeral port exhaustion).
func (s *Split) injectReset(span *l3.Span) {
	four := span.Four()
	s.injectResetFor(four, span.TCP().Seq)
}

// injectResetFor synthesises spec.md §4.F's failed-Connect reset: seq=0,
// ack=hostSeq+1, flags RST|ACK, window=0, source=the original target,
// destination=the original host source — so the host's TCP stack sees the
// reset as though it came from the server it tried to reach.
func (s *Split) injectResetFor(four l3.Four, hostSeq uint32) {
	raw, err := synthesizeRST(four.Target, four.Source, hostSeq)
	if err != nil {
		return
	}
	util.Stats.RSTSent()
	_ = s.injector.Inject(raw, true)
}

// synthesizeRST builds a full IPv4+TCP RST|ACK packet from scratch — a
// one-shot emission, not a Forge rewrite, so a full checksum recompute via
// gopacket.SerializeLayers is the right tool (grounded on firestige-Otus's
// handle_test.go SetNetworkLayerForChecksum + ComputeChecksums pattern).
func synthesizeRST(source, target l3.Socket, hostSeq uint32) ([]byte, error) {
	if !source.Valid() || !target.Valid() {
		return nil, fmt.Errorf("split: synthesizeRST requires IPv4 sockets")
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    addrBytes(source),
		DstIP:    addrBytes(target),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(source.Port),
		DstPort: layers.TCPPort(target.Port),
		Seq:     0,
		Ack:     hostSeq + 1,
		RST:     true,
		ACK:     true,
		Window:  0,
		DataOffset: 5,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("split: set network layer for RST checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		return nil, fmt.Errorf("split: serialize RST: %w", err)
	}
	return buf.Bytes(), nil
}

// synthesizeUDP builds a full IPv4+UDP packet re-encapsulating a Punch's
// return datagram: source=from (whoever replied on the wire), dest=to (the
// host-side socket that opened the Punch).
func synthesizeUDP(from, to l3.Socket, payload []byte) ([]byte, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("split: synthesizeUDP requires IPv4 sockets")
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    addrBytes(from),
		DstIP:    addrBytes(to),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(from.Port),
		DstPort: layers.UDPPort(to.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("split: set network layer for UDP checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("split: serialize UDP return: %w", err)
	}
	return buf.Bytes(), nil
}

func addrBytes(s l3.Socket) []byte {
	b := s.Host.As4()
	return b[:]
}
