package l3

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"
)

// Forge rewrites a TCP span's source/destination sockets in place and fixes
// up the IPv4 header checksum and TCP checksum incrementally — an RFC 1624
// delta update, not a full recompute — so the per-packet cost is O(1)
// regardless of payload size. The Span's underlying bytes are mutated; the
// caller's Beam remains the unique owner.
//
// Only TCP spans are supported: UDP traffic is redirected through Punch
// (internal/punch), not Forge, and ICMPv4 is acknowledged without rewrite.
func Forge(span *Span, newSource, newTarget Socket) error {
	if span.proto != TCP {
		return fmt.Errorf("l3: Forge only supports TCP spans, got %s", span.proto)
	}
	if !newSource.Valid() || !newTarget.Valid() {
		return fmt.Errorf("l3: Forge requires IPv4 sockets")
	}

	raw := span.raw
	hlen := span.headerLen()
	if len(raw) < hlen+20 {
		return fmt.Errorf("l3: buffer too short for TCP header")
	}

	oldSrcBytes := [4]byte(span.ipv4.SrcIP.To4())
	oldDstBytes := [4]byte(span.ipv4.DstIP.To4())
	newSrcBytes := newSource.Host.As4()
	newDstBytes := newTarget.Host.As4()

	oldSrcWords := ipWords(oldSrcBytes)
	oldDstWords := ipWords(oldDstBytes)
	newSrcWords := ipWords(newSrcBytes)
	newDstWords := ipWords(newDstBytes)

	// IPv4 header checksum covers only the addresses, not the ports.
	ipChecksum := binary.BigEndian.Uint16(raw[10:12])
	ipChecksum = updateChecksum16(ipChecksum, oldSrcWords[0], newSrcWords[0])
	ipChecksum = updateChecksum16(ipChecksum, oldSrcWords[1], newSrcWords[1])
	ipChecksum = updateChecksum16(ipChecksum, oldDstWords[0], newDstWords[0])
	ipChecksum = updateChecksum16(ipChecksum, oldDstWords[1], newDstWords[1])

	// TCP checksum covers the pseudo-header (addresses included) plus ports.
	tcpOff := hlen
	oldSrcPort := binary.BigEndian.Uint16(raw[tcpOff : tcpOff+2])
	oldDstPort := binary.BigEndian.Uint16(raw[tcpOff+2 : tcpOff+4])
	tcpChecksum := binary.BigEndian.Uint16(raw[tcpOff+16 : tcpOff+18])

	tcpChecksum = updateChecksum16(tcpChecksum, oldSrcWords[0], newSrcWords[0])
	tcpChecksum = updateChecksum16(tcpChecksum, oldSrcWords[1], newSrcWords[1])
	tcpChecksum = updateChecksum16(tcpChecksum, oldDstWords[0], newDstWords[0])
	tcpChecksum = updateChecksum16(tcpChecksum, oldDstWords[1], newDstWords[1])
	tcpChecksum = updateChecksum16(tcpChecksum, oldSrcPort, newSource.Port)
	tcpChecksum = updateChecksum16(tcpChecksum, oldDstPort, newTarget.Port)

	copy(raw[12:16], newSrcBytes[:])
	copy(raw[16:20], newDstBytes[:])
	binary.BigEndian.PutUint16(raw[10:12], ipChecksum)

	binary.BigEndian.PutUint16(raw[tcpOff:tcpOff+2], newSource.Port)
	binary.BigEndian.PutUint16(raw[tcpOff+2:tcpOff+4], newTarget.Port)
	binary.BigEndian.PutUint16(raw[tcpOff+16:tcpOff+18], tcpChecksum)

	// Keep the decoded view in sync so subsequent Span accessors (Four,
	// Five) reflect the rewritten header.
	span.ipv4.SrcIP = newSrcBytes[:]
	span.ipv4.DstIP = newDstBytes[:]
	span.tcp.SrcPort = layers.TCPPort(newSource.Port)
	span.tcp.DstPort = layers.TCPPort(newTarget.Port)

	return nil
}
