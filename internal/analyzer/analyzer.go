// Package analyzer implements live DNS snooping and flow journaling to an
// embedded SQLite database, grounded on the original capture.cpp's
// LoggerDatabase/Logger pair.
package analyzer

import (
	"net/netip"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/util"
)

// Analyzer sees every outbound packet (pre-NAT, as the host emitted it) via
// Analyze, and every inbound packet via AnalyzeIncoming.
type Analyzer interface {
	Analyze(span l3.Span)
	AnalyzeIncoming(span l3.Span)
}

// DNSLog maps observed A-record answers to hostnames. It is written and
// read only from Analyzer callbacks invoked on the capture's main loop
// (spec.md §5), so it needs no lock.
type DNSLog struct {
	m map[netip.Addr]string
}

func NewDNSLog() *DNSLog {
	return &DNSLog{m: make(map[netip.Addr]string)}
}

// Lookup returns the hostname last observed for ip, if any.
func (d *DNSLog) Lookup(ip netip.Addr) (string, bool) {
	name, ok := d.m[ip]
	return name, ok
}

// observe decodes a UDP/53 response payload and records ip → qname for
// every A-record answer, taking the qname from the first question and
// stripping the trailing dot.
func (d *DNSLog) observe(payload []byte) {
	var dns layers.DNS
	if err := dns.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return
	}
	if len(dns.Questions) == 0 || len(dns.Answers) == 0 {
		return
	}
	qname := strings.TrimSuffix(string(dns.Questions[0].Name), ".")

	for _, a := range dns.Answers {
		if a.Type != layers.DNSTypeA || len(a.IP) == 0 {
			continue
		}
		ip4 := a.IP.To4()
		if ip4 == nil {
			continue
		}
		addr := netip.AddrFrom4([4]byte(ip4))
		d.m[addr] = qname
		util.Stats.DNSAnswerLogged()
	}
}

// baseAnalyzer implements the DNS-snooping half of Analyzer shared by both
// the no-op and Logger-backed configurations.
type baseAnalyzer struct {
	log *DNSLog
}

func (b *baseAnalyzer) AnalyzeIncoming(span l3.Span) {
	if span.Proto() != l3.UDP {
		return
	}
	udp := span.UDP()
	if uint16(udp.SrcPort) != 53 {
		return
	}
	b.log.observe(span.UDPPayload())
}

// Snooper is an Analyzer with DNS-answer capture but no flow journal —
// used by capture.Pass or standalone tests that don't need a database.
type Snooper struct {
	baseAnalyzer
}

// NewSnooper returns a ready Snooper with an empty DnsLog.
func NewSnooper() *Snooper {
	return &Snooper{baseAnalyzer{log: NewDNSLog()}}
}

// Analyze is a no-op: Snooper only observes inbound DNS answers.
func (s *Snooper) Analyze(span l3.Span) {}
