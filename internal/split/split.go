// Package split implements the Split engine: the per-packet L3 demultiplexer
// that classifies host-originated IPv4 packets, NATs TCP flows through a
// locally bound Acceptor, hole-punches UDP through Origin, and synthesises a
// TCP reset when an upstream connect fails. This is the heart of the capture
// engine (spec.md §4.F).
package split

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/wisp-vpn/wisp/internal/bridge"
	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/origin"
	"github.com/wisp-vpn/wisp/internal/punch"
	"github.com/wisp-vpn/wisp/internal/runtime"
	"github.com/wisp-vpn/wisp/internal/util"
)

// punchJanitorInterval/punchIdleTimeout bound the UDP Punch table's idle
// eviction sweep (spec.md §9's resolved open question on the never-evicted
// Punch table leak).
const (
	punchJanitorInterval = 30 * time.Second
	punchIdleTimeout     = 5 * time.Minute
)

// firstEphemeralPort is where the allocator starts and wraps back to,
// staying clear of well-known ports on the synthesised remote_ address.
const firstEphemeralPort = 1024

// Injector is the Split engine's inbound path back into the host tun device:
// Capture implements it to satisfy both "forge a reply and hand it to the
// host" call sites in Send and the reset/UDP-return synthesis paths.
// analyze mirrors Capture.Land(buffer, analyze) from spec.md §4.G.
type Injector interface {
	Inject(raw []byte, analyze bool) error
}

// Journal is the subset of Logger that Split drives directly: a new Flow's
// five-tuple is journaled at SYN time so DNS annotation (spec.md §8's "DNS
// annotation" round-trip law) has a row to update. A nil Journal disables
// this without touching Send's control flow.
type Journal interface {
	AddFlow(five l3.Five) error
}

// Split is the demultiplexer described in spec.md §4.F. It implements
// bridge.Plant (Pull) and punch.Hole (Land) so bridge.Flow and punch.Punch
// can call back into it without importing it.
type Split struct {
	origin   origin.Origin
	injector Injector
	journal  Journal

	mu         runtime.Mutex
	ephemerals map[l3.Four]l3.Socket
	flows      map[l3.Socket]*bridge.Flow
	nextPort   uint16

	udp *punch.Table

	local    l3.Socket
	remote   l3.Socket
	acceptor net.Listener
}

// New constructs a Split bound to o (the outbound egress), inj (the inbound
// injector back into the host), and an optional journal for flow logging.
func New(o origin.Origin, inj Injector, journal Journal) *Split {
	return &Split{
		origin:     o,
		injector:   inj,
		journal:    journal,
		ephemerals: make(map[l3.Four]l3.Socket),
		flows:      make(map[l3.Socket]*bridge.Flow),
		udp:        punch.NewTable(),
		nextPort:   firstEphemeralPort,
	}
}

// Connect opens the Acceptor on a kernel-chosen port bound to host, records
// local_ with that port, and derives remote_ = local_.Host + 1 (spec.md
// §4.G / §9's documented /31-on-the-tun-interface precondition).
func (s *Split) Connect(ctx context.Context, host netip.Addr) error {
	if !host.Is4() {
		return fmt.Errorf("split: Connect requires an IPv4 host")
	}
	ip4 := host.As4()
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(ip4[0], ip4[1], ip4[2], ip4[3]), Port: 0})
	if err != nil {
		return fmt.Errorf("split: acceptor listen: %w", err)
	}
	s.acceptor = ln

	addr := ln.Addr().(*net.TCPAddr)
	localAddr, ok := netip.AddrFromSlice(addr.IP.To4())
	if !ok {
		ln.Close()
		return fmt.Errorf("split: acceptor bound to non-IPv4 address %s", addr.IP)
	}
	s.local = l3.Socket{Host: localAddr, Port: uint16(addr.Port)}
	s.remote = l3.Socket{Host: incrementHost(localAddr), Port: s.local.Port}

	go s.acceptLoop(ctx)
	go s.udp.RunJanitor(ctx, punchJanitorInterval, punchIdleTimeout)

	util.LogInfo("split: acceptor listening on %s (remote_=%s)", s.local, s.remote)
	return nil
}

// Local returns the Acceptor's bound socket.
func (s *Split) Local() l3.Socket { return s.local }

// Remote returns the derived remote_ socket used as the source of injected
// synthesized SYNs.
func (s *Split) Remote() l3.Socket { return s.remote }

// Send is the per-packet entry point (spec.md §4.F). consumed=true means
// the caller (Capture) should also hand the pre-NAT span to Analyzer.Analyze.
func (s *Split) Send(ctx context.Context, beam *l3.Beam) (consumed bool, err error) {
	span, err := beam.Span()
	if err != nil {
		util.LogDebug("split: malformed packet dropped: %v", err)
		return false, nil
	}

	switch span.Proto() {
	case l3.TCP:
		return s.sendTCP(ctx, &span)
	case l3.UDP:
		return s.sendUDP(ctx, &span)
	case l3.ICMPv4:
		return true, nil
	default:
		return false, nil
	}
}

func (s *Split) sendTCP(ctx context.Context, span *l3.Span) (bool, error) {
	four := span.Four()

	unlock, err := s.mu.Lock(ctx)
	if err != nil {
		return false, err
	}

	// (a) Return direction: the local Acceptor's OS-terminated peer talking
	// back on behalf of the upstream connection.
	if four.Source == s.local {
		flow, ok := s.flows[four.Target]
		unlock()
		if !ok {
			util.LogDebug("split: return-direction packet for unknown flow socket %s dropped", four.Target)
			return false, nil
		}
		orig := flow.Four()
		if err := l3.Forge(span, orig.Target, orig.Source); err != nil {
			util.LogDebug("split: forge (return) failed: %v", err)
			return false, nil
		}
		if err := s.injector.Inject(span.Raw(), true); err != nil {
			util.LogWarning("split: inject (return) failed: %v", err)
		}
		return false, nil
	}

	if !span.IsSYN() {
		// (b) Host-originated data segment for an already-mapped flow.
		ephemeral, ok := s.ephemerals[four]
		unlock()
		if !ok {
			util.LogDebug("split: data segment for unmapped flow %s dropped", four)
			return true, nil
		}
		if err := l3.Forge(span, ephemeral, s.local); err != nil {
			util.LogDebug("split: forge (forward) failed: %v", err)
			return true, nil
		}
		if err := s.injector.Inject(span.Raw(), false); err != nil {
			util.LogWarning("split: inject (forward) failed: %v", err)
		}
		return true, nil
	}

	// SYN. Duplicates arriving before the pending Connect finishes are
	// dropped — the pending task will finish the mapping.
	if _, ok := s.ephemerals[four]; ok {
		unlock()
		util.LogDebug("split: duplicate SYN for pending flow %s dropped", four)
		return true, nil
	}

	// (c) New flow: allocate an ephemeral port, insert both NAT entries
	// synchronously (spec.md §5's ordering guarantee), then connect async.
	port, err := s.allocatePort()
	if err != nil {
		unlock()
		util.LogWarning("split: ephemeral port exhaustion for %s: %v", four, err)
		s.injectReset(span)
		return true, nil
	}
	ephemeral := l3.Socket{Host: s.remote.Host, Port: port}

	flow := bridge.New(s, four)
	s.ephemerals[four] = ephemeral
	s.flows[ephemeral] = flow
	unlock()
	util.Stats.NATOpened()

	if s.journal != nil {
		five := l3.Five{Four: four, Proto: l3.TCP}
		if err := s.journal.AddFlow(five); err != nil {
			util.LogWarning("split: AddFlow failed for %s: %v", five, err)
		}
	}

	host, portStr := four.Target.Host.String(), fmt.Sprintf("%d", four.Target.Port)
	hostSeq := span.TCP().Seq
	synCopy := append([]byte(nil), span.Raw()...) // survives the async gap below

	runtime.Go(ctx, func(ctx context.Context) error {
		up, err := s.origin.Connect(ctx, host, portStr)
		if err != nil {
			util.LogWarning("split: Connect(%s:%s) failed: %v", host, portStr, err)
			if unlock, lerr := s.mu.Lock(ctx); lerr == nil {
				delete(s.ephemerals, four)
				delete(s.flows, ephemeral)
				unlock()
				util.Stats.NATClosed()
			}
			s.injectResetFor(four, hostSeq)
			return err
		}
		flow.SetUp(ctx, up)

		beam2 := l3.WrapBeam(synCopy)
		span2, err := beam2.Span()
		if err != nil {
			util.LogWarning("split: re-parsing SYN copy failed: %v", err)
			return err
		}
		if err := l3.Forge(&span2, ephemeral, s.local); err != nil {
			util.LogWarning("split: forge (SYN inject) failed: %v", err)
			return err
		}
		if err := s.injector.Inject(span2.Raw(), false); err != nil {
			util.LogWarning("split: inject (SYN) failed: %v", err)
			return err
		}
		return nil
	})

	return true, nil
}

func (s *Split) sendUDP(ctx context.Context, span *l3.Span) (bool, error) {
	four := span.Four()
	source := four.Source

	p, err := s.udp.GetOrCreate(source, func() (*punch.Punch, error) {
		return s.origin.Unlid(ctx, source, s)
	})
	if err != nil {
		util.LogWarning("split: Unlid(%s) failed: %v", source, err)
		return true, nil
	}

	payload := span.UDPPayload()
	if err := p.Send(ctx, payload, four.Target); err != nil {
		util.LogWarning("split: punch send to %s failed: %v", four.Target, err)
	}
	return true, nil
}

// Land implements punch.Hole: a datagram arrived from the wire on behalf of
// some Punch. It is re-encapsulated as an IPv4+UDP packet, source=from,
// dest=to (the Punch's remembered host-side source), and injected inbound.
func (s *Split) Land(payload []byte, from, to l3.Socket) error {
	raw, err := synthesizeUDP(from, to, payload)
	if err != nil {
		return fmt.Errorf("split: synthesize UDP return: %w", err)
	}
	return s.injector.Inject(raw, true)
}

// Pull implements bridge.Plant: removes four's NAT entries once both splice
// directions of its Flow have completed.
func (s *Split) Pull(ctx context.Context, four l3.Four) error {
	unlock, err := s.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ephemeral, ok := s.ephemerals[four]
	if !ok {
		return nil
	}
	delete(s.ephemerals, four)
	delete(s.flows, ephemeral)
	util.Stats.NATClosed()
	return nil
}

// allocatePort increments the 16-bit ephemeral counter, skipping ports
// currently in use by a live flow (spec.md §9's resolved open question).
// Callers must hold s.mu.
func (s *Split) allocatePort() (uint16, error) {
	start := s.nextPort
	for {
		s.nextPort++
		if s.nextPort < firstEphemeralPort {
			s.nextPort = firstEphemeralPort
		}
		candidate := l3.Socket{Host: s.remote.Host, Port: s.nextPort}
		if _, live := s.flows[candidate]; !live {
			return s.nextPort, nil
		}
		if s.nextPort == start {
			return 0, fmt.Errorf("ephemeral port space exhausted")
		}
	}
}

// incrementHost adds 1 to the last octet of an IPv4 address — the /31
// companion address used as remote_ (spec.md §9's documented deployment
// precondition: a /31 on the tun interface holding local_ and remote_).
func incrementHost(addr netip.Addr) netip.Addr {
	b := addr.As4()
	b[3]++
	return netip.AddrFrom4(b)
}
