// Package punch implements UDP hole punching: one outbound datagram socket
// per distinct host-side source, re-encapsulating whatever comes back so it
// can be injected into the tun device as though it arrived directly.
package punch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/util"
	"golang.org/x/time/rate"
)

// Opening is one outbound datagram socket, bound lazily on first use.
// Implementations are supplied by an Origin (internal/origin) — Local dials
// a real UDP socket, Remote tunnels through a WebRTC data channel.
type Opening interface {
	// Send transmits payload to target on the wire.
	Send(ctx context.Context, payload []byte, target l3.Socket) error
	// Close releases the underlying socket.
	Close() error
}

// Hole is the Split engine's inbound injector: whatever a Punch receives on
// its Opening gets handed back here, along with the Punch's remembered
// source socket, to be re-encapsulated as an IPv4/UDP packet (source=from,
// dest=to) and written to the tun device.
type Hole interface {
	Land(payload []byte, from, to l3.Socket) error
}

// Punch wraps one Opening and remembers the host-side source Socket so
// returning datagrams can be re-addressed back to it.
type Punch struct {
	source  l3.Socket
	opening Opening
	hole    Hole
	limiter *rate.Limiter

	mu       sync.Mutex
	lastUsed time.Time
}

// defaultRate bounds outbound punches per source to guard against a single
// misbehaving or spoofed source exhausting the shared egress (spec.md §9
// notes the underlying Punch table itself is never evicted in the source;
// the limiter bounds the damage while EvictIdle addresses the leak).
const (
	defaultRate  = rate.Limit(200) // datagrams/sec
	defaultBurst = 400
)

// New creates a Punch bound to source, backed by opening, delivering
// incoming datagrams to hole.
func New(source l3.Socket, opening Opening, hole Hole) *Punch {
	util.Stats.PunchOpened()
	return &Punch{
		source:   source,
		opening:  opening,
		hole:     hole,
		limiter:  rate.NewLimiter(defaultRate, defaultBurst),
		lastUsed: time.Now(),
	}
}

// Send forwards payload to target on the wire.
func (p *Punch) Send(ctx context.Context, payload []byte, target l3.Socket) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("punch: rate limit wait: %w", err)
	}
	p.touch()
	return p.opening.Send(ctx, payload, target)
}

// Land is called by the Opening implementation whenever a datagram arrives
// from the wire; it re-addresses the datagram back to this Punch's
// remembered source and hands it to the Hole for injection.
func (p *Punch) Land(payload []byte, from l3.Socket) error {
	p.touch()
	return p.hole.Land(payload, from, p.source)
}

// Source returns the host-side socket this Punch was opened for.
func (p *Punch) Source() l3.Socket { return p.source }

func (p *Punch) touch() {
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

// Idle reports whether this Punch has not been used within maxAge.
func (p *Punch) Idle(maxAge time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastUsed) > maxAge
}

// Close releases the underlying Opening.
func (p *Punch) Close() error {
	util.Stats.PunchClosed()
	return p.opening.Close()
}
