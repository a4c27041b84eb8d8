// Package capture is the host boundary: it owns the Analyzer and a single
// Internal (Split, the flow demultiplexer, or Pass, an identity passthrough
// for an already-terminated upstream), and pumps whole IPv4 datagrams
// between a tun device and that Internal (spec.md §4.G).
package capture

import (
	"context"
	"fmt"

	"github.com/songgao/water"

	"github.com/wisp-vpn/wisp/internal/analyzer"
	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/util"
)

// Internal is the tagged-variant boundary spec.md §9 calls out: Split (the
// full demultiplexer) or Pass (identity passthrough) — never a class
// hierarchy, just two small implementations of one interface.
type Internal interface {
	Send(ctx context.Context, beam *l3.Beam) (consumed bool, err error)
}

// Capture owns the Analyzer and one Internal, and bridges the host tun
// device: reads become Internal.Send calls, and whatever Internal injects
// back is written to the tun.
type Capture struct {
	analyzer analyzer.Analyzer
	internal Internal
	tun      *water.Interface
}

// New wires a Capture around an already-open tun device and an Analyzer.
// The Internal (Split or Pass) is supplied afterward via SetInternal, since
// Split's own constructor needs this Capture as its Injector — a two-phase
// construction that avoids a false initialization-order dependency.
func New(tun *water.Interface, an analyzer.Analyzer) *Capture {
	return &Capture{analyzer: an, tun: tun}
}

// SetInternal installs the Internal (Split for the flow-splitting client
// path, Pass for an identity passthrough — spec.md §4.G's "alternative
// Start()"). Must be called before Run.
func (c *Capture) SetInternal(internal Internal) {
	c.internal = internal
}

// Land is the host → tunnel direction: ship to Internal.Send; if it reports
// consumed, additionally hand the pre-NAT span to Analyzer.Analyze.
//
// Send's consumed-forward path rewrites buf's addresses/ports in place via
// l3.Forge (the NAT rewrite), so the span handed to Analyze must be parsed
// from a snapshot taken before Send runs — mirroring the original's
// Split::Send, which copies its input into a local Beam before forging so
// the caller's bytes are left untouched (capture.cpp:488).
func (c *Capture) Land(ctx context.Context, buf []byte) error {
	preNAT := append([]byte(nil), buf...)
	beam := l3.WrapBeam(buf)
	consumed, err := c.internal.Send(ctx, beam)
	if err != nil {
		return fmt.Errorf("capture: send: %w", err)
	}
	if !consumed {
		return nil
	}
	span, err := l3.WrapBeam(preNAT).Span()
	if err != nil {
		return nil // malformed — already logged by Send's own parse attempt
	}
	c.analyzer.Analyze(span)
	return nil
}

// Inject is the tunnel → host direction (spec.md §4.G's second Land
// overload, renamed to avoid Go's lack of overloading): write buf onto the
// tun device; if analyze, additionally hand it to Analyzer.AnalyzeIncoming.
// This is what internal/split.Injector expects from its constructor.
func (c *Capture) Inject(raw []byte, analyze bool) error {
	if _, err := c.tun.Write(raw); err != nil {
		return fmt.Errorf("capture: tun write: %w", err)
	}
	if analyze {
		beam := l3.WrapBeam(append([]byte(nil), raw...))
		if span, err := beam.Span(); err == nil {
			c.analyzer.AnalyzeIncoming(span)
		}
	}
	return nil
}

// Run pumps tun.Read → Land until ctx is cancelled or the tun device errs.
func (c *Capture) Run(ctx context.Context) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := c.tun.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("capture: tun read: %w", err)
			}
		}
		packet := append([]byte(nil), buf[:n]...)
		if err := c.Land(ctx, packet); err != nil {
			util.LogDebug("capture: land: %v", err)
		}
	}
}
